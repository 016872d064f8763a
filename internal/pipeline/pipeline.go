// Package pipeline turns raw scraped payloads into unified creator records.
// Stages run in a fixed order: input validation, transformation,
// normalization, duplicate detection, merging, output validation. Each stage
// is timed for metrics.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Stage names the pipeline stages. They double as error codes.
type Stage string

const (
	StageInputValidation    Stage = "INPUT_VALIDATION"
	StageTransformation     Stage = "TRANSFORMATION"
	StageNormalization      Stage = "NORMALIZATION"
	StageDuplicateDetection Stage = "DUPLICATE_DETECTION"
	StageMerging            Stage = "MERGING"
	StageOutputValidation   Stage = "OUTPUT_VALIDATION"
)

// Stages lists the execution order.
func Stages() []Stage {
	return []Stage{StageInputValidation, StageTransformation, StageNormalization,
		StageDuplicateDetection, StageMerging, StageOutputValidation}
}

// StageError is a failure attributed to one stage.
type StageError struct {
	Stage   Stage
	Message string
}

func (e StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// FailureMode controls what a hard validation failure does to an item.
type FailureMode string

const (
	// FailFast stops the item at the first hard failure.
	FailFast FailureMode = "fail-fast"
	// Continue lets the item proceed while accumulating errors.
	Continue FailureMode = "continue"
)

// BatchMode selects how a batch of items is walked.
type BatchMode string

const (
	BatchSequential BatchMode = "sequential"
	BatchParallel   BatchMode = "parallel"
	BatchAdaptive   BatchMode = "batch"
)

// ItemResult is the per-item outcome. Under Continue mode failed items carry
// their error list instead of aborting the batch.
type ItemResult struct {
	Creator   *domain.UnifiedCreator
	Merged    bool
	MatchedID string
	Warnings  []string
	Errors    []StageError
	Succeeded bool
}

// Options tune one pipeline instance.
type Options struct {
	FailureMode    FailureMode
	MergeStrategy  domain.MergeStrategy
	MaxConcurrency int
	Timeout        time.Duration
	// BatchBase seeds the adaptive batch size computation.
	BatchBase int
}

// DefaultOptions mirror production settings.
func DefaultOptions() Options {
	return Options{
		FailureMode:    Continue,
		MergeStrategy:  domain.MergeMostComplete,
		MaxConcurrency: 8,
		Timeout:        5 * time.Minute,
		BatchBase:      100,
	}
}

// Pipeline wires the stages together over the creator store.
type Pipeline struct {
	creators domain.CreatorRepository
	detector *DuplicateDetector
	opts     Options
	metrics  *Collector
	now      func() time.Time
}

// New constructs a Pipeline.
func New(creators domain.CreatorRepository, opts Options) *Pipeline {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.BatchBase <= 0 {
		opts.BatchBase = 100
	}
	if opts.MergeStrategy == "" {
		opts.MergeStrategy = domain.MergeMostComplete
	}
	if opts.FailureMode == "" {
		opts.FailureMode = Continue
	}
	return &Pipeline{
		creators: creators,
		detector: NewDuplicateDetector(creators),
		opts:     opts,
		metrics:  NewCollector(),
		now:      time.Now,
	}
}

// Metrics exposes the pipeline's collector.
func (p *Pipeline) Metrics() *Collector { return p.metrics }

// ProcessItem runs one raw item through every stage. The returned result is
// non-nil even on failure; the error return only fires for fail-fast mode.
func (p *Pipeline) ProcessItem(ctx domain.Context, platform string, item domain.RawItem, actorID, runID string) (ItemResult, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "ProcessItem")
	defer span.End()

	res := ItemResult{}

	// INPUT_VALIDATION
	stageStart := p.now()
	verdict := ValidateInput(platform, item)
	p.metrics.RecordStage(StageInputValidation, p.now().Sub(stageStart))
	res.Warnings = append(res.Warnings, verdict.Warnings...)
	for _, msg := range verdict.Errors {
		res.Errors = append(res.Errors, StageError{Stage: StageInputValidation, Message: msg})
	}
	if len(verdict.Errors) > 0 && p.opts.FailureMode == FailFast {
		p.metrics.RecordItem(platform, false)
		return res, StageError{Stage: StageInputValidation, Message: verdict.Errors[0]}
	}

	// TRANSFORMATION
	stageStart = p.now()
	creator, err := Transform(platform, item, actorID, runID, p.now().UTC())
	p.metrics.RecordStage(StageTransformation, p.now().Sub(stageStart))
	if err != nil {
		res.Errors = append(res.Errors, StageError{Stage: StageTransformation, Message: err.Error()})
		p.metrics.RecordItem(platform, false)
		if p.opts.FailureMode == FailFast {
			return res, StageError{Stage: StageTransformation, Message: err.Error()}
		}
		return res, nil
	}

	// NORMALIZATION
	stageStart = p.now()
	Normalize(&creator)
	p.metrics.RecordStage(StageNormalization, p.now().Sub(stageStart))

	// DUPLICATE_DETECTION
	stageStart = p.now()
	match, err := p.detector.Detect(ctx, creator)
	p.metrics.RecordStage(StageDuplicateDetection, p.now().Sub(stageStart))
	if err != nil {
		res.Errors = append(res.Errors, StageError{Stage: StageDuplicateDetection, Message: err.Error()})
		p.metrics.RecordItem(platform, false)
		if p.opts.FailureMode == FailFast {
			return res, StageError{Stage: StageDuplicateDetection, Message: err.Error()}
		}
		return res, nil
	}

	// MERGING (only on duplicate)
	if match.Found {
		stageStart = p.now()
		creator = Merge(match.Existing, creator, p.opts.MergeStrategy)
		p.metrics.RecordStage(StageMerging, p.now().Sub(stageStart))
		res.Merged = true
		res.MatchedID = match.ID
	}

	// OUTPUT_VALIDATION
	stageStart = p.now()
	outVerdict := ValidateOutput(creator)
	p.metrics.RecordStage(StageOutputValidation, p.now().Sub(stageStart))
	res.Warnings = append(res.Warnings, outVerdict.Warnings...)
	if len(outVerdict.Errors) > 0 {
		for _, msg := range outVerdict.Errors {
			res.Errors = append(res.Errors, StageError{Stage: StageOutputValidation, Message: msg})
		}
		p.metrics.RecordItem(platform, false)
		if p.opts.FailureMode == FailFast {
			return res, StageError{Stage: StageOutputValidation, Message: outVerdict.Errors[0]}
		}
		return res, nil
	}

	res.Creator = &creator
	res.Succeeded = true
	p.metrics.RecordItem(platform, true)
	return res, nil
}

// ProcessBatch walks a batch of items in the selected mode. A wall-clock
// timeout fails the whole batch; a single item's failure does not.
func (p *Pipeline) ProcessBatch(ctx domain.Context, platform string, items []domain.RawItem, actorID, runID string, mode BatchMode) ([]ItemResult, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	batchStart := p.now()
	defer func() { p.metrics.RecordBatch(len(items), p.now().Sub(batchStart)) }()

	var (
		results []ItemResult
		err     error
	)
	switch mode {
	case BatchParallel:
		results, err = p.processParallel(ctx, platform, items, actorID, runID)
	case BatchAdaptive:
		results, err = p.processAdaptive(ctx, platform, items, actorID, runID)
	default:
		results, err = p.processSequential(ctx, platform, items, actorID, runID)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("op=pipeline.ProcessBatch: %w", domain.ErrTimeout)
	}
	return results, nil
}

func (p *Pipeline) processSequential(ctx domain.Context, platform string, items []domain.RawItem, actorID, runID string) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=pipeline.processSequential: %w", domain.ErrTimeout)
		}
		res, err := p.ProcessItem(ctx, platform, item, actorID, runID)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// processParallel bounds concurrency with a semaphore. Individual item
// failures land in their result slot; they never abort siblings.
func (p *Pipeline) processParallel(ctx domain.Context, platform string, items []domain.RawItem, actorID, runID string) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	sem := make(chan struct{}, p.opts.MaxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, fmt.Errorf("op=pipeline.processParallel: %w", domain.ErrTimeout)
		}
		wg.Add(1)
		go func(idx int, it domain.RawItem) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := p.ProcessItem(ctx, platform, it, actorID, runID)
			if err != nil {
				res.Errors = append(res.Errors, StageError{Stage: StageInputValidation, Message: err.Error()})
			}
			results[idx] = res
		}(i, item)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("op=pipeline.processParallel: %w", domain.ErrTimeout)
	}
	return results, nil
}

// processAdaptive chunks the batch by an adaptive size, then runs each chunk
// in parallel.
func (p *Pipeline) processAdaptive(ctx domain.Context, platform string, items []domain.RawItem, actorID, runID string) ([]ItemResult, error) {
	size := p.adaptiveBatchSize(len(items))
	results := make([]ItemResult, 0, len(items))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunk, err := p.processParallel(ctx, platform, items[start:end], actorID, runID)
		if err != nil {
			return nil, err
		}
		results = append(results, chunk...)
	}
	return results, nil
}

// adaptiveBatchSize scales the base by free-memory headroom and the item
// count, clamped to [10, 500].
func (p *Pipeline) adaptiveBatchSize(itemCount int) int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memoryFactor := 1.0
	if ms.Sys > 0 {
		inUse := float64(ms.HeapInuse) / float64(ms.Sys)
		memoryFactor = 1.5 - inUse
		if memoryFactor < 0.25 {
			memoryFactor = 0.25
		}
	}

	itemFactor := 1.0
	switch {
	case itemCount > 5000:
		itemFactor = 2.0
	case itemCount > 1000:
		itemFactor = 1.5
	case itemCount < 50:
		itemFactor = 0.5
	}

	size := int(float64(p.opts.BatchBase) * memoryFactor * itemFactor)
	if size < 10 {
		size = 10
	}
	if size > 500 {
		size = 500
	}
	return size
}
