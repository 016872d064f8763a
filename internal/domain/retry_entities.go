// Package domain defines retry and DLQ entities for resilient job processing.
package domain

import (
	"math"
	"strings"
	"time"
)

// RetryStatus represents the retry state of a job.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the job is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the job has been moved to DLQ.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for job processing.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter             bool
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"connection reset",
			"no such host",
			"timeout",
			"temporary failure",
			"rate limit",
			"service unavailable",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"invalid api key",
			"forbidden",
			"not found",
			"conflict",
		},
	}
}

// RetryInfo tracks retry attempts for a job.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if a job should be retried given the last error.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, retryable := range config.RetryableErrors {
		if strings.Contains(msg, retryable) {
			return true
		}
	}
	for _, nonRetryable := range config.NonRetryableErrors {
		if strings.Contains(msg, nonRetryable) {
			return false
		}
	}
	// Unknown errors default to retryable.
	return true
}

// CalculateNextRetryDelay computes the delay for the next retry attempt.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(ri.AttemptCount)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to DLQ.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQJob represents a job that has been moved to the dead-letter queue.
type DLQJob struct {
	JobID            string
	Queue            string
	OriginalData     JobData
	RetryInfo        RetryInfo
	FailureReason    string
	MovedToDLQAt     time.Time
	CanBeReprocessed bool
}
