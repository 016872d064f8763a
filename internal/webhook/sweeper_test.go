package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

func TestSweepProcessesDueEvents(t *testing.T) {
	f := newFixture(t, 5)
	s := NewSweeper(f.events, f.handler, time.Minute)

	id, err := f.events.Create(context.Background(), domain.WebhookEvent{
		Provider:  "apify",
		EventType: "ACTOR.BUILD.SUCCEEDED",
		Payload:   []byte(`{"resource":{"id":"run-x"}}`),
	})
	require.NoError(t, err)

	s.sweep(context.Background())

	e, err := f.events.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, e.Status)
}

func TestSweepSkipsFutureRetries(t *testing.T) {
	f := newFixture(t, 5)
	s := NewSweeper(f.events, f.handler, time.Minute)

	future := time.Now().UTC().Add(time.Hour)
	id, err := f.events.Create(context.Background(), domain.WebhookEvent{
		Provider:    "apify",
		EventType:   "ACTOR.BUILD.SUCCEEDED",
		Payload:     []byte(`{"resource":{"id":"run-x"}}`),
		NextRetryAt: &future,
	})
	require.NoError(t, err)

	s.sweep(context.Background())

	e, err := f.events.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookPending, e.Status, "not due yet")
}

func TestMonitorDLQDoesNotPanic(t *testing.T) {
	f := newFixture(t, 1)
	s := NewSweeper(f.events, f.handler, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := f.events.Create(context.Background(), domain.WebhookEvent{
			Provider:  "apify",
			EventType: domain.EventRunSucceeded,
			Payload:   []byte(`{not json`),
		})
		require.NoError(t, err)
	}
	s.sweep(context.Background())
	s.monitorDLQ(context.Background())

	n, err := f.events.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "max attempts of one dead-letters on the first failure")
}
