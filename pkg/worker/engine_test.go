package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/contracts"
)

func leaseOne(t *testing.T, q Queue) *Task {
	t.Helper()
	task, err := q.Lease(context.Background(), "worker-0", time.Minute)
	require.NoError(t, err)
	return task
}

func TestEngineProcessSuccess(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)

	docID := uuid.New()
	var seen ExtractDocumentPayload
	engine.Register(TaskExtractDocument, func(_ context.Context, task *Task) (string, error) {
		if err := task.Decode(&seen); err != nil {
			return "", err
		}
		return ResultOK, nil
	})

	task := mustTask(t, uuid.New(), TaskExtractDocument, ExtractDocumentPayload{DocumentID: docID})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	assert.Equal(t, docID, seen.DocumentID)
	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, got.Status)
	assert.Equal(t, ResultOK, got.Result)
	assert.Equal(t, 1, got.Attempts)
}

func TestEngineProcessDefaultsEmptyResult(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)
	engine.Register(TaskRetentionSweep, func(context.Context, *Task) (string, error) {
		return "", nil
	})

	task := mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, got.Result)
}

func TestEngineRetriesRecoverableThenSucceeds(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)

	var calls int
	engine.Register(TaskEmbedProduct, func(context.Context, *Task) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("embed batch: %w", ai.ErrRateLimited)
		}
		return ResultOK, nil
	})

	task := mustTask(t, uuid.New(), TaskEmbedProduct, EmbedProductPayload{ProductID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))

	base := timeNow().UTC()
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeAIProviderError, got.Error.Code)
	assert.Contains(t, got.Error.Message, "rate limited")
	// First retry lands 5s out plus up to 2s jitter.
	assert.True(t, got.RunAt.After(base.Add(4*time.Second)))
	assert.True(t, got.RunAt.Before(base.Add(8*time.Second)))

	clock.advance(8 * time.Second)
	engine.process(ctx, leaseOne(t, q))

	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.Error)
	assert.Equal(t, 2, calls)
}

func TestEngineFailsNonRecoverableImmediately(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)
	engine.Register(TaskExtractDocument, func(context.Context, *Task) (string, error) {
		return "", errors.New("document is not a purchase order")
	})

	task := mustTask(t, uuid.New(), TaskExtractDocument, ExtractDocumentPayload{DocumentID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeInternal, got.Error.Code)
	assert.Equal(t, "document is not a purchase order", got.Error.Message)
}

func TestEngineTransientWrapperRetries(t *testing.T) {
	ctx := context.Background()
	installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)
	engine.Register(TaskExportDraft, func(context.Context, *Task) (string, error) {
		return "", Transient(errors.New("draft store: connection reset"))
	})

	task := mustTask(t, uuid.New(), TaskExportDraft, ExportDraftPayload{DraftID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "draft store: connection reset", got.Error.Message)
}

func TestEngineExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{
		Backoff: BackoffPolicy{BaseMS: 1_000, MaxMS: 10_000, MaxJitterMS: 0, MaxAttempts: 2},
	}, nil)

	var calls int
	engine.Register(TaskEmbedProduct, func(context.Context, *Task) (string, error) {
		calls++
		return "", fmt.Errorf("embed batch: %w", ai.ErrUnavailable)
	})

	task := mustTask(t, uuid.New(), TaskEmbedProduct, EmbedProductPayload{ProductID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))

	engine.process(ctx, leaseOne(t, q))
	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskPending, got.Status)

	clock.advance(2 * time.Second)
	engine.process(ctx, leaseOne(t, q))

	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, calls)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeAIProviderError, got.Error.Code)
}

func TestEngineFailsUnregisteredType(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)

	task := mustTask(t, uuid.New(), TaskPollAcks, PollAcksPayload{ConnectionID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeInternal, got.Error.Code)
	assert.Contains(t, got.Error.Message, "no handler registered")
}

func TestEngineCodedErrorKeepsCode(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{}, nil)
	engine.Register(TaskExtractDocument, func(context.Context, *Task) (string, error) {
		return "", contracts.WithCode(contracts.CodeBudgetExceeded, errors.New("daily AI budget exhausted"))
	})

	task := mustTask(t, uuid.New(), TaskExtractDocument, ExtractDocumentPayload{DocumentID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	engine.process(ctx, leaseOne(t, q))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeBudgetExceeded, got.Error.Code)
	assert.Equal(t, "daily AI budget exhausted", got.Error.Message)
}

func TestEngineRunDrainsQueue(t *testing.T) {
	q := NewMemoryQueue()
	engine := NewEngine(q, EngineConfig{Workers: 2, IdleWait: 5 * time.Millisecond}, nil)

	var handled atomic.Int32
	engine.Register(TaskRetentionSweep, func(context.Context, *Task) (string, error) {
		handled.Add(1)
		return ResultOK, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		counts, err := q.CountByStatus(ctx)
		require.NoError(t, err)
		if counts[TaskSucceeded] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained: %v", counts)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
	assert.EqualValues(t, 3, handled.Load())
}

func TestRecoverableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"provider timeout", fmt.Errorf("extract: %w", ai.ErrTimeout), true},
		{"provider rate limited", ai.ErrRateLimited, true},
		{"provider unavailable", ai.ErrUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"transient wrapper", Transient(errors.New("port exhaustion")), true},
		{"provider auth", ai.ErrAuthFailed, false},
		{"invalid response", ai.ErrInvalidResponse, false},
		{"plain error", errors.New("bad payload"), false},
		{"nil-wrapped transient", Transient(nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recoverable(tc.err))
		})
	}
}
