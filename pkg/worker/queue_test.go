package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// fakeClock pins timeNow and lets a test move time forward.
type fakeClock struct {
	now time.Time
}

func installClock(t *testing.T, at time.Time) *fakeClock {
	t.Helper()
	c := &fakeClock{now: at}
	orig := timeNow
	timeNow = func() time.Time { return c.now }
	t.Cleanup(func() { timeNow = orig })
	return c
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func mustTask(t *testing.T, tenantID uuid.UUID, typ TaskType, payload any) *Task {
	t.Helper()
	task, err := NewTask(tenantID, typ, payload)
	require.NoError(t, err)
	return task
}

func TestMemoryQueueEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	tenantID := uuid.New()

	task := mustTask(t, tenantID, TaskExtractDocument, ExtractDocumentPayload{DocumentID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, tenantID, got.TenantID)
	assert.Zero(t, got.Attempts)
	assert.False(t, got.RunAt.IsZero())
	assert.NotEmpty(t, got.Payload)
}

func TestMemoryQueueDedupKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	connID := uuid.New()
	at := time.Date(2025, 1, 4, 12, 30, 45, 0, time.UTC)

	first := mustTask(t, uuid.New(), TaskPollAcks, PollAcksPayload{ConnectionID: connID})
	first.DedupKey = PollAcksDedupKey(connID, at)
	require.NoError(t, q.Enqueue(ctx, first))

	dup := mustTask(t, first.TenantID, TaskPollAcks, PollAcksPayload{ConnectionID: connID})
	dup.DedupKey = PollAcksDedupKey(connID, at.Add(20*time.Second))
	require.ErrorIs(t, q.Enqueue(ctx, dup), ErrDuplicateTask)

	// Next minute bucket is a different key.
	next := mustTask(t, first.TenantID, TaskPollAcks, PollAcksPayload{ConnectionID: connID})
	next.DedupKey = PollAcksDedupKey(connID, at.Add(time.Minute))
	require.NoError(t, q.Enqueue(ctx, next))

	// Tasks without a dedup key never collide.
	require.NoError(t, q.Enqueue(ctx, mustTask(t, first.TenantID, TaskRetentionSweep, RetentionSweepPayload{})))
	require.NoError(t, q.Enqueue(ctx, mustTask(t, first.TenantID, TaskRetentionSweep, RetentionSweepPayload{})))
}

func TestMemoryQueueLeaseOrdersByRunAt(t *testing.T) {
	ctx := context.Background()
	installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()
	tenantID := uuid.New()

	older := mustTask(t, tenantID, TaskExportDraft, ExportDraftPayload{DraftID: uuid.New()})
	older.RunAt = timeNow().UTC().Add(-2 * time.Minute)
	newer := mustTask(t, tenantID, TaskExportDraft, ExportDraftPayload{DraftID: uuid.New()})
	newer.RunAt = timeNow().UTC().Add(-1 * time.Minute)
	require.NoError(t, q.Enqueue(ctx, newer))
	require.NoError(t, q.Enqueue(ctx, older))

	first, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, older.ID, first.ID)
	assert.Equal(t, TaskRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "worker-0", first.LeasedBy)
	require.NotNil(t, first.LeasedUntil)

	second, err := q.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, second.ID)

	_, err = q.Lease(ctx, "worker-0", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryQueueLeaseSkipsFutureTasks(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})
	task.RunAt = timeNow().UTC().Add(30 * time.Second)
	require.NoError(t, q.Enqueue(ctx, task))

	_, err := q.Lease(ctx, "worker-0", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)

	clock.advance(31 * time.Second)
	got, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestMemoryQueueRedeliversExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskEmbedProduct, EmbedProductPayload{ProductID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))

	first, err := q.Lease(ctx, "worker-0", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempts)

	// Within the lease the task stays invisible.
	clock.advance(10 * time.Second)
	_, err = q.Lease(ctx, "worker-1", 30*time.Second)
	require.ErrorIs(t, err, ErrEmpty)

	// Past the lease it is handed to the next worker with a bumped attempt.
	clock.advance(25 * time.Second)
	second, err := q.Lease(ctx, "worker-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, "worker-1", second.LeasedBy)
}

func TestMemoryQueueExtendLease(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskRebuildEmbeddings, RebuildEmbeddingsPayload{})
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Lease(ctx, "worker-0", 30*time.Second)
	require.NoError(t, err)

	clock.advance(25 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, task.ID, 30*time.Second))

	// The original deadline has passed but the extension holds.
	clock.advance(10 * time.Second)
	_, err = q.Lease(ctx, "worker-1", 30*time.Second)
	assert.ErrorIs(t, err, ErrEmpty)

	// Extending a task nobody runs is an error.
	require.NoError(t, q.Succeed(ctx, task.ID, ResultOK))
	assert.ErrorIs(t, q.ExtendLease(ctx, task.ID, time.Minute), ErrTaskNotFound)
}

func TestMemoryQueueSucceedClearsLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskExtractDocument, ExtractDocumentPayload{DocumentID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Succeed(ctx, task.ID, ResultSkipped))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, got.Status)
	assert.Equal(t, ResultSkipped, got.Result)
	assert.Empty(t, got.LeasedBy)
	assert.Nil(t, got.LeasedUntil)
	assert.Nil(t, got.Error)

	assert.ErrorIs(t, q.Succeed(ctx, uuid.New(), ResultOK), ErrTaskNotFound)
}

func TestMemoryQueueFailRecordsDetail(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskExportDraft, ExportDraftPayload{DraftID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)

	detail := contracts.ErrorDetail{Code: contracts.CodeExportFailed, Message: "dropzone unreachable"}
	require.NoError(t, q.Fail(ctx, task.ID, detail))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeExportFailed, got.Error.Code)
	assert.Equal(t, "dropzone unreachable", got.Error.Message)
	assert.Empty(t, got.LeasedBy)
}

func TestMemoryQueueRescheduleKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	clock := installClock(t, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC))
	q := NewMemoryQueue()

	task := mustTask(t, uuid.New(), TaskEmbedProduct, EmbedProductPayload{ProductID: uuid.New()})
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)

	runAt := timeNow().UTC().Add(10 * time.Second)
	detail := contracts.ErrorDetail{Code: contracts.CodeAIProviderError, Message: "ai: provider rate limited"}
	require.NoError(t, q.Reschedule(ctx, task.ID, runAt, detail))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RunAt.Equal(runAt))
	require.NotNil(t, got.Error)
	assert.Equal(t, contracts.CodeAIProviderError, got.Error.Code)

	// Not due yet, then due once the clock passes runAt.
	_, err = q.Lease(ctx, "worker-0", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)
	clock.advance(11 * time.Second)
	again, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
}

func TestMemoryQueueCountByStatus(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	a := mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})
	b := mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})
	c := mustTask(t, uuid.New(), TaskRetentionSweep, RetentionSweepPayload{})
	for _, task := range []*Task{a, b, c} {
		require.NoError(t, q.Enqueue(ctx, task))
	}
	_, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)

	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TaskPending])
	assert.Equal(t, 1, counts[TaskRunning])
}

func TestTaskDecode(t *testing.T) {
	docID := uuid.New()
	task := mustTask(t, uuid.New(), TaskExtractDocument, ExtractDocumentPayload{DocumentID: docID})

	var payload ExtractDocumentPayload
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, docID, payload.DocumentID)

	empty := &Task{ID: uuid.New(), Type: TaskRetentionSweep}
	assert.Error(t, empty.Decode(&payload))
}
