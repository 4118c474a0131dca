package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// MemoryQueue implements Queue in memory for tests and single-process runs.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]Task
	dedup map[string]uuid.UUID
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[uuid.UUID]Task),
		dedup: make(map[string]uuid.UUID),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prepareTask(t)
	if t.DedupKey != "" {
		if _, exists := q.dedup[t.DedupKey]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.DedupKey)
		}
		q.dedup[t.DedupKey] = t.ID
	}
	q.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (q *MemoryQueue) Lease(_ context.Context, workerID string, leaseFor time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := timeNow().UTC()
	var pick *Task
	for id := range q.tasks {
		t := q.tasks[id]
		due := (t.Status == TaskPending && !t.RunAt.After(now)) ||
			(t.Status == TaskRunning && t.LeasedUntil != nil && t.LeasedUntil.Before(now))
		if !due {
			continue
		}
		if pick == nil || t.RunAt.Before(pick.RunAt) {
			c := cloneTask(t)
			pick = &c
		}
	}
	if pick == nil {
		return nil, ErrEmpty
	}
	until := now.Add(leaseFor)
	pick.Status = TaskRunning
	pick.Attempts++
	pick.LeasedBy = workerID
	pick.LeasedUntil = &until
	pick.UpdatedAt = now
	q.tasks[pick.ID] = cloneTask(*pick)
	out := cloneTask(*pick)
	return &out, nil
}

func (q *MemoryQueue) ExtendLease(_ context.Context, id uuid.UUID, leaseFor time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != TaskRunning {
		return ErrTaskNotFound
	}
	now := timeNow().UTC()
	until := now.Add(leaseFor)
	t.LeasedUntil = &until
	t.UpdatedAt = now
	q.tasks[id] = t
	return nil
}

func (q *MemoryQueue) Succeed(_ context.Context, id uuid.UUID, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = TaskSucceeded
	t.Result = result
	t.Error = nil
	t.LeasedBy = ""
	t.LeasedUntil = nil
	t.UpdatedAt = timeNow().UTC()
	q.tasks[id] = t
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id uuid.UUID, detail contracts.ErrorDetail) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = TaskFailed
	t.Error = &detail
	t.LeasedBy = ""
	t.LeasedUntil = nil
	t.UpdatedAt = timeNow().UTC()
	q.tasks[id] = t
	return nil
}

func (q *MemoryQueue) Reschedule(_ context.Context, id uuid.UUID, runAt time.Time, detail contracts.ErrorDetail) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = TaskPending
	t.RunAt = runAt.UTC()
	t.Error = &detail
	t.LeasedBy = ""
	t.LeasedUntil = nil
	t.UpdatedAt = timeNow().UTC()
	q.tasks[id] = t
	return nil
}

func (q *MemoryQueue) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := cloneTask(t)
	return &out, nil
}

func (q *MemoryQueue) CountByStatus(_ context.Context) (map[TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[TaskStatus]int)
	for _, t := range q.tasks {
		out[t.Status]++
	}
	return out, nil
}

func cloneTask(t Task) Task {
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	if t.LeasedUntil != nil {
		u := *t.LeasedUntil
		t.LeasedUntil = &u
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}
