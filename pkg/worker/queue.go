package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Queue failure classes.
var (
	// ErrEmpty means no task is due; workers poll again after a short wait.
	ErrEmpty = errors.New("worker: no due tasks")
	// ErrDuplicateTask means a task with the same dedup key is already
	// queued or settled. Scheduled producers treat it as success.
	ErrDuplicateTask = errors.New("worker: duplicate task")
	// ErrTaskNotFound means the task id does not exist.
	ErrTaskNotFound = errors.New("worker: task not found")
)

// timeNow is swapped in tests to pin lease and schedule arithmetic.
var timeNow = time.Now

// Queue is the persistent task store. Delivery is at-least-once: Lease hands
// a task to exactly one worker for the lease window, but a worker that dies
// mid-handler loses the lease and the task is delivered again.
type Queue interface {
	// Enqueue inserts a PENDING task. When the task carries a DedupKey that
	// already exists, nothing is inserted and ErrDuplicateTask is returned.
	Enqueue(ctx context.Context, t *Task) error

	// Lease claims the next due task for workerID: PENDING with run_at in
	// the past, or RUNNING with an expired lease. The claim moves the task
	// to RUNNING, bumps Attempts, and holds the lease for leaseFor.
	// Returns ErrEmpty when nothing is due.
	Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*Task, error)

	// ExtendLease pushes the lease deadline out for a long-running handler.
	ExtendLease(ctx context.Context, id uuid.UUID, leaseFor time.Duration) error

	// Succeed settles the task as SUCCEEDED with a result marker
	// (ResultOK or ResultSkipped) and clears the lease.
	Succeed(ctx context.Context, id uuid.UUID, result string) error

	// Fail settles the task as FAILED with the final error.
	Fail(ctx context.Context, id uuid.UUID, detail contracts.ErrorDetail) error

	// Reschedule returns the task to PENDING due at runAt, keeping the
	// attempt count and recording the error that caused the retry.
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, detail contracts.ErrorDetail) error

	// GetTask loads a task by id.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// CountByStatus reports queue depth per status for the ops surface.
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)
}
