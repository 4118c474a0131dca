package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Handler executes one task and returns a result marker (ResultOK or
// ResultSkipped). Returned errors settle the task: recoverable ones are
// rescheduled with backoff until the policy's attempt cap, everything else
// fails immediately.
type Handler func(ctx context.Context, task *Task) (string, error)

// TransientError marks a failure worth retrying when the underlying error is
// not one of the known provider sentinels. Handlers wrap with Transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the engine retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Recoverable reports whether a handler error should be retried. Provider
// throttling, timeouts, and outages recover on their own; anything else
// (validation, bad payloads, permanent provider rejections) does not.
func Recoverable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ai.ErrTimeout) ||
		errors.Is(err, ai.ErrRateLimited) ||
		errors.Is(err, ai.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// EngineConfig tunes the worker pool. Zero values fall back to defaults.
type EngineConfig struct {
	// Workers is the number of concurrent task loops.
	Workers int
	// Lease is how long a claimed task stays invisible to other workers.
	// Handlers running past it risk concurrent re-delivery.
	Lease time.Duration
	// IdleWait is the poll interval when the queue is empty.
	IdleWait time.Duration
	// Backoff shapes the retry schedule for recoverable failures.
	Backoff BackoffPolicy
}

func (c *EngineConfig) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 2 * time.Second
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = DefaultBackoffPolicy
	}
}

// Engine drains the queue with a pool of worker goroutines. Handlers are
// registered per task type before Run; a leased task with no handler is a
// deployment error and fails permanently.
type Engine struct {
	queue    Queue
	handlers map[TaskType]Handler
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine builds an engine over queue. A nil logger falls back to
// slog.Default().
func NewEngine(queue Queue, cfg EngineConfig, logger *slog.Logger) *Engine {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		queue:    queue,
		handlers: make(map[TaskType]Handler),
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
	}
}

// Register installs the handler for a task type, replacing any previous one.
func (e *Engine) Register(typ TaskType, h Handler) {
	e.handlers[typ] = h
}

// Run blocks until ctx is canceled, returning ctx's error. Each worker loop
// leases, executes, and settles one task at a time.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return e.runLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (e *Engine) runLoop(ctx context.Context, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := e.queue.Lease(ctx, workerID, e.cfg.Lease)
		if err != nil {
			if !errors.Is(err, ErrEmpty) {
				e.logger.Error("task lease failed", "worker", workerID, "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.IdleWait):
			}
			continue
		}
		e.process(ctx, task)
	}
}

// process runs one leased task to a terminal or rescheduled state. Settle
// errors are logged, not returned: the lease expires and the task is
// re-delivered, which at-least-once handlers already tolerate.
func (e *Engine) process(ctx context.Context, task *Task) {
	log := e.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"tenant_id", task.TenantID,
		"attempt", task.Attempts,
	)

	h, ok := e.handlers[task.Type]
	if !ok {
		detail := contracts.ErrorDetail{
			Code:    contracts.CodeInternal,
			Message: fmt.Sprintf("no handler registered for task type %q", task.Type),
		}
		if err := e.queue.Fail(ctx, task.ID, detail); err != nil {
			log.Error("task settle failed", "error", err)
			return
		}
		log.Error("task failed", "error", detail.Message)
		return
	}

	result, herr := h(ctx, task)
	if herr == nil {
		if result == "" {
			result = ResultOK
		}
		if err := e.queue.Succeed(ctx, task.ID, result); err != nil {
			log.Error("task settle failed", "error", err)
			return
		}
		log.Info("task done", "result", result)
		return
	}

	detail := contracts.NewErrorDetail(codeFor(herr), herr)
	if Recoverable(herr) && task.Attempts < e.cfg.Backoff.MaxAttempts {
		delay := ComputeBackoff(task.ID.String(), task.Attempts, e.cfg.Backoff)
		runAt := timeNow().UTC().Add(delay)
		if err := e.queue.Reschedule(ctx, task.ID, runAt, detail); err != nil {
			log.Error("task settle failed", "error", err)
			return
		}
		log.Warn("task retry scheduled", "delay", delay, "error", herr)
		return
	}
	if err := e.queue.Fail(ctx, task.ID, detail); err != nil {
		log.Error("task settle failed", "error", err)
		return
	}
	log.Error("task failed", "error", herr, "code", detail.Code)
}

// codeFor maps handler errors onto the persisted taxonomy. Handlers that
// need a specific code return a contracts.Coded error; the rest inherit the
// provider classes here.
func codeFor(err error) contracts.ErrorCode {
	var coded *contracts.CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ai.ErrTimeout),
		errors.Is(err, ai.ErrRateLimited),
		errors.Is(err, ai.ErrUnavailable),
		errors.Is(err, ai.ErrAuthFailed):
		return contracts.CodeAIProviderError
	case errors.Is(err, context.DeadlineExceeded):
		return contracts.CodeInternal
	default:
		return contracts.CodeInternal
	}
}
