package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// SchedulerConfig tunes the periodic producers.
type SchedulerConfig struct {
	// Interval is how often the scheduler scans for work to enqueue.
	Interval time.Duration
	// SweepHourUTC is the UTC hour (0-23) during which daily retention
	// sweeps are enqueued. Zero is midnight; the per-day dedup key keeps
	// the hour-long window from producing more than one sweep per tenant.
	SweepHourUTC int
}

func (c *SchedulerConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.SweepHourUTC < 0 || c.SweepHourUTC > 23 {
		c.SweepHourUTC = 0
	}
}

// Scheduler turns wall-clock time into queued tasks: ack polling for every
// active dropzone connection each minute, and a retention sweep per tenant
// each day. Dedup keys make every tick idempotent, so running schedulers on
// several replicas is safe.
type Scheduler struct {
	queue       Queue
	connections export.ConnectionStore
	tenants     tenants.Store
	cfg         SchedulerConfig
	logger      *slog.Logger
}

// NewScheduler builds a scheduler. A nil logger falls back to slog.Default().
func NewScheduler(queue Queue, connections export.ConnectionStore, ts tenants.Store, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:       queue,
		connections: connections,
		tenants:     ts,
		cfg:         cfg,
		logger:      logger.With("component", "scheduler"),
	}
}

// Run ticks until ctx is canceled, returning ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx, timeNow().UTC()); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick enqueues everything due at now. Exported so a cron-style caller can
// drive it without the ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	now = now.UTC()
	conns, err := s.connections.ListActiveConnections(ctx, export.TypeDropzoneJSONV1)
	if err != nil {
		return fmt.Errorf("worker: list active connections: %w", err)
	}
	for i := range conns {
		s.enqueuePollAcks(ctx, &conns[i], now)
	}

	if now.Hour() != s.cfg.SweepHourUTC {
		return nil
	}
	active, err := s.tenants.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("worker: list active tenants: %w", err)
	}
	for _, t := range active {
		s.enqueueRetentionSweep(ctx, t.ID, now)
	}
	return nil
}

func (s *Scheduler) enqueuePollAcks(ctx context.Context, conn *export.Connection, now time.Time) {
	task, err := NewTask(conn.TenantID, TaskPollAcks, PollAcksPayload{ConnectionID: conn.ID})
	if err != nil {
		s.logger.Error("build poll task failed", "connection_id", conn.ID, "error", err)
		return
	}
	task.DedupKey = PollAcksDedupKey(conn.ID, now)
	if err := s.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, ErrDuplicateTask) {
		s.logger.Error("enqueue poll task failed", "connection_id", conn.ID, "error", err)
	}
}

func (s *Scheduler) enqueueRetentionSweep(ctx context.Context, tenantID uuid.UUID, now time.Time) {
	task, err := NewTask(tenantID, TaskRetentionSweep, RetentionSweepPayload{})
	if err != nil {
		s.logger.Error("build sweep task failed", "tenant_id", tenantID, "error", err)
		return
	}
	task.DedupKey = RetentionSweepDedupKey(tenantID, now)
	if err := s.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, ErrDuplicateTask) {
		s.logger.Error("enqueue sweep task failed", "tenant_id", tenantID, "error", err)
	}
}
