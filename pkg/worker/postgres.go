package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// PostgresQueue implements Queue on PostgreSQL. Dedup is a unique index on
// dedup_key; leasing uses FOR UPDATE SKIP LOCKED so concurrent workers never
// claim the same row.
type PostgresQueue struct {
	db *sql.DB
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue returns a PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS worker_tasks (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	type TEXT NOT NULL,
	payload JSONB,
	dedup_key TEXT UNIQUE,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	run_at TIMESTAMPTZ NOT NULL,
	leased_by TEXT NOT NULL DEFAULT '',
	leased_until TIMESTAMPTZ,
	result TEXT NOT NULL DEFAULT '',
	error JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_worker_tasks_due
	ON worker_tasks (status, run_at);
CREATE INDEX IF NOT EXISTS idx_worker_tasks_tenant
	ON worker_tasks (tenant_id, created_at DESC);
`

// Init creates the necessary database tables.
func (q *PostgresQueue) Init(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, taskSchema); err != nil {
		return fmt.Errorf("worker: init schema: %w", err)
	}
	return nil
}

const taskColumns = `id, tenant_id, type, payload, dedup_key, status, attempts,
	run_at, leased_by, leased_until, result, error, created_at, updated_at`

func (q *PostgresQueue) Enqueue(ctx context.Context, t *Task) error {
	prepareTask(t)
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO worker_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dedup_key) DO NOTHING
	`, t.ID, t.TenantID, t.Type, nullBytes(t.Payload), nullString(t.DedupKey),
		t.Status, t.Attempts, t.RunAt, t.LeasedBy, nullTaskTime(t.LeasedUntil),
		t.Result, nil, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("worker: enqueue %s: %w", t.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worker: enqueue rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.DedupKey)
	}
	return nil
}

func (q *PostgresQueue) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := timeNow().UTC()
	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM worker_tasks
		WHERE (status = 'PENDING' AND run_at <= $1)
		   OR (status = 'RUNNING' AND leased_until < $1)
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("worker: select due task: %w", err)
	}

	until := now.Add(leaseFor)
	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_tasks
		SET status = 'RUNNING', attempts = attempts + 1,
		    leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4
	`, workerID, until, now, id); err != nil {
		return nil, fmt.Errorf("worker: claim task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("worker: commit lease: %w", err)
	}
	return q.GetTask(ctx, id)
}

func (q *PostgresQueue) ExtendLease(ctx context.Context, id uuid.UUID, leaseFor time.Duration) error {
	now := timeNow().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE worker_tasks
		SET leased_until = $1, updated_at = $2
		WHERE id = $3 AND status = 'RUNNING'
	`, now.Add(leaseFor), now, id)
	if err != nil {
		return fmt.Errorf("worker: extend lease: %w", err)
	}
	return requireTaskAffected(res, "worker: extend lease")
}

func (q *PostgresQueue) Succeed(ctx context.Context, id uuid.UUID, result string) error {
	now := timeNow().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE worker_tasks
		SET status = 'SUCCEEDED', result = $1, error = NULL,
		    leased_by = '', leased_until = NULL, updated_at = $2
		WHERE id = $3
	`, result, now, id)
	if err != nil {
		return fmt.Errorf("worker: succeed task: %w", err)
	}
	return requireTaskAffected(res, "worker: succeed task")
}

func (q *PostgresQueue) Fail(ctx context.Context, id uuid.UUID, detail contracts.ErrorDetail) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("worker: encode error detail: %w", err)
	}
	now := timeNow().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE worker_tasks
		SET status = 'FAILED', error = $1,
		    leased_by = '', leased_until = NULL, updated_at = $2
		WHERE id = $3
	`, raw, now, id)
	if err != nil {
		return fmt.Errorf("worker: fail task: %w", err)
	}
	return requireTaskAffected(res, "worker: fail task")
}

func (q *PostgresQueue) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, detail contracts.ErrorDetail) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("worker: encode error detail: %w", err)
	}
	now := timeNow().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE worker_tasks
		SET status = 'PENDING', run_at = $1, error = $2,
		    leased_by = '', leased_until = NULL, updated_at = $3
		WHERE id = $4
	`, runAt.UTC(), raw, now, id)
	if err != nil {
		return fmt.Errorf("worker: reschedule task: %w", err)
	}
	return requireTaskAffected(res, "worker: reschedule task")
}

func (q *PostgresQueue) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return scanTask(q.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM worker_tasks WHERE id = $1`, id))
}

func (q *PostgresQueue) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM worker_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("worker: count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("worker: scan count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker: iterate counts: %w", err)
	}
	return out, nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskRowScanner) (*Task, error) {
	var t Task
	var payload, detail []byte
	var dedup sql.NullString
	var leasedUntil sql.NullTime
	err := row.Scan(&t.ID, &t.TenantID, &t.Type, &payload, &dedup, &t.Status,
		&t.Attempts, &t.RunAt, &t.LeasedBy, &leasedUntil, &t.Result, &detail,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("worker: scan task: %w", err)
	}
	t.Payload = payload
	t.DedupKey = dedup.String
	if leasedUntil.Valid {
		u := leasedUntil.Time
		t.LeasedUntil = &u
	}
	if len(detail) > 0 {
		var d contracts.ErrorDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("worker: decode error detail: %w", err)
		}
		t.Error = &d
	}
	return &t, nil
}

// prepareTask fills the fields Enqueue requires. Callers building tasks by
// hand (tests, replays) get the same defaults NewTask applies.
func prepareTask(t *Task) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := timeNow().UTC()
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTaskTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func requireTaskAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
