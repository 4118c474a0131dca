package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// PostgresStore implements ConnectionStore and ExportStore on
// PostgreSQL. The ACTIVE-per-(tenant,type) rule and the idempotency
// key are both enforced by unique indexes, so concurrent writers
// cannot slip past them.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ ConnectionStore = (*PostgresStore)(nil)
	_ ExportStore     = (*PostgresStore)(nil)
)

// NewPostgresStore returns a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS erp_connections (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	config_sealed BYTEA NOT NULL,
	last_tested_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_erp_connections_one_active
	ON erp_connections (tenant_id, type) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS erp_exports (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	draft_id UUID NOT NULL,
	connection_id UUID NOT NULL,
	draft_version BIGINT NOT NULL,
	status TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL DEFAULT '',
	dropzone_path TEXT NOT NULL DEFAULT '',
	erp_order_id TEXT NOT NULL DEFAULT '',
	error JSONB,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_erp_exports_tenant_draft
	ON erp_exports (tenant_id, draft_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_erp_exports_tenant_status
	ON erp_exports (tenant_id, status);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("export: init schema: %w", err)
	}
	return nil
}

const connectionColumns = `id, tenant_id, type, status, config_sealed,
	last_tested_at, created_at, updated_at`

const exportColumns = `id, tenant_id, draft_id, connection_id, draft_version,
	status, idempotency_key, filename, storage_key, dropzone_path,
	erp_order_id, error, latency_ms, retry_count, created_at, updated_at`

// --- connections ---

func (s *PostgresStore) CreateConnection(ctx context.Context, c *Connection) error {
	prepareConnection(c)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO erp_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.Type, c.Status, c.ConfigSealed,
		nullTime(c.LastTestedAt), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: tenant %s type %s", ErrActiveExists, c.TenantID, c.Type)
	}
	if err != nil {
		return fmt.Errorf("export: insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, tenantID, id uuid.UUID) (*Connection, error) {
	return scanConnectionRow(s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM erp_connections
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *PostgresStore) ActiveConnection(ctx context.Context, tenantID uuid.UUID, typ ConnectionType) (*Connection, error) {
	return scanConnectionRow(s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM erp_connections
		WHERE tenant_id = $1 AND type = $2 AND status = 'ACTIVE'`, tenantID, typ))
}

func (s *PostgresStore) ListActiveConnections(ctx context.Context, typ ConnectionType) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM erp_connections
		WHERE type = $1 AND status = 'ACTIVE'
		ORDER BY created_at`, typ)
	if err != nil {
		return nil, fmt.Errorf("export: list active connections: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: iterate connections: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetConnectionStatus(ctx context.Context, tenantID, id uuid.UUID, status ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_connections SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, status, timeNow().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: tenant %s", ErrActiveExists, tenantID)
	}
	if err != nil {
		return fmt.Errorf("export: set connection status: %w", err)
	}
	return requireAffected(res, "export: set connection status")
}

func (s *PostgresStore) UpdateConnectionConfig(ctx context.Context, tenantID, id uuid.UUID, sealed []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_connections SET config_sealed = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, sealed, timeNow().UTC())
	if err != nil {
		return fmt.Errorf("export: update connection config: %w", err)
	}
	return requireAffected(res, "export: update connection config")
}

func (s *PostgresStore) TouchConnectionTest(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_connections SET last_tested_at = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, at.UTC(), timeNow().UTC())
	if err != nil {
		return fmt.Errorf("export: touch connection test: %w", err)
	}
	return requireAffected(res, "export: touch connection test")
}

// --- exports ---

func (s *PostgresStore) CreateExport(ctx context.Context, e *Export) error {
	prepareExport(e)
	detail, err := encodeDetail(e.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO erp_exports (`+exportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.TenantID, e.DraftID, e.ConnectionID, e.DraftVersion,
		e.Status, e.IdempotencyKey, e.Filename, e.StorageKey, e.DropzonePath,
		e.ERPOrderID, detail, e.LatencyMS, e.RetryCount, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: draft %s version %d", ErrDuplicateExport, e.DraftID, e.DraftVersion)
	}
	if err != nil {
		return fmt.Errorf("export: insert export: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExport(ctx context.Context, tenantID, id uuid.UUID) (*Export, error) {
	return scanExportRow(s.db.QueryRowContext(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*Export, error) {
	return scanExportRow(s.db.QueryRowContext(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key))
}

func (s *PostgresStore) LatestSentByDraftPrefix(ctx context.Context, tenantID uuid.UUID, draftIDPrefix string) (*Export, error) {
	return scanExportRow(s.db.QueryRowContext(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE tenant_id = $1 AND status = 'SENT' AND draft_id::text LIKE $2 || '%'
		ORDER BY created_at DESC LIMIT 1`, tenantID, draftIDPrefix))
}

func (s *PostgresStore) ListExportsByDraft(ctx context.Context, tenantID, draftID uuid.UUID) ([]Export, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE tenant_id = $1 AND draft_id = $2
		ORDER BY created_at DESC`, tenantID, draftID)
	if err != nil {
		return nil, fmt.Errorf("export: list exports: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: iterate exports: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, tenantID, id uuid.UUID, dropzonePath, storageKey string, latencyMS int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_exports SET
			status = $3, dropzone_path = $4, storage_key = $5,
			latency_ms = $6, error = NULL, updated_at = $7
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, contracts.ExportSent, dropzonePath, storageKey, latencyMS, timeNow().UTC())
	if err != nil {
		return fmt.Errorf("export: mark sent: %w", err)
	}
	return requireAffected(res, "export: mark sent")
}

func (s *PostgresStore) MarkAcked(ctx context.Context, tenantID, id uuid.UUID, erpOrderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_exports SET status = $3, erp_order_id = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, contracts.ExportAcked, erpOrderID, timeNow().UTC())
	if err != nil {
		return fmt.Errorf("export: mark acked: %w", err)
	}
	return requireAffected(res, "export: mark acked")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, tenantID, id uuid.UUID, detail contracts.ErrorDetail) error {
	raw, err := encodeDetail(&detail)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_exports SET status = $3, error = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, contracts.ExportFailed, raw, timeNow().UTC())
	if err != nil {
		return fmt.Errorf("export: mark failed: %w", err)
	}
	return requireAffected(res, "export: mark failed")
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erp_exports SET
			status = $3, retry_count = retry_count + 1, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = $5
	`, tenantID, id, contracts.ExportPending, timeNow().UTC(), contracts.ExportFailed)
	if err != nil {
		return fmt.Errorf("export: mark retrying: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("export: mark retrying rows: %w", err)
	}
	if n == 0 {
		// Distinguish missing from wrong-status for the caller.
		if _, err := s.GetExport(ctx, tenantID, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	return nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnectionRow(row *sql.Row) (*Connection, error) {
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var lastTested sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.Status, &c.ConfigSealed,
		&lastTested, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("export: scan connection: %w", err)
	}
	c.LastTestedAt = fromNullTime(lastTested)
	return &c, nil
}

func scanExportRow(row *sql.Row) (*Export, error) {
	e, err := scanExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanExport(row rowScanner) (*Export, error) {
	var e Export
	var detail []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.DraftID, &e.ConnectionID, &e.DraftVersion,
		&e.Status, &e.IdempotencyKey, &e.Filename, &e.StorageKey, &e.DropzonePath,
		&e.ERPOrderID, &detail, &e.LatencyMS, &e.RetryCount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("export: scan export: %w", err)
	}
	if len(detail) > 0 {
		var d contracts.ErrorDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("export: decode error detail: %w", err)
		}
		e.Error = &d
	}
	return &e, nil
}

// --- helpers ---

func encodeDetail(d *contracts.ErrorDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("export: encode error detail: %w", err)
	}
	return raw, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
