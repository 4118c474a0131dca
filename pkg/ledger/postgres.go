package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS ai_calls (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	call_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT,
	tokens_in BIGINT NOT NULL DEFAULT 0,
	tokens_out BIGINT NOT NULL DEFAULT 0,
	cost_micros BIGINT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	output JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_calls_tenant_created ON ai_calls(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ai_calls_reuse ON ai_calls(tenant_id, input_hash, created_at);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, rec *CallRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_calls (id, tenant_id, call_type, provider, model, input_hash,
			status, error_kind, tokens_in, tokens_out, cost_micros, latency_ms, output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.TenantID, rec.CallType, rec.Provider, rec.Model, rec.InputHash,
		rec.Status, nullString(rec.ErrorKind), rec.TokensIn, rec.TokensOut,
		rec.CostMicros, rec.LatencyMS, nullBytes(rec.Output), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: record call: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindReusable(ctx context.Context, tenantID uuid.UUID, inputHash string, maxAge time.Duration) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, call_type, provider, model, input_hash,
			status, error_kind, tokens_in, tokens_out, cost_micros, latency_ms, output, created_at
		FROM ai_calls
		WHERE tenant_id = $1 AND input_hash = $2 AND status = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, inputHash, StatusOK, timeNow().UTC().Add(-maxAge))
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find reusable: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SpentSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost_micros) FROM ai_calls
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum spend: %w", err)
	}
	return total.Int64, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ai_calls WHERE tenant_id = $1 AND created_at < $2
	`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: delete old calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*CallRecord, error) {
	var (
		rec       CallRecord
		errorKind sql.NullString
		output    []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.CallType, &rec.Provider, &rec.Model,
		&rec.InputHash, &rec.Status, &errorKind, &rec.TokensIn, &rec.TokensOut,
		&rec.CostMicros, &rec.LatencyMS, &output, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.ErrorKind = errorKind.String
	if len(output) > 0 {
		rec.Output = output
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
