package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store for the single-binary profile where no
// PostgreSQL is available. Timestamps are stored as unix microseconds
// so range predicates compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ai_calls (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		call_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		created_at_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ai_calls_tenant_created ON ai_calls(tenant_id, created_at_us);
	CREATE INDEX IF NOT EXISTS idx_ai_calls_reuse ON ai_calls(tenant_id, input_hash, created_at_us);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, rec *CallRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	var output any
	if len(rec.Output) > 0 {
		output = string(rec.Output)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_calls (id, tenant_id, call_type, provider, model, input_hash,
			status, error_kind, tokens_in, tokens_out, cost_micros, latency_ms, output, created_at_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.TenantID.String(), rec.CallType, rec.Provider, rec.Model,
		rec.InputHash, rec.Status, nullString(rec.ErrorKind), rec.TokensIn, rec.TokensOut,
		rec.CostMicros, rec.LatencyMS, output, rec.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("ledger: record call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindReusable(ctx context.Context, tenantID uuid.UUID, inputHash string, maxAge time.Duration) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, call_type, provider, model, input_hash,
			status, error_kind, tokens_in, tokens_out, cost_micros, latency_ms, output, created_at_us
		FROM ai_calls
		WHERE tenant_id = ? AND input_hash = ? AND status = ? AND created_at_us >= ?
		ORDER BY created_at_us DESC
		LIMIT 1
	`, tenantID.String(), inputHash, StatusOK, timeNow().UTC().Add(-maxAge).UnixMicro())
	rec, err := scanSQLiteCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find reusable: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) SpentSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost_micros) FROM ai_calls
		WHERE tenant_id = ? AND created_at_us >= ?
	`, tenantID.String(), since.UnixMicro()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum spend: %w", err)
	}
	return total.Int64, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ai_calls WHERE tenant_id = ? AND created_at_us < ?
	`, tenantID.String(), cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("ledger: delete old calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: rows affected: %w", err)
	}
	return n, nil
}

func scanSQLiteCall(row rowScanner) (*CallRecord, error) {
	var (
		rec       CallRecord
		id        string
		tenant    string
		errorKind sql.NullString
		output    sql.NullString
		createdUS int64
	)
	err := row.Scan(&id, &tenant, &rec.CallType, &rec.Provider, &rec.Model,
		&rec.InputHash, &rec.Status, &errorKind, &rec.TokensIn, &rec.TokensOut,
		&rec.CostMicros, &rec.LatencyMS, &output, &createdUS)
	if err != nil {
		return nil, err
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse id: %w", err)
	}
	rec.TenantID, err = uuid.Parse(tenant)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse tenant id: %w", err)
	}
	rec.ErrorKind = errorKind.String
	if output.Valid && output.String != "" {
		rec.Output = []byte(output.String)
	}
	rec.CreatedAt = time.UnixMicro(createdUS).UTC()
	return &rec, nil
}
