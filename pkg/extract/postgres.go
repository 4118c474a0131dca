package extract

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

var timeNow = time.Now

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS extraction_runs (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	document_id UUID NOT NULL,
	method TEXT NOT NULL,
	extractor_version TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	output JSONB,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	text_coverage DOUBLE PRECISION NOT NULL DEFAULT 0,
	scanned BOOLEAN NOT NULL DEFAULT FALSE,
	warnings JSONB,
	error JSONB,
	tokens_in BIGINT NOT NULL DEFAULT 0,
	tokens_out BIGINT NOT NULL DEFAULT 0,
	cost_micros BIGINT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_document
	ON extraction_runs (tenant_id, document_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_created
	ON extraction_runs (tenant_id, created_at);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("extract: init schema: %w", err)
	}
	return nil
}

const runColumns = `id, tenant_id, document_id, method, extractor_version,
	input_hash, status, output, confidence, text_coverage, scanned, warnings,
	error, tokens_in, tokens_out, cost_micros, latency_ms, created_at`

func (s *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = timeNow().UTC()
	}
	output, err := encodeJSON(r.Output)
	if err != nil {
		return fmt.Errorf("extract: encode output: %w", err)
	}
	warnings, err := encodeJSON(r.Warnings)
	if err != nil {
		return fmt.Errorf("extract: encode warnings: %w", err)
	}
	detail, err := encodeJSON(r.Error)
	if err != nil {
		return fmt.Errorf("extract: encode error: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extraction_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, r.ID, r.TenantID, r.DocumentID, r.Method, r.ExtractorVersion,
		r.InputHash, r.Status, output, r.Confidence, r.TextCoverage, r.Scanned,
		warnings, detail, r.TokensIn, r.TokensOut, r.CostMicros, r.LatencyMS,
		r.CreatedAt)
	if err != nil {
		return fmt.Errorf("extract: insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, tenantID, id uuid.UUID) (*Run, error) {
	return scanRunRow(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM extraction_runs
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *PostgresStore) ListRunsByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM extraction_runs
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY created_at DESC`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("extract: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRunsBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM extraction_runs
		WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("extract: delete runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(row *sql.Row) (*Run, error) {
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var output, warnings, detail []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.DocumentID, &r.Method,
		&r.ExtractorVersion, &r.InputHash, &r.Status, &output, &r.Confidence,
		&r.TextCoverage, &r.Scanned, &warnings, &detail, &r.TokensIn,
		&r.TokensOut, &r.CostMicros, &r.LatencyMS, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(output) > 0 {
		r.Output = new(contracts.CanonicalOutput)
		if err := json.Unmarshal(output, r.Output); err != nil {
			return nil, fmt.Errorf("extract: decode output: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &r.Warnings); err != nil {
			return nil, fmt.Errorf("extract: decode warnings: %w", err)
		}
	}
	if len(detail) > 0 {
		r.Error = new(contracts.ErrorDetail)
		if err := json.Unmarshal(detail, r.Error); err != nil {
			return nil, fmt.Errorf("extract: decode error: %w", err)
		}
	}
	return &r, nil
}

func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case *contracts.CanonicalOutput:
		if x == nil {
			return nil, nil
		}
	case *contracts.ErrorDetail:
		if x == nil {
			return nil, nil
		}
	case []contracts.Warning:
		if len(x) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
