package validate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// PostgresIssueStore implements IssueStore on PostgreSQL.
type PostgresIssueStore struct {
	db *sql.DB
}

var _ IssueStore = (*PostgresIssueStore)(nil)

func NewPostgresIssueStore(db *sql.DB) *PostgresIssueStore {
	return &PostgresIssueStore{db: db}
}

const issueSchema = `
CREATE TABLE IF NOT EXISTS validation_issues (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	draft_id UUID NOT NULL,
	line_id UUID,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	details JSONB,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_issues_draft
	ON validation_issues (tenant_id, draft_id, status);
`

// Init creates the necessary database tables.
func (s *PostgresIssueStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, issueSchema); err != nil {
		return fmt.Errorf("validate: init schema: %w", err)
	}
	return nil
}

func (s *PostgresIssueStore) InsertIssues(ctx context.Context, issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("validate: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range issues {
		is := &issues[i]
		var details []byte
		if len(is.Details) > 0 {
			if details, err = json.Marshal(is.Details); err != nil {
				return fmt.Errorf("validate: encode details: %w", err)
			}
		}
		var lineID any
		if is.LineID != nil {
			lineID = *is.LineID
		}
		var resolvedAt any
		if is.ResolvedAt != nil {
			resolvedAt = *is.ResolvedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO validation_issues (id, tenant_id, draft_id, line_id, type,
				severity, status, message, details, resolved_by, resolved_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, is.ID, is.TenantID, is.DraftID, lineID, is.Type,
			is.Severity, is.Status, is.Message, details, is.ResolvedBy, resolvedAt,
			is.CreatedAt, is.UpdatedAt)
		if err != nil {
			return fmt.Errorf("validate: insert issue %s: %w", is.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("validate: commit insert: %w", err)
	}
	return nil
}

func (s *PostgresIssueStore) ListIssues(ctx context.Context, tenantID, draftID uuid.UUID) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, draft_id, line_id, type, severity, status, message,
			details, resolved_by, resolved_at, created_at, updated_at
		FROM validation_issues
		WHERE tenant_id = $1 AND draft_id = $2
		ORDER BY created_at, id`, tenantID, draftID)
	if err != nil {
		return nil, fmt.Errorf("validate: list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Issue
	for rows.Next() {
		var is Issue
		var lineID uuid.NullUUID
		var details []byte
		var resolvedAt sql.NullTime
		err := rows.Scan(&is.ID, &is.TenantID, &is.DraftID, &lineID, &is.Type,
			&is.Severity, &is.Status, &is.Message,
			&details, &is.ResolvedBy, &resolvedAt, &is.CreatedAt, &is.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("validate: scan issue: %w", err)
		}
		if lineID.Valid {
			id := lineID.UUID
			is.LineID = &id
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			is.ResolvedAt = &t
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &is.Details); err != nil {
				return nil, fmt.Errorf("validate: decode details: %w", err)
			}
		}
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("validate: iterate issues: %w", err)
	}
	return out, nil
}

func (s *PostgresIssueStore) DeleteIssues(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM validation_issues
		WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("validate: delete issues: %w", err)
	}
	return nil
}

func (s *PostgresIssueStore) AutoResolve(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	now := timeNow().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE validation_issues
		SET status = $3, resolved_by = '', resolved_at = $4, updated_at = $4
		WHERE tenant_id = $1 AND id = ANY($2) AND status IN ($5, $6)
	`, tenantID, pq.Array(ids), contracts.IssueResolved, now,
		contracts.IssueOpen, contracts.IssueAcknowledged)
	if err != nil {
		return fmt.Errorf("validate: auto-resolve issues: %w", err)
	}
	return nil
}

func (s *PostgresIssueStore) UpdateIssueStatus(ctx context.Context, tenantID, id uuid.UUID, next contracts.IssueStatus, actor string) (*Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("validate: begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current contracts.IssueStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM validation_issues
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("validate: lock issue: %w", err)
	}
	if !current.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	now := timeNow().UTC()
	resolvedBy, resolvedAt := "", any(nil)
	if next == contracts.IssueResolved || next == contracts.IssueOverridden {
		resolvedBy, resolvedAt = actor, now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE validation_issues
		SET status = $3, resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, next, resolvedBy, resolvedAt, now); err != nil {
		return nil, fmt.Errorf("validate: update issue status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("validate: commit status update: %w", err)
	}
	return s.getIssue(ctx, tenantID, id)
}

func (s *PostgresIssueStore) getIssue(ctx context.Context, tenantID, id uuid.UUID) (*Issue, error) {
	var is Issue
	var lineID uuid.NullUUID
	var details []byte
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, draft_id, line_id, type, severity, status, message,
			details, resolved_by, resolved_at, created_at, updated_at
		FROM validation_issues
		WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&is.ID, &is.TenantID, &is.DraftID, &lineID, &is.Type,
			&is.Severity, &is.Status, &is.Message,
			&details, &is.ResolvedBy, &resolvedAt, &is.CreatedAt, &is.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("validate: get issue: %w", err)
	}
	if lineID.Valid {
		lid := lineID.UUID
		is.LineID = &lid
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		is.ResolvedAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &is.Details); err != nil {
			return nil, fmt.Errorf("validate: decode details: %w", err)
		}
	}
	return &is, nil
}
