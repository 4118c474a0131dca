package intake

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

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS inbound_messages (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	from_email TEXT NOT NULL,
	to_email TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inbound_messages_tenant
	ON inbound_messages (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	message_id UUID REFERENCES inbound_messages (id) ON DELETE SET NULL,
	source TEXT NOT NULL,
	sender_email TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL,
	mime TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, sha256)
);

CREATE INDEX IF NOT EXISTS idx_documents_tenant_status
	ON documents (tenant_id, status);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("intake: init schema: %w", err)
	}
	return nil
}

// --- documents ---

const documentColumns = `id, tenant_id, message_id, source, sender_email, filename,
	mime, sha256, size_bytes, storage_key, status, error, created_at, updated_at`

func (s *PostgresStore) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = contracts.DocumentUploaded
	}
	now := timeNow().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	detail, err := encodeDetail(d.Error)
	if err != nil {
		return err
	}
	var messageID any
	if d.MessageID != nil {
		messageID = *d.MessageID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.TenantID, messageID, d.Source, d.SenderEmail, d.Filename,
		d.MIME, d.SHA256, d.SizeBytes, d.StorageKey, d.Status, detail,
		d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: document sha256 %s", ErrDuplicate, d.SHA256)
	}
	if err != nil {
		return fmt.Errorf("intake: insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*Document, error) {
	return scanDocumentRow(s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *PostgresStore) FindDocumentByHash(ctx context.Context, tenantID uuid.UUID, sha256 string) (*Document, error) {
	return scanDocumentRow(s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND sha256 = $2`, tenantID, sha256))
}

func (s *PostgresStore) MarkStored(ctx context.Context, tenantID, id uuid.UUID, storageKey string) (*Document, error) {
	return s.transition(ctx, tenantID, id, contracts.DocumentStored, nil, storageKey)
}

func (s *PostgresStore) TransitionDocument(ctx context.Context, tenantID, id uuid.UUID, next contracts.DocumentStatus, detail *contracts.ErrorDetail) (*Document, error) {
	return s.transition(ctx, tenantID, id, next, detail, "")
}

// transition checks the edge under a row lock so concurrent movers cannot
// both win.
func (s *PostgresStore) transition(ctx context.Context, tenantID, id uuid.UUID, next contracts.DocumentStatus, detail *contracts.ErrorDetail, storageKey string) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("intake: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current contracts.DocumentStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM documents
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("intake: lock document: %w", err)
	}
	if !current.CanTransition(next) {
		return nil, fmt.Errorf("%w: document %s -> %s", ErrInvalidTransition, current, next)
	}

	raw, err := encodeDetail(detail)
	if err != nil {
		return nil, err
	}
	if storageKey != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET status = $3, storage_key = $4, error = $5, updated_at = $6
			WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, next, storageKey, raw, timeNow().UTC())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET status = $3, error = $4, updated_at = $5
			WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, next, raw, timeNow().UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("intake: update document status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("intake: commit transition: %w", err)
	}
	return s.GetDocument(ctx, tenantID, id)
}

func (s *PostgresStore) ListDocumentsByStatus(ctx context.Context, tenantID uuid.UUID, status contracts.DocumentStatus, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at LIMIT $3`, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("intake: list documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PostgresStore) ListDocumentsByMessage(ctx context.Context, tenantID, messageID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND message_id = $2
		ORDER BY created_at`, tenantID, messageID)
	if err != nil {
		return nil, fmt.Errorf("intake: list message documents: %w", err)
	}
	return collectDocuments(rows)
}

// --- messages ---

const messageColumns = `id, tenant_id, from_email, to_email, subject, storage_key,
	status, error, created_at, updated_at`

func (s *PostgresStore) CreateMessage(ctx context.Context, m *InboundMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MessageReceived
	}
	m.FromEmail = lowerEmail(m.FromEmail)
	m.ToEmail = lowerEmail(m.ToEmail)
	now := timeNow().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	detail, err := encodeDetail(m.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.TenantID, m.FromEmail, m.ToEmail, m.Subject, m.StorageKey,
		m.Status, detail, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("intake: insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, tenantID, id uuid.UUID) (*InboundMessage, error) {
	return scanMessageRow(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM inbound_messages
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *PostgresStore) TransitionMessage(ctx context.Context, tenantID, id uuid.UUID, next MessageStatus, detail *contracts.ErrorDetail) (*InboundMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("intake: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current MessageStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM inbound_messages
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("intake: lock message: %w", err)
	}
	if !current.CanTransition(next) {
		return nil, fmt.Errorf("%w: message %s -> %s", ErrInvalidTransition, current, next)
	}

	raw, err := encodeDetail(detail)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE inbound_messages SET status = $3, error = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, next, raw, timeNow().UTC()); err != nil {
		return nil, fmt.Errorf("intake: update message status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("intake: commit transition: %w", err)
	}
	return s.GetMessage(ctx, tenantID, id)
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row *sql.Row) (*Document, error) {
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var messageID uuid.NullUUID
	var detail []byte
	err := row.Scan(&d.ID, &d.TenantID, &messageID, &d.Source, &d.SenderEmail,
		&d.Filename, &d.MIME, &d.SHA256, &d.SizeBytes, &d.StorageKey,
		&d.Status, &detail, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("intake: scan document: %w", err)
	}
	if messageID.Valid {
		d.MessageID = &messageID.UUID
	}
	if d.Error, err = decodeDetail(detail); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer func() { _ = rows.Close() }()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intake: iterate documents: %w", err)
	}
	return out, nil
}

func scanMessageRow(row *sql.Row) (*InboundMessage, error) {
	var m InboundMessage
	var detail []byte
	err := row.Scan(&m.ID, &m.TenantID, &m.FromEmail, &m.ToEmail, &m.Subject,
		&m.StorageKey, &m.Status, &detail, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("intake: scan message: %w", err)
	}
	if m.Error, err = decodeDetail(detail); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeDetail(d *contracts.ErrorDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("intake: encode error detail: %w", err)
	}
	return raw, nil
}

func decodeDetail(raw []byte) (*contracts.ErrorDetail, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d contracts.ErrorDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("intake: decode error detail: %w", err)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
