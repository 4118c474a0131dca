package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

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
CREATE TABLE IF NOT EXISTS draft_orders (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	customer_id UUID,
	document_id UUID,
	extraction_run_id UUID,
	external_order_number TEXT NOT NULL DEFAULT '',
	order_date DATE,
	requested_delivery_date DATE,
	currency TEXT NOT NULL DEFAULT '',
	ship_to JSONB,
	bill_to JSONB,
	notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version BIGINT NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TIMESTAMPTZ,
	erp_reference TEXT NOT NULL DEFAULT '',
	pushed_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	ready_check JSONB,
	overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	customer_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	matching_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_draft_orders_tenant_status
	ON draft_orders (tenant_id, status) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_draft_orders_tenant_document
	ON draft_orders (tenant_id, document_id);

CREATE TABLE IF NOT EXISTS draft_order_lines (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	draft_id UUID NOT NULL REFERENCES draft_orders (id) ON DELETE CASCADE,
	line_no INT NOT NULL,
	product_id UUID,
	internal_sku TEXT NOT NULL DEFAULT '',
	customer_sku_raw TEXT NOT NULL DEFAULT '',
	customer_sku_norm TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	qty NUMERIC(18,6),
	uom TEXT NOT NULL DEFAULT '',
	unit_price_micros BIGINT,
	currency TEXT NOT NULL DEFAULT '',
	requested_delivery_date DATE,
	notes TEXT NOT NULL DEFAULT '',
	match_status TEXT NOT NULL,
	match_method TEXT NOT NULL,
	match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	candidates JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (draft_id, line_no)
);

CREATE INDEX IF NOT EXISTS idx_draft_order_lines_draft
	ON draft_order_lines (draft_id, line_no);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("draft: init schema: %w", err)
	}
	return nil
}

const draftColumns = `id, tenant_id, customer_id, document_id, extraction_run_id,
	external_order_number, order_date, requested_delivery_date, currency,
	ship_to, bill_to, notes, status, version, approved_by, approved_at,
	erp_reference, pushed_at, deleted_at, ready_check,
	overall_confidence, extraction_confidence, customer_confidence, matching_confidence,
	created_at, updated_at`

const lineColumns = `id, tenant_id, draft_id, line_no, product_id, internal_sku,
	customer_sku_raw, customer_sku_norm, description, qty, uom, unit_price_micros,
	currency, requested_delivery_date, notes, match_status, match_method,
	match_confidence, candidates, created_at, updated_at`

func (s *PostgresStore) CreateDraft(ctx context.Context, d *Draft) error {
	prepareCreate(d)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("draft: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	shipTo, err := encodeJSON(d.ShipTo)
	if err != nil {
		return err
	}
	billTo, err := encodeJSON(d.BillTo)
	if err != nil {
		return err
	}
	readyCheck, err := encodeJSON(d.ReadyCheck)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draft_orders (`+draftColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`, d.ID, d.TenantID, nullUUID(d.CustomerID), nullUUID(d.DocumentID), nullUUID(d.ExtractionRunID),
		d.ExternalOrderNumber, nullTime(d.OrderDate), nullTime(d.RequestedDeliveryDate), d.Currency,
		shipTo, billTo, d.Notes, d.Status, d.Version, d.ApprovedBy, nullTime(d.ApprovedAt),
		d.ERPReference, nullTime(d.PushedAt), nullTime(d.DeletedAt), readyCheck,
		d.OverallConfidence, d.ExtractionConfidence, d.CustomerConfidence, d.MatchingConfidence,
		d.CreatedAt, d.UpdatedAt); err != nil {
		return fmt.Errorf("draft: insert draft: %w", err)
	}

	for i := range d.Lines {
		if err := insertLine(ctx, tx, &d.Lines[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("draft: commit create: %w", err)
	}
	return nil
}

func insertLine(ctx context.Context, tx *sql.Tx, l *Line) error {
	candidates, err := encodeJSON(l.Candidates)
	if err != nil {
		return err
	}
	var qty decimal.NullDecimal
	if l.Qty != nil {
		qty = decimal.NullDecimal{Decimal: *l.Qty, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO draft_order_lines (`+lineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)
	`, l.ID, l.TenantID, l.DraftID, l.LineNo, nullUUID(l.ProductID), l.InternalSKU,
		l.CustomerSKURaw, l.CustomerSKUNorm, l.Description, qty, l.UoM, nullInt64(l.UnitPriceMicros),
		l.Currency, nullTime(l.RequestedDeliveryDate), l.Notes, l.MatchStatus, l.MatchMethod,
		l.MatchConfidence, candidates, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("draft: insert line %d: %w", l.LineNo, err)
	}
	return nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, tenantID, id uuid.UUID) (*Draft, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("draft: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDraftRow(tx.QueryRowContext(ctx, `
		SELECT `+draftColumns+` FROM draft_orders
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id))
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+lineColumns+` FROM draft_order_lines
		WHERE tenant_id = $1 AND draft_id = $2
		ORDER BY line_no`, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("draft: load lines: %w", err)
	}
	if d.Lines, err = collectLines(rows); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("draft: commit snapshot: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) FindDraftByDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*Draft, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM draft_orders
		WHERE tenant_id = $1 AND document_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, tenantID, documentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("draft: find by document: %w", err)
	}
	return s.GetDraft(ctx, tenantID, id)
}

func (s *PostgresStore) ListDraftsByStatus(ctx context.Context, tenantID uuid.UUID, status contracts.DraftStatus, limit int) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+` FROM draft_orders
		WHERE tenant_id = $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY created_at LIMIT $3`, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("draft: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draft: iterate drafts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateHeader(ctx context.Context, tenantID uuid.UUID, d *Draft, expectedVersion int64) (*Draft, error) {
	shipTo, err := encodeJSON(d.ShipTo)
	if err != nil {
		return nil, err
	}
	billTo, err := encodeJSON(d.BillTo)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE draft_orders SET
			customer_id = $4, external_order_number = $5, order_date = $6,
			requested_delivery_date = $7, currency = $8, ship_to = $9, bill_to = $10,
			notes = $11, overall_confidence = $12, extraction_confidence = $13,
			customer_confidence = $14, matching_confidence = $15,
			version = version + 1, updated_at = $16
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND deleted_at IS NULL
	`, tenantID, d.ID, expectedVersion,
		nullUUID(d.CustomerID), d.ExternalOrderNumber, nullTime(d.OrderDate),
		nullTime(d.RequestedDeliveryDate), d.Currency, shipTo, billTo,
		d.Notes, d.OverallConfidence, d.ExtractionConfidence,
		d.CustomerConfidence, d.MatchingConfidence, timeNow().UTC())
	if err != nil {
		return nil, fmt.Errorf("draft: update header: %w", err)
	}
	if err := s.checkAffected(ctx, res, tenantID, d.ID, expectedVersion); err != nil {
		return nil, err
	}
	return s.GetDraft(ctx, tenantID, d.ID)
}

func (s *PostgresStore) UpdateLine(ctx context.Context, tenantID uuid.UUID, l *Line, expectedVersion int64) (*Draft, error) {
	return s.UpdateLines(ctx, tenantID, l.DraftID, []Line{*l}, expectedVersion)
}

func (s *PostgresStore) UpdateLines(ctx context.Context, tenantID, draftID uuid.UUID, lines []Line, expectedVersion int64) (*Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("draft: begin line update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE draft_orders SET version = version + 1, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND deleted_at IS NULL
	`, tenantID, draftID, expectedVersion, timeNow().UTC())
	if err != nil {
		return nil, fmt.Errorf("draft: bump version: %w", err)
	}
	if err := s.checkAffected(ctx, res, tenantID, draftID, expectedVersion); err != nil {
		return nil, err
	}

	for i := range lines {
		l := &lines[i]
		candidates, err := encodeJSON(l.Candidates)
		if err != nil {
			return nil, err
		}
		var qty decimal.NullDecimal
		if l.Qty != nil {
			qty = decimal.NullDecimal{Decimal: *l.Qty, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE draft_order_lines SET
				product_id = $4, internal_sku = $5, customer_sku_raw = $6,
				customer_sku_norm = $7, description = $8, qty = $9, uom = $10,
				unit_price_micros = $11, currency = $12, requested_delivery_date = $13,
				notes = $14, match_status = $15, match_method = $16,
				match_confidence = $17, candidates = $18, updated_at = $19
			WHERE tenant_id = $1 AND draft_id = $2 AND id = $3
		`, tenantID, draftID, l.ID,
			nullUUID(l.ProductID), l.InternalSKU, l.CustomerSKURaw,
			l.CustomerSKUNorm, l.Description, qty, l.UoM,
			nullInt64(l.UnitPriceMicros), l.Currency, nullTime(l.RequestedDeliveryDate),
			l.Notes, l.MatchStatus, l.MatchMethod,
			l.MatchConfidence, candidates, timeNow().UTC())
		if err != nil {
			return nil, fmt.Errorf("draft: update line %d: %w", l.LineNo, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("draft: line rows affected: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: line %s", ErrNotFound, l.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("draft: commit line update: %w", err)
	}
	return s.GetDraft(ctx, tenantID, draftID)
}

func (s *PostgresStore) Transition(ctx context.Context, tenantID, id uuid.UUID, in TransitionInput, expectedVersion int64) (*Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("draft: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current contracts.DraftStatus
	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, version FROM draft_orders
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
		FOR UPDATE`, tenantID, id).Scan(&current, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("draft: lock draft: %w", err)
	}
	if version != expectedVersion {
		return nil, fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, version, expectedVersion)
	}
	if !current.CanTransition(in.Next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, in.Next)
	}

	now := timeNow().UTC()
	q := `UPDATE draft_orders SET status = $3, version = version + 1, updated_at = $4`
	args := []any{tenantID, id, in.Next, now}
	switch in.Next {
	case contracts.DraftApproved:
		q += `, approved_by = $5, approved_at = $6`
		args = append(args, in.ApprovedBy, now)
	case contracts.DraftPushed:
		q += `, pushed_at = $5`
		args = append(args, now)
	case contracts.DraftAcked:
		q += `, erp_reference = $5`
		args = append(args, in.ERPReference)
	}
	q += ` WHERE tenant_id = $1 AND id = $2`
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("draft: update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("draft: commit transition: %w", err)
	}
	return s.GetDraft(ctx, tenantID, id)
}

func (s *PostgresStore) SetReadyCheck(ctx context.Context, tenantID, id uuid.UUID, rc contracts.ReadyCheck, expectedVersion int64) (*Draft, error) {
	raw, err := encodeJSON(&rc)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE draft_orders SET ready_check = $4, version = version + 1, updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND deleted_at IS NULL
	`, tenantID, id, expectedVersion, raw, timeNow().UTC())
	if err != nil {
		return nil, fmt.Errorf("draft: set ready check: %w", err)
	}
	if err := s.checkAffected(ctx, res, tenantID, id, expectedVersion); err != nil {
		return nil, err
	}
	return s.GetDraft(ctx, tenantID, id)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID, id uuid.UUID, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE draft_orders SET deleted_at = $4, version = version + 1, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND deleted_at IS NULL
	`, tenantID, id, expectedVersion, timeNow().UTC())
	if err != nil {
		return fmt.Errorf("draft: soft delete: %w", err)
	}
	return s.checkAffected(ctx, res, tenantID, id, expectedVersion)
}

func (s *PostgresStore) PurgeDeletedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM draft_orders
		WHERE tenant_id = $1 AND deleted_at IS NOT NULL AND deleted_at < $2
	`, tenantID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("draft: purge deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("draft: rows affected: %w", err)
	}
	return n, nil
}

// checkAffected distinguishes a version conflict from a missing row
// after a guarded UPDATE touched nothing.
func (s *PostgresStore) checkAffected(ctx context.Context, res sql.Result, tenantID, id uuid.UUID, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("draft: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
		SELECT version FROM draft_orders
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("draft: version probe: %w", err)
	}
	return fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, version, expected)
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraftRow(row *sql.Row) (*Draft, error) {
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var customerID, documentID, runID uuid.NullUUID
	var orderDate, deliveryDate, approvedAt, pushedAt, deletedAt sql.NullTime
	var shipTo, billTo, readyCheck []byte

	err := row.Scan(&d.ID, &d.TenantID, &customerID, &documentID, &runID,
		&d.ExternalOrderNumber, &orderDate, &deliveryDate, &d.Currency,
		&shipTo, &billTo, &d.Notes, &d.Status, &d.Version, &d.ApprovedBy, &approvedAt,
		&d.ERPReference, &pushedAt, &deletedAt, &readyCheck,
		&d.OverallConfidence, &d.ExtractionConfidence, &d.CustomerConfidence, &d.MatchingConfidence,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("draft: scan draft: %w", err)
	}
	d.CustomerID = fromNullUUID(customerID)
	d.DocumentID = fromNullUUID(documentID)
	d.ExtractionRunID = fromNullUUID(runID)
	d.OrderDate = fromNullTime(orderDate)
	d.RequestedDeliveryDate = fromNullTime(deliveryDate)
	d.ApprovedAt = fromNullTime(approvedAt)
	d.PushedAt = fromNullTime(pushedAt)
	d.DeletedAt = fromNullTime(deletedAt)
	if err := decodeJSON(shipTo, &d.ShipTo); err != nil {
		return nil, err
	}
	if err := decodeJSON(billTo, &d.BillTo); err != nil {
		return nil, err
	}
	if err := decodeJSON(readyCheck, &d.ReadyCheck); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectLines(rows *sql.Rows) ([]Line, error) {
	defer func() { _ = rows.Close() }()
	var out []Line
	for rows.Next() {
		var l Line
		var productID uuid.NullUUID
		var qty decimal.NullDecimal
		var price sql.NullInt64
		var deliveryDate sql.NullTime
		var candidates []byte
		err := rows.Scan(&l.ID, &l.TenantID, &l.DraftID, &l.LineNo, &productID, &l.InternalSKU,
			&l.CustomerSKURaw, &l.CustomerSKUNorm, &l.Description, &qty, &l.UoM, &price,
			&l.Currency, &deliveryDate, &l.Notes, &l.MatchStatus, &l.MatchMethod,
			&l.MatchConfidence, &candidates, &l.CreatedAt, &l.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("draft: scan line: %w", err)
		}
		l.ProductID = fromNullUUID(productID)
		if qty.Valid {
			q := qty.Decimal
			l.Qty = &q
		}
		if price.Valid {
			p := price.Int64
			l.UnitPriceMicros = &p
		}
		l.RequestedDeliveryDate = fromNullTime(deliveryDate)
		if len(candidates) > 0 {
			if err := json.Unmarshal(candidates, &l.Candidates); err != nil {
				return nil, fmt.Errorf("draft: decode candidates: %w", err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draft: iterate lines: %w", err)
	}
	return out, nil
}

// --- null helpers ---

func nullUUID(v *uuid.UUID) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullUUID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	u := v.UUID
	return &u
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

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *contracts.Address:
		if t == nil {
			return nil, nil
		}
	case *contracts.ReadyCheck:
		if t == nil {
			return nil, nil
		}
	case []contracts.MatchCandidate:
		if len(t) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("draft: encode json: %w", err)
	}
	return raw, nil
}

func decodeJSON[T any](raw []byte, out **T) error {
	if len(raw) == 0 {
		*out = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("draft: decode json: %w", err)
	}
	*out = &v
	return nil
}
