// Package draft owns the central work item of the pipeline: the draft
// order assembled from an extraction run, matched against the catalog,
// validated, approved and finally exported. Every mutation bumps the
// draft version by exactly one under an optimistic lock.
package draft

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Draft is the aggregate root. Lines are loaded with the draft in one
// transaction so readers always see a consistent snapshot.
type Draft struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	CustomerID      *uuid.UUID `json:"customer_id,omitempty"`
	DocumentID      *uuid.UUID `json:"document_id,omitempty"`
	ExtractionRunID *uuid.UUID `json:"extraction_run_id,omitempty"`

	ExternalOrderNumber   string             `json:"external_order_number,omitempty"`
	OrderDate             *time.Time         `json:"order_date,omitempty"`
	RequestedDeliveryDate *time.Time         `json:"requested_delivery_date,omitempty"`
	Currency              string             `json:"currency,omitempty"`
	ShipTo                *contracts.Address `json:"ship_to,omitempty"`
	BillTo                *contracts.Address `json:"bill_to,omitempty"`
	Notes                 string             `json:"notes,omitempty"`

	Status  contracts.DraftStatus `json:"status"`
	Version int64                 `json:"version"`

	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ERPReference string     `json:"erp_reference,omitempty"`
	PushedAt     *time.Time `json:"pushed_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`

	ReadyCheck *contracts.ReadyCheck `json:"ready_check,omitempty"`

	OverallConfidence    float64 `json:"overall_confidence"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
	CustomerConfidence   float64 `json:"customer_confidence"`
	MatchingConfidence   float64 `json:"matching_confidence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lines []Line `json:"lines,omitempty"`
}

// IsDeleted reports whether the draft is soft-deleted.
func (d *Draft) IsDeleted() bool {
	return d.DeletedAt != nil
}

// LineByID returns the line with the given id, or nil.
func (d *Draft) LineByID(id uuid.UUID) *Line {
	for i := range d.Lines {
		if d.Lines[i].ID == id {
			return &d.Lines[i]
		}
	}
	return nil
}

// Line is one order position. ProductID and InternalSKU stay empty
// while the line is unmatched; Candidates keeps the top-K suggestions
// for review.
type Line struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	DraftID  uuid.UUID `json:"draft_id"`
	LineNo   int       `json:"line_no"`

	ProductID       *uuid.UUID       `json:"product_id,omitempty"`
	InternalSKU     string           `json:"internal_sku,omitempty"`
	CustomerSKURaw  string           `json:"customer_sku_raw,omitempty"`
	CustomerSKUNorm string           `json:"customer_sku_norm,omitempty"`
	Description     string           `json:"description,omitempty"`
	Qty             *decimal.Decimal `json:"qty,omitempty"`
	UoM             string           `json:"uom,omitempty"`
	UnitPriceMicros *int64           `json:"unit_price_micros,omitempty"`
	Currency        string           `json:"currency,omitempty"`

	RequestedDeliveryDate *time.Time `json:"requested_delivery_date,omitempty"`
	Notes                 string     `json:"notes,omitempty"`

	MatchStatus     contracts.MatchStatus      `json:"match_status"`
	MatchMethod     contracts.MatchMethod      `json:"match_method"`
	MatchConfidence float64                    `json:"match_confidence"`
	Candidates      []contracts.MatchCandidate `json:"candidates,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionInput bundles a status change with the fields written in
// the same mutation. Zero-value fields outside the matching status are
// ignored.
type TransitionInput struct {
	Next contracts.DraftStatus
	// ApprovedBy is required for APPROVED.
	ApprovedBy string
	// ERPReference is set on ACKED (and optionally on PUSHED when the
	// connector learns it early).
	ERPReference string
}
