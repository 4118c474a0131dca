// Package validate runs the rule engine over a draft and keeps the
// resulting issues in sync: re-runs resolve findings that no longer
// reproduce and recreate the ones that do, acknowledged and overridden
// issues survive untouched. The ready check derives from the issue set
// and gates approval.
package validate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Issue type constants for the built-in rules. Tenant-defined rules
// produce CUSTOM_<NAME> types.
const (
	TypeMissingCustomer  = "MISSING_CUSTOMER"
	TypeMissingCurrency  = "MISSING_CURRENCY"
	TypeMissingSKU       = "MISSING_SKU"
	TypeUnknownProduct   = "UNKNOWN_PRODUCT"
	TypeMissingQty       = "MISSING_QTY"
	TypeInvalidQty       = "INVALID_QTY"
	TypeMissingUoM       = "MISSING_UOM"
	TypeUnknownUoM       = "UNKNOWN_UOM"
	TypeUoMIncompatible  = "UOM_INCOMPATIBLE"
	TypeMissingPrice     = "MISSING_PRICE"
	TypePriceMismatch    = "PRICE_MISMATCH"
	TypeDuplicateLine    = "DUPLICATE_LINE"
	TypeCurrencyMismatch = "CURRENCY_MISMATCH"
	// TypeRuleFailed flags a rule that panicked, errored or failed to
	// compile. Always a WARNING.
	TypeRuleFailed = "RULE_FAILED"

	customTypePrefix = "CUSTOM_"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("validate: issue not found")
	ErrInvalidTransition = errors.New("validate: invalid issue transition")
)

var timeNow = time.Now

// Issue is one persisted validation finding. LineID is nil for
// draft-level findings.
type Issue struct {
	ID       uuid.UUID  `json:"id"`
	TenantID uuid.UUID  `json:"tenant_id"`
	DraftID  uuid.UUID  `json:"draft_id"`
	LineID   *uuid.UUID `json:"line_id,omitempty"`

	Type     string                  `json:"type"`
	Severity contracts.IssueSeverity `json:"severity"`
	Status   contracts.IssueStatus   `json:"status"`
	Message  string                  `json:"message"`
	Details  map[string]any          `json:"details,omitempty"`

	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// entityKey identifies the (type, entity) pair used for reconciliation
// between runs.
func (i *Issue) entityKey() string {
	if i.LineID != nil {
		return i.Type + "|" + i.LineID.String()
	}
	return i.Type + "|" + i.DraftID.String()
}

// findingKey is the fresh-finding counterpart of entityKey: the same
// (type, entity) pair derived from a Finding before it becomes an Issue.
func findingKey(draftID uuid.UUID, f Finding) string {
	if f.LineID != nil {
		return f.Type + "|" + f.LineID.String()
	}
	return f.Type + "|" + draftID.String()
}

// IssueStore persists issues per draft.
type IssueStore interface {
	InsertIssues(ctx context.Context, issues []Issue) error
	// ListIssues returns all issues for the draft, oldest first.
	ListIssues(ctx context.Context, tenantID, draftID uuid.UUID) ([]Issue, error)
	DeleteIssues(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
	// AutoResolve flips the issues to RESOLVED without an actor. Used
	// by the engine when a finding no longer reproduces.
	AutoResolve(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error
	// UpdateIssueStatus applies a manual lifecycle move
	// (acknowledge, resolve, override) and records the actor.
	UpdateIssueStatus(ctx context.Context, tenantID, id uuid.UUID, next contracts.IssueStatus, actor string) (*Issue, error)
}
