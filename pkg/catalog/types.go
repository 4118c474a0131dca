// Package catalog holds the tenant's master data: customers and their
// contacts, the product catalog, tiered customer prices, learned SKU
// mappings, product embeddings, and the feedback trail that trains the
// mapping table.
package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/canonicalize"
	"github.com/orderflowhq/orderflow/pkg/contracts"
)

type Customer struct {
	ID                uuid.UUID `json:"id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	ERPCustomerNumber string    `json:"erp_customer_number"`
	Name              string    `json:"name"`
	// NameNormalized is derived from Name for fuzzy matching and kept
	// in sync by the store.
	NameNormalized string    `json:"name_normalized"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Contact struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	// Email is stored lowercase; uniqueness per customer is
	// case-insensitive.
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Primary   bool      `json:"primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailDomain returns the part after '@', lowercased, or "" when the
// address has no domain.
func (c *Contact) EmailDomain() string {
	at := strings.LastIndex(c.Email, "@")
	if at < 0 || at == len(c.Email)-1 {
		return ""
	}
	return strings.ToLower(c.Email[at+1:])
}

type Product struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	// InternalSKU is immutable and unique per tenant.
	InternalSKU string `json:"internal_sku"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BaseUoM     string `json:"base_uom"`
	// UoMConversions maps an alternative UoM to the multiplier that
	// converts one such unit into base units.
	UoMConversions map[string]decimal.Decimal `json:"uom_conversions,omitempty"`
	Attributes     map[string]string          `json:"attributes,omitempty"`
	Active         bool                       `json:"active"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// AcceptsUoM reports whether a line UoM is usable for this product,
// either directly or through a conversion.
func (p *Product) AcceptsUoM(uom string) bool {
	if uom == "" {
		return false
	}
	if uom == p.BaseUoM {
		return true
	}
	_, ok := p.UoMConversions[uom]
	return ok
}

// MatchText is the lexical haystack for trigram description search.
func (p *Product) MatchText() string {
	if p.Description == "" {
		return p.Name
	}
	return p.Name + " " + p.Description
}

// EmbeddingText is the canonical text embedded for vector search.
// Changing this format invalidates stored text hashes, so every
// embedding gets recomputed on the next rebuild.
func (p *Product) EmbeddingText() string {
	parts := make([]string, 0, 4)
	for _, s := range []string{p.InternalSKU, p.Name, p.Description, p.BaseUoM} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

// EmbeddingTextHash is the dedup key for embedding recomputation.
func (p *Product) EmbeddingTextHash() string {
	return canonicalize.HashBytes([]byte(p.EmbeddingText()))
}

type ProductEmbedding struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ProductID uuid.UUID `json:"product_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"vector"`
	TextHash  string    `json:"text_hash"`
	SourcedAt time.Time `json:"sourced_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerPrice struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	CustomerID  uuid.UUID       `json:"customer_id"`
	InternalSKU string          `json:"internal_sku"`
	Currency    string          `json:"currency"`
	UoM         string          `json:"uom"`
	MinQty      decimal.Decimal `json:"min_qty"`
	PriceMicros int64           `json:"price_micros"`
	ValidFrom   *time.Time      `json:"valid_from,omitempty"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// InWindow reports whether the price applies at the given instant.
// Open ends are unbounded.
func (p *CustomerPrice) InWindow(at time.Time) bool {
	if p.ValidFrom != nil && at.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidTo != nil && at.After(*p.ValidTo) {
		return false
	}
	return true
}

type SKUMapping struct {
	ID              uuid.UUID               `json:"id"`
	TenantID        uuid.UUID               `json:"tenant_id"`
	CustomerID      uuid.UUID               `json:"customer_id"`
	CustomerSKUNorm string                  `json:"customer_sku_norm"`
	InternalSKU     string                  `json:"internal_sku"`
	Status          contracts.MappingStatus `json:"status"`
	SupportCount    int                     `json:"support_count"`
	RejectCount     int                     `json:"reject_count"`
	UoMFactor       *decimal.Decimal        `json:"uom_factor,omitempty"`
	LastUsedAt      *time.Time              `json:"last_used_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

type FeedbackKind string

const (
	FeedbackMappingSuggested FeedbackKind = "mapping_suggested"
	FeedbackMappingConfirmed FeedbackKind = "mapping_confirmed"
	FeedbackMappingRejected  FeedbackKind = "mapping_rejected"
	FeedbackLineEdited       FeedbackKind = "line_edited"
	FeedbackDraftApproved    FeedbackKind = "draft_approved"
	FeedbackCustomerAssigned FeedbackKind = "customer_assigned"
)

// FeedbackEvent is append-only; nothing updates or deletes these rows.
type FeedbackEvent struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Kind      FeedbackKind   `json:"kind"`
	DraftID   *uuid.UUID     `json:"draft_id,omitempty"`
	LineID    *uuid.UUID     `json:"line_id,omitempty"`
	MappingID *uuid.UUID     `json:"mapping_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
