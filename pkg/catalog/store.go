package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("catalog: not found")
	ErrDuplicate = errors.New("catalog: duplicate")
)

var timeNow = time.Now

// ProductHit is a lexical search result.
type ProductHit struct {
	Product    Product
	Similarity float64
}

// VectorHit is a dense search result. Cosine is the raw cosine
// similarity in [-1, 1].
type VectorHit struct {
	ProductID uuid.UUID
	Cosine    float64
}

type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*Customer, error)
	GetCustomerByNumber(ctx context.Context, tenantID uuid.UUID, erpNumber string) (*Customer, error)
	ListActiveCustomers(ctx context.Context, tenantID uuid.UUID) ([]Customer, error)
	CreateContact(ctx context.Context, c *Contact) error
	FindContactByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Contact, error)
	FindContactsByEmailDomain(ctx context.Context, tenantID uuid.UUID, domain string) ([]Contact, error)
}

type ProductStore interface {
	CreateProduct(ctx context.Context, p *Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	GetProductBySKU(ctx context.Context, tenantID uuid.UUID, internalSKU string) (*Product, error)
	GetProductsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Product, error)
	GetProductsBySKUs(ctx context.Context, tenantID uuid.UUID, skus []string) ([]Product, error)
	ListActiveProducts(ctx context.Context, tenantID uuid.UUID) ([]Product, error)
	// SearchProductsBySKU ranks active products by trigram similarity
	// of internal_sku against the query, dropping hits below threshold.
	SearchProductsBySKU(ctx context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error)
	// SearchProductsByText does the same over name plus description.
	SearchProductsByText(ctx context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error)
}

type EmbeddingStore interface {
	// UpsertEmbedding inserts or replaces the vector for
	// (tenant, product, model).
	UpsertEmbedding(ctx context.Context, e *ProductEmbedding) error
	GetEmbedding(ctx context.Context, tenantID, productID uuid.UUID, model string) (*ProductEmbedding, error)
	HasEmbeddings(ctx context.Context, tenantID uuid.UUID, model string) (bool, error)
	SearchEmbeddings(ctx context.Context, tenantID uuid.UUID, model string, vector []float32, limit int) ([]VectorHit, error)
}

type PriceStore interface {
	CreatePrice(ctx context.Context, p *CustomerPrice) error
	// FindPriceTier selects the row with the greatest min_qty <= qty
	// whose validity window contains at. Currency filters when
	// non-empty. ErrNotFound when no tier applies.
	FindPriceTier(ctx context.Context, tenantID, customerID uuid.UUID, internalSKU, currency string, qty decimal.Decimal, at time.Time) (*CustomerPrice, error)
}

type MappingStore interface {
	// FindConfirmedMapping returns the CONFIRMED row for the key, or
	// ErrNotFound.
	FindConfirmedMapping(ctx context.Context, tenantID, customerID uuid.UUID, skuNorm string) (*SKUMapping, error)
	// SuggestMapping records an auto-applied match. An existing active
	// row for the key is returned as-is; when it points at the same
	// internal SKU its support counter increments. Otherwise a new
	// SUGGESTED row is created.
	SuggestMapping(ctx context.Context, tenantID, customerID uuid.UUID, skuNorm, internalSKU string) (*SKUMapping, error)
	ConfirmMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error)
	RejectMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error)
	DeprecateMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error)
	// TouchMappingUse bumps last_used_at and the support counter after
	// an exact-mapping hit.
	TouchMappingUse(ctx context.Context, tenantID, id uuid.UUID) error
}

type FeedbackStore interface {
	AppendFeedback(ctx context.Context, e *FeedbackEvent) error
	ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]FeedbackEvent, error)
}

// Store is the full catalog surface. The Postgres and memory
// implementations cover all of it; consumers depend on the narrow
// interfaces above.
type Store interface {
	CustomerStore
	ProductStore
	EmbeddingStore
	PriceStore
	MappingStore
	FeedbackStore
}
