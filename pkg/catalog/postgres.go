package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/textutil"
)

// PostgresStore implements Store on PostgreSQL with pg_trgm for
// lexical search and pgvector for dense search.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Embedding vectors are stored at a fixed dimension; models that
// support shortening are requested at this size.
const embeddingDim = 1536

const schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS customers (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	erp_customer_number TEXT NOT NULL,
	name TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, erp_customer_number)
);

CREATE TABLE IF NOT EXISTS customer_contacts (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	customer_id UUID NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (customer_id, email)
);
CREATE INDEX IF NOT EXISTS idx_contacts_tenant_email ON customer_contacts(tenant_id, email);

CREATE TABLE IF NOT EXISTS products (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	internal_sku TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	base_uom TEXT NOT NULL,
	uom_conversions JSONB NOT NULL DEFAULT '{}',
	attributes JSONB NOT NULL DEFAULT '{}',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, internal_sku)
);
CREATE INDEX IF NOT EXISTS idx_products_sku_trgm ON products USING gin (internal_sku gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_products_text_trgm ON products USING gin ((name || ' ' || description) gin_trgm_ops);

CREATE TABLE IF NOT EXISTS product_embeddings (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	product_id UUID NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	model TEXT NOT NULL,
	vector vector(1536) NOT NULL,
	text_hash TEXT NOT NULL,
	sourced_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, product_id, model)
);
CREATE INDEX IF NOT EXISTS idx_product_embeddings_hnsw ON product_embeddings USING hnsw (vector vector_cosine_ops);

CREATE TABLE IF NOT EXISTS customer_prices (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	customer_id UUID NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	internal_sku TEXT NOT NULL,
	currency TEXT NOT NULL,
	uom TEXT NOT NULL,
	min_qty NUMERIC(18,6) NOT NULL DEFAULT 0,
	price_micros BIGINT NOT NULL,
	valid_from TIMESTAMPTZ,
	valid_to TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_customer_prices_lookup ON customer_prices(tenant_id, customer_id, internal_sku);

CREATE TABLE IF NOT EXISTS sku_mappings (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	customer_id UUID NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	customer_sku_norm TEXT NOT NULL,
	internal_sku TEXT NOT NULL,
	status TEXT NOT NULL,
	support_count INTEGER NOT NULL DEFAULT 0,
	reject_count INTEGER NOT NULL DEFAULT 0,
	uom_factor NUMERIC(18,6),
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sku_mappings_active
	ON sku_mappings(tenant_id, customer_id, customer_sku_norm)
	WHERE status IN ('SUGGESTED', 'CONFIRMED');

CREATE TABLE IF NOT EXISTS feedback_events (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	kind TEXT NOT NULL,
	draft_id UUID,
	line_id UUID,
	mapping_id UUID,
	actor TEXT NOT NULL DEFAULT '',
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_tenant_created ON feedback_events(tenant_id, created_at);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- customers ---

func (s *PostgresStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := timeNow().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.NameNormalized = textutil.NormalizeCompanyName(c.Name)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, erp_customer_number, name, name_normalized, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.ERPCustomerNumber, c.Name, c.NameNormalized, c.Active, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: customer number %s", ErrDuplicate, c.ERPCustomerNumber)
	}
	if err != nil {
		return fmt.Errorf("catalog: create customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*Customer, error) {
	return s.oneCustomer(ctx, `SELECT `+customerCols+` FROM customers WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (s *PostgresStore) GetCustomerByNumber(ctx context.Context, tenantID uuid.UUID, erpNumber string) (*Customer, error) {
	return s.oneCustomer(ctx, `SELECT `+customerCols+` FROM customers WHERE tenant_id = $1 AND erp_customer_number = $2`, tenantID, erpNumber)
}

func (s *PostgresStore) ListActiveCustomers(ctx context.Context, tenantID uuid.UUID) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerCols+` FROM customers WHERE tenant_id = $1 AND active ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list customers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Customer
	for rows.Next() {
		var c Customer
		if err := scanCustomer(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const customerCols = `id, tenant_id, erp_customer_number, name, name_normalized, active, created_at, updated_at`

func (s *PostgresStore) oneCustomer(ctx context.Context, query string, args ...any) (*Customer, error) {
	var c Customer
	err := scanCustomer(s.db.QueryRowContext(ctx, query, args...), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get customer: %w", err)
	}
	return &c, nil
}

func scanCustomer(row rowScanner, c *Customer) error {
	return row.Scan(&c.ID, &c.TenantID, &c.ERPCustomerNumber, &c.Name, &c.NameNormalized, &c.Active, &c.CreatedAt, &c.UpdatedAt)
}

// --- contacts ---

func (s *PostgresStore) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := timeNow().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_contacts (id, tenant_id, customer_id, email, name, is_primary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.CustomerID, c.Email, c.Name, c.Primary, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: contact %s", ErrDuplicate, c.Email)
	}
	if err != nil {
		return fmt.Errorf("catalog: create contact: %w", err)
	}
	return nil
}

const contactCols = `id, tenant_id, customer_id, email, name, is_primary, created_at, updated_at`

func (s *PostgresStore) FindContactByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Contact, error) {
	var c Contact
	err := scanContact(s.db.QueryRowContext(ctx, `
		SELECT `+contactCols+` FROM customer_contacts WHERE tenant_id = $1 AND email = $2
	`, tenantID, strings.ToLower(strings.TrimSpace(email))), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find contact: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) FindContactsByEmailDomain(ctx context.Context, tenantID uuid.UUID, domain string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactCols+` FROM customer_contacts
		WHERE tenant_id = $1 AND email LIKE '%@' || $2
	`, tenantID, strings.ToLower(domain))
	if err != nil {
		return nil, fmt.Errorf("catalog: contacts by domain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := scanContact(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContact(row rowScanner, c *Contact) error {
	return row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Email, &c.Name, &c.Primary, &c.CreatedAt, &c.UpdatedAt)
}

// --- products ---

const productCols = `id, tenant_id, internal_sku, name, description, base_uom, uom_conversions, attributes, active, created_at, updated_at`

func (s *PostgresStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := timeNow().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	conv, attrs, err := productJSON(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, internal_sku, name, description, base_uom, uom_conversions, attributes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.TenantID, p.InternalSKU, p.Name, p.Description, p.BaseUoM, conv, attrs, p.Active, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sku %s", ErrDuplicate, p.InternalSKU)
	}
	if err != nil {
		return fmt.Errorf("catalog: create product: %w", err)
	}
	return nil
}

// UpdateProduct rewrites everything except the immutable internal_sku.
func (s *PostgresStore) UpdateProduct(ctx context.Context, p *Product) error {
	p.UpdatedAt = timeNow().UTC()
	conv, attrs, err := productJSON(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $3, description = $4, base_uom = $5, uom_conversions = $6, attributes = $7, active = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.ID, p.Name, p.Description, p.BaseUoM, conv, attrs, p.Active, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: update product: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func productJSON(p *Product) ([]byte, []byte, error) {
	conv := p.UoMConversions
	if conv == nil {
		conv = map[string]decimal.Decimal{}
	}
	convJSON, err := json.Marshal(conv)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: marshal conversions: %w", err)
	}
	attrs := p.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: marshal attributes: %w", err)
	}
	return convJSON, attrsJSON, nil
}

func (s *PostgresStore) GetProductBySKU(ctx context.Context, tenantID uuid.UUID, internalSKU string) (*Product, error) {
	var p Product
	err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productCols+` FROM products WHERE tenant_id = $1 AND internal_sku = $2
	`, tenantID, internalSKU), &p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get product: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetProductsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return s.listProducts(ctx, `
		SELECT `+productCols+` FROM products WHERE tenant_id = $1 AND id = ANY($2::uuid[])
	`, tenantID, pq.Array(strs))
}

func (s *PostgresStore) GetProductsBySKUs(ctx context.Context, tenantID uuid.UUID, skus []string) ([]Product, error) {
	if len(skus) == 0 {
		return nil, nil
	}
	return s.listProducts(ctx, `
		SELECT `+productCols+` FROM products WHERE tenant_id = $1 AND internal_sku = ANY($2)
	`, tenantID, pq.Array(skus))
}

func (s *PostgresStore) ListActiveProducts(ctx context.Context, tenantID uuid.UUID) ([]Product, error) {
	return s.listProducts(ctx, `
		SELECT `+productCols+` FROM products WHERE tenant_id = $1 AND active ORDER BY internal_sku
	`, tenantID)
}

func (s *PostgresStore) listProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Product
	for rows.Next() {
		var p Product
		if err := scanProduct(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProduct(row rowScanner, p *Product) error {
	var conv, attrs []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.InternalSKU, &p.Name, &p.Description, &p.BaseUoM,
		&conv, &attrs, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &p.UoMConversions); err != nil {
			return fmt.Errorf("catalog: decode conversions: %w", err)
		}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return fmt.Errorf("catalog: decode attributes: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SearchProductsBySKU(ctx context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error) {
	return s.searchProducts(ctx, `
		SELECT `+productCols+`, similarity(internal_sku, $2) AS sim
		FROM products
		WHERE tenant_id = $1 AND active AND similarity(internal_sku, $2) >= $3
		ORDER BY sim DESC
		LIMIT $4
	`, tenantID, query, threshold, limit)
}

func (s *PostgresStore) SearchProductsByText(ctx context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error) {
	return s.searchProducts(ctx, `
		SELECT `+productCols+`, similarity(name || ' ' || description, $2) AS sim
		FROM products
		WHERE tenant_id = $1 AND active AND similarity(name || ' ' || description, $2) >= $3
		ORDER BY sim DESC
		LIMIT $4
	`, tenantID, query, threshold, limit)
}

func (s *PostgresStore) searchProducts(ctx context.Context, query string, args ...any) ([]ProductHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: search products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProductHit
	for rows.Next() {
		var (
			p   Product
			sim float64
		)
		var conv, attrs []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.InternalSKU, &p.Name, &p.Description, &p.BaseUoM,
			&conv, &attrs, &p.Active, &p.CreatedAt, &p.UpdatedAt, &sim); err != nil {
			return nil, err
		}
		if len(conv) > 0 {
			if err := json.Unmarshal(conv, &p.UoMConversions); err != nil {
				return nil, fmt.Errorf("catalog: decode conversions: %w", err)
			}
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
				return nil, fmt.Errorf("catalog: decode attributes: %w", err)
			}
		}
		out = append(out, ProductHit{Product: p, Similarity: sim})
	}
	return out, rows.Err()
}

// --- embeddings ---

func (s *PostgresStore) UpsertEmbedding(ctx context.Context, e *ProductEmbedding) error {
	if len(e.Vector) != embeddingDim {
		return fmt.Errorf("catalog: vector has %d dims, want %d", len(e.Vector), embeddingDim)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := timeNow().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_embeddings (id, tenant_id, product_id, model, vector, text_hash, sourced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, product_id, model)
		DO UPDATE SET vector = $5::vector, text_hash = $6, sourced_at = $7, updated_at = $9
	`, e.ID, e.TenantID, e.ProductID, e.Model, vectorLiteral(e.Vector), e.TextHash, e.SourcedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert embedding: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEmbedding(ctx context.Context, tenantID, productID uuid.UUID, model string) (*ProductEmbedding, error) {
	var (
		e   ProductEmbedding
		vec string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, product_id, model, vector::text, text_hash, sourced_at, created_at, updated_at
		FROM product_embeddings
		WHERE tenant_id = $1 AND product_id = $2 AND model = $3
	`, tenantID, productID, model).Scan(&e.ID, &e.TenantID, &e.ProductID, &e.Model, &vec, &e.TextHash, &e.SourcedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get embedding: %w", err)
	}
	e.Vector, err = parseVectorLiteral(vec)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) HasEmbeddings(ctx context.Context, tenantID uuid.UUID, model string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM product_embeddings WHERE tenant_id = $1 AND model = $2)
	`, tenantID, model).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: has embeddings: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SearchEmbeddings(ctx context.Context, tenantID uuid.UUID, model string, vector []float32, limit int) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, 1 - (vector <=> $3::vector) AS cosine
		FROM product_embeddings
		WHERE tenant_id = $1 AND model = $2
		ORDER BY vector <=> $3::vector
		LIMIT $4
	`, tenantID, model, vectorLiteral(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ProductID, &h.Cosine); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("catalog: parse vector: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// --- prices ---

func (s *PostgresStore) CreatePrice(ctx context.Context, p *CustomerPrice) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := timeNow().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_prices (id, tenant_id, customer_id, internal_sku, currency, uom, min_qty, price_micros, valid_from, valid_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.TenantID, p.CustomerID, p.InternalSKU, p.Currency, p.UoM, p.MinQty, p.PriceMicros, p.ValidFrom, p.ValidTo, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: create price: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindPriceTier(ctx context.Context, tenantID, customerID uuid.UUID, internalSKU, currency string, qty decimal.Decimal, at time.Time) (*CustomerPrice, error) {
	var p CustomerPrice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, internal_sku, currency, uom, min_qty, price_micros, valid_from, valid_to, created_at, updated_at
		FROM customer_prices
		WHERE tenant_id = $1 AND customer_id = $2 AND internal_sku = $3
			AND ($4 = '' OR currency = $4)
			AND min_qty <= $5
			AND (valid_from IS NULL OR valid_from <= $6)
			AND (valid_to IS NULL OR valid_to >= $6)
		ORDER BY min_qty DESC
		LIMIT 1
	`, tenantID, customerID, internalSKU, currency, qty, at).Scan(
		&p.ID, &p.TenantID, &p.CustomerID, &p.InternalSKU, &p.Currency, &p.UoM,
		&p.MinQty, &p.PriceMicros, &p.ValidFrom, &p.ValidTo, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find price tier: %w", err)
	}
	return &p, nil
}

// --- mappings ---

const mappingCols = `id, tenant_id, customer_id, customer_sku_norm, internal_sku, status, support_count, reject_count, uom_factor, last_used_at, created_at, updated_at`

func (s *PostgresStore) FindConfirmedMapping(ctx context.Context, tenantID, customerID uuid.UUID, skuNorm string) (*SKUMapping, error) {
	return s.oneMapping(ctx, `
		SELECT `+mappingCols+` FROM sku_mappings
		WHERE tenant_id = $1 AND customer_id = $2 AND customer_sku_norm = $3 AND status = $4
	`, tenantID, customerID, skuNorm, contracts.MappingConfirmed)
}

func (s *PostgresStore) SuggestMapping(ctx context.Context, tenantID, customerID uuid.UUID, skuNorm, internalSKU string) (*SKUMapping, error) {
	existing, err := s.oneMapping(ctx, `
		SELECT `+mappingCols+` FROM sku_mappings
		WHERE tenant_id = $1 AND customer_id = $2 AND customer_sku_norm = $3 AND status IN ($4, $5)
	`, tenantID, customerID, skuNorm, contracts.MappingSuggested, contracts.MappingConfirmed)
	switch {
	case err == nil:
		if existing.InternalSKU == internalSKU {
			if err := s.TouchMappingUse(ctx, tenantID, existing.ID); err != nil {
				return nil, err
			}
			existing.SupportCount++
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	now := timeNow().UTC()
	m := &SKUMapping{
		ID:              uuid.New(),
		TenantID:        tenantID,
		CustomerID:      customerID,
		CustomerSKUNorm: skuNorm,
		InternalSKU:     internalSKU,
		Status:          contracts.MappingSuggested,
		SupportCount:    1,
		LastUsedAt:      &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sku_mappings (id, tenant_id, customer_id, customer_sku_norm, internal_sku, status, support_count, reject_count, uom_factor, last_used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, customer_id, customer_sku_norm) WHERE status IN ('SUGGESTED', 'CONFIRMED')
		DO NOTHING
	`, m.ID, m.TenantID, m.CustomerID, m.CustomerSKUNorm, m.InternalSKU, m.Status,
		m.SupportCount, m.RejectCount, m.UoMFactor, m.LastUsedAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: suggest mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		// Lost a race to a concurrent insert; the winner's row is the
		// active mapping now.
		return s.oneMapping(ctx, `
			SELECT `+mappingCols+` FROM sku_mappings
			WHERE tenant_id = $1 AND customer_id = $2 AND customer_sku_norm = $3 AND status IN ($4, $5)
		`, tenantID, customerID, skuNorm, contracts.MappingSuggested, contracts.MappingConfirmed)
	}
	return m, nil
}

func (s *PostgresStore) ConfirmMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.updateMappingStatus(ctx, tenantID, id, `
		UPDATE sku_mappings
		SET status = $3, support_count = support_count + 1, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, contracts.MappingConfirmed)
}

func (s *PostgresStore) RejectMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.updateMappingStatus(ctx, tenantID, id, `
		UPDATE sku_mappings
		SET status = $3, reject_count = reject_count + 1, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, contracts.MappingRejected)
}

func (s *PostgresStore) DeprecateMapping(ctx context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.updateMappingStatus(ctx, tenantID, id, `
		UPDATE sku_mappings
		SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, contracts.MappingDeprecated)
}

func (s *PostgresStore) updateMappingStatus(ctx context.Context, tenantID, id uuid.UUID, query string, status contracts.MappingStatus) (*SKUMapping, error) {
	res, err := s.db.ExecContext(ctx, query, tenantID, id, status, timeNow().UTC())
	if err != nil {
		return nil, fmt.Errorf("catalog: update mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.oneMapping(ctx, `SELECT `+mappingCols+` FROM sku_mappings WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (s *PostgresStore) TouchMappingUse(ctx context.Context, tenantID, id uuid.UUID) error {
	now := timeNow().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sku_mappings
		SET last_used_at = $3, support_count = support_count + 1, updated_at = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, now)
	if err != nil {
		return fmt.Errorf("catalog: touch mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) oneMapping(ctx context.Context, query string, args ...any) (*SKUMapping, error) {
	var m SKUMapping
	var factor decimal.NullDecimal
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&m.ID, &m.TenantID, &m.CustomerID, &m.CustomerSKUNorm, &m.InternalSKU, &m.Status,
		&m.SupportCount, &m.RejectCount, &factor, &lastUsed, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get mapping: %w", err)
	}
	if factor.Valid {
		m.UoMFactor = &factor.Decimal
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		m.LastUsedAt = &t
	}
	return &m, nil
}

// --- feedback ---

func (s *PostgresStore) AppendFeedback(ctx context.Context, e *FeedbackEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow().UTC()
	}
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("catalog: marshal feedback details: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_events (id, tenant_id, kind, draft_id, line_id, mapping_id, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.Kind, e.DraftID, e.LineID, e.MappingID, e.Actor, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: append feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, draft_id, line_id, mapping_id, actor, details, created_at
		FROM feedback_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FeedbackEvent
	for rows.Next() {
		var (
			e       FeedbackEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.DraftID, &e.LineID, &e.MappingID, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("catalog: decode feedback details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
