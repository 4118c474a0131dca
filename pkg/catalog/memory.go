package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/textutil"
)

// MemoryStore mirrors the Postgres behavior for tests: trigram
// similarity via textutil, brute-force cosine search, and the same
// uniqueness rules.
type MemoryStore struct {
	mu         sync.RWMutex
	customers  map[uuid.UUID]Customer
	contacts   map[uuid.UUID]Contact
	products   map[uuid.UUID]Product
	embeddings map[uuid.UUID]ProductEmbedding
	prices     map[uuid.UUID]CustomerPrice
	mappings   map[uuid.UUID]SKUMapping
	feedback   []FeedbackEvent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:  make(map[uuid.UUID]Customer),
		contacts:   make(map[uuid.UUID]Contact),
		products:   make(map[uuid.UUID]Product),
		embeddings: make(map[uuid.UUID]ProductEmbedding),
		prices:     make(map[uuid.UUID]CustomerPrice),
		mappings:   make(map[uuid.UUID]SKUMapping),
	}
}

// --- customers ---

func (s *MemoryStore) CreateCustomer(_ context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.customers {
		if ex.TenantID == c.TenantID && ex.ERPCustomerNumber == c.ERPCustomerNumber {
			return fmt.Errorf("%w: customer number %s", ErrDuplicate, c.ERPCustomerNumber)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := timeNow().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.NameNormalized = textutil.NormalizeCompanyName(c.Name)
	s.customers[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, tenantID, id uuid.UUID) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (s *MemoryStore) GetCustomerByNumber(_ context.Context, tenantID uuid.UUID, erpNumber string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.customers {
		if c.TenantID == tenantID && c.ERPCustomerNumber == erpNumber {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActiveCustomers(_ context.Context, tenantID uuid.UUID) ([]Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Customer
	for _, c := range s.customers {
		if c.TenantID == tenantID && c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- contacts ---

func (s *MemoryStore) CreateContact(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(c.Email))
	for _, ex := range s.contacts {
		if ex.CustomerID == c.CustomerID && ex.Email == email {
			return fmt.Errorf("%w: contact %s", ErrDuplicate, email)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := timeNow().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Email = email
	s.contacts[c.ID] = *c
	return nil
}

func (s *MemoryStore) FindContactByEmail(_ context.Context, tenantID uuid.UUID, email string) (*Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Email == email {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindContactsByEmailDomain(_ context.Context, tenantID uuid.UUID, domain string) ([]Contact, error) {
	domain = strings.ToLower(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.EmailDomain() == domain {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- products ---

func (s *MemoryStore) CreateProduct(_ context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.products {
		if ex.TenantID == p.TenantID && ex.InternalSKU == p.InternalSKU {
			return fmt.Errorf("%w: sku %s", ErrDuplicate, p.InternalSKU)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := timeNow().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.products[p.ID] = *p
	return nil
}

func (s *MemoryStore) UpdateProduct(_ context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.products[p.ID]
	if !ok || ex.TenantID != p.TenantID {
		return ErrNotFound
	}
	p.InternalSKU = ex.InternalSKU
	p.CreatedAt = ex.CreatedAt
	p.UpdatedAt = timeNow().UTC()
	s.products[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetProductBySKU(_ context.Context, tenantID uuid.UUID, internalSKU string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.TenantID == tenantID && p.InternalSKU == internalSKU {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetProductsByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetProductsBySKUs(_ context.Context, tenantID uuid.UUID, skus []string) ([]Product, error) {
	want := make(map[string]bool, len(skus))
	for _, sku := range skus {
		want[sku] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Product
	for _, p := range s.products {
		if p.TenantID == tenantID && want[p.InternalSKU] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListActiveProducts(_ context.Context, tenantID uuid.UUID) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Product
	for _, p := range s.products {
		if p.TenantID == tenantID && p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalSKU < out[j].InternalSKU })
	return out, nil
}

func (s *MemoryStore) SearchProductsBySKU(_ context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error) {
	return s.search(tenantID, query, threshold, limit, func(p *Product) string { return p.InternalSKU })
}

func (s *MemoryStore) SearchProductsByText(_ context.Context, tenantID uuid.UUID, query string, threshold float64, limit int) ([]ProductHit, error) {
	return s.search(tenantID, query, threshold, limit, func(p *Product) string { return p.MatchText() })
}

func (s *MemoryStore) search(tenantID uuid.UUID, query string, threshold float64, limit int, text func(*Product) string) ([]ProductHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProductHit
	for _, p := range s.products {
		if p.TenantID != tenantID || !p.Active {
			continue
		}
		sim := textutil.Similarity(query, text(&p))
		if sim >= threshold {
			out = append(out, ProductHit{Product: p, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- embeddings ---

func (s *MemoryStore) UpsertEmbedding(_ context.Context, e *ProductEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow().UTC()
	for id, ex := range s.embeddings {
		if ex.TenantID == e.TenantID && ex.ProductID == e.ProductID && ex.Model == e.Model {
			e.ID = id
			e.CreatedAt = ex.CreatedAt
			e.UpdatedAt = now
			s.embeddings[id] = *e
			return nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt, e.UpdatedAt = now, now
	s.embeddings[e.ID] = *e
	return nil
}

func (s *MemoryStore) GetEmbedding(_ context.Context, tenantID, productID uuid.UUID, model string) (*ProductEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.embeddings {
		if e.TenantID == tenantID && e.ProductID == productID && e.Model == model {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) HasEmbeddings(_ context.Context, tenantID uuid.UUID, model string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.embeddings {
		if e.TenantID == tenantID && e.Model == model {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SearchEmbeddings(_ context.Context, tenantID uuid.UUID, model string, vector []float32, limit int) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VectorHit
	for _, e := range s.embeddings {
		if e.TenantID != tenantID || e.Model != model {
			continue
		}
		out = append(out, VectorHit{ProductID: e.ProductID, Cosine: cosine(vector, e.Vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cosine > out[j].Cosine })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- prices ---

func (s *MemoryStore) CreatePrice(_ context.Context, p *CustomerPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := timeNow().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.prices[p.ID] = *p
	return nil
}

func (s *MemoryStore) FindPriceTier(_ context.Context, tenantID, customerID uuid.UUID, internalSKU, currency string, qty decimal.Decimal, at time.Time) (*CustomerPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *CustomerPrice
	for _, p := range s.prices {
		if p.TenantID != tenantID || p.CustomerID != customerID || p.InternalSKU != internalSKU {
			continue
		}
		if currency != "" && p.Currency != currency {
			continue
		}
		if p.MinQty.GreaterThan(qty) || !p.InWindow(at) {
			continue
		}
		if best == nil || p.MinQty.GreaterThan(best.MinQty) {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// --- mappings ---

func (s *MemoryStore) FindConfirmedMapping(_ context.Context, tenantID, customerID uuid.UUID, skuNorm string) (*SKUMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.TenantID == tenantID && m.CustomerID == customerID &&
			m.CustomerSKUNorm == skuNorm && m.Status == contracts.MappingConfirmed {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SuggestMapping(_ context.Context, tenantID, customerID uuid.UUID, skuNorm, internalSKU string) (*SKUMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow().UTC()
	for id, m := range s.mappings {
		if m.TenantID != tenantID || m.CustomerID != customerID ||
			m.CustomerSKUNorm != skuNorm || !m.Status.Active() {
			continue
		}
		if m.InternalSKU == internalSKU {
			m.SupportCount++
			m.LastUsedAt = &now
			m.UpdatedAt = now
			s.mappings[id] = m
		}
		cp := m
		return &cp, nil
	}
	m := SKUMapping{
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
	s.mappings[m.ID] = m
	cp := m
	return &cp, nil
}

func (s *MemoryStore) ConfirmMapping(_ context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.mutateMapping(tenantID, id, func(m *SKUMapping) {
		m.Status = contracts.MappingConfirmed
		m.SupportCount++
	})
}

func (s *MemoryStore) RejectMapping(_ context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.mutateMapping(tenantID, id, func(m *SKUMapping) {
		m.Status = contracts.MappingRejected
		m.RejectCount++
	})
}

func (s *MemoryStore) DeprecateMapping(_ context.Context, tenantID, id uuid.UUID) (*SKUMapping, error) {
	return s.mutateMapping(tenantID, id, func(m *SKUMapping) {
		m.Status = contracts.MappingDeprecated
	})
}

func (s *MemoryStore) TouchMappingUse(_ context.Context, tenantID, id uuid.UUID) error {
	now := timeNow().UTC()
	_, err := s.mutateMapping(tenantID, id, func(m *SKUMapping) {
		m.SupportCount++
		m.LastUsedAt = &now
	})
	return err
}

func (s *MemoryStore) mutateMapping(tenantID, id uuid.UUID, fn func(*SKUMapping)) (*SKUMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = timeNow().UTC()
	s.mappings[id] = m
	cp := m
	return &cp, nil
}

// --- feedback ---

func (s *MemoryStore) AppendFeedback(_ context.Context, e *FeedbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow().UTC()
	}
	s.feedback = append(s.feedback, *e)
	return nil
}

func (s *MemoryStore) ListFeedback(_ context.Context, tenantID uuid.UUID, limit int) ([]FeedbackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FeedbackEvent
	for i := len(s.feedback) - 1; i >= 0 && len(out) < limit; i-- {
		if s.feedback[i].TenantID == tenantID {
			out = append(out, s.feedback[i])
		}
	}
	return out, nil
}
