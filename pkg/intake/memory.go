package intake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// MemoryStore is an in-memory Store for tests. Transition checks mirror the
// postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[uuid.UUID]Document
	messages  map[uuid.UUID]InboundMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[uuid.UUID]Document),
		messages:  make(map[uuid.UUID]InboundMessage),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.documents {
		if ex.TenantID == d.TenantID && ex.SHA256 == d.SHA256 {
			return fmt.Errorf("%w: document sha256 %s", ErrDuplicate, d.SHA256)
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = contracts.DocumentUploaded
	}
	now := timeNow().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	s.documents[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, tenantID, id uuid.UUID) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := d
	return &cp, nil
}

func (s *MemoryStore) FindDocumentByHash(_ context.Context, tenantID uuid.UUID, sha256 string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.documents {
		if d.TenantID == tenantID && d.SHA256 == sha256 {
			cp := d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MarkStored(_ context.Context, tenantID, id uuid.UUID, storageKey string) (*Document, error) {
	return s.mutateDocument(tenantID, id, contracts.DocumentStored, func(d *Document) {
		d.StorageKey = storageKey
		d.Error = nil
	})
}

func (s *MemoryStore) TransitionDocument(_ context.Context, tenantID, id uuid.UUID, next contracts.DocumentStatus, detail *contracts.ErrorDetail) (*Document, error) {
	return s.mutateDocument(tenantID, id, next, func(d *Document) {
		d.Error = detail
	})
}

func (s *MemoryStore) mutateDocument(tenantID, id uuid.UUID, next contracts.DocumentStatus, fn func(*Document)) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if !d.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: document %s -> %s", ErrInvalidTransition, d.Status, next)
	}
	d.Status = next
	fn(&d)
	d.UpdatedAt = timeNow().UTC()
	s.documents[id] = d
	cp := d
	return &cp, nil
}

func (s *MemoryStore) ListDocumentsByStatus(_ context.Context, tenantID uuid.UUID, status contracts.DocumentStatus, limit int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, d := range s.documents {
		if d.TenantID == tenantID && d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDocumentsByMessage(_ context.Context, tenantID, messageID uuid.UUID) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, d := range s.documents {
		if d.TenantID == tenantID && d.MessageID != nil && *d.MessageID == messageID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.messages[m.ID] = *m
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, tenantID, id uuid.UUID) (*InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := m
	return &cp, nil
}

func (s *MemoryStore) TransitionMessage(_ context.Context, tenantID, id uuid.UUID, next MessageStatus, detail *contracts.ErrorDetail) (*InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if !m.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: message %s -> %s", ErrInvalidTransition, m.Status, next)
	}
	m.Status = next
	m.Error = detail
	m.UpdatedAt = timeNow().UTC()
	s.messages[id] = m
	cp := m
	return &cp, nil
}
