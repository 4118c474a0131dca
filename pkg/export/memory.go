package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// MemoryStore mirrors the Postgres behavior for tests: the same
// ACTIVE uniqueness, the same idempotency refusal, the same retry
// gating.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]Connection
	exports     map[uuid.UUID]Export
	byKey       map[string]uuid.UUID
}

var (
	_ ConnectionStore = (*MemoryStore)(nil)
	_ ExportStore     = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[uuid.UUID]Connection),
		exports:     make(map[uuid.UUID]Export),
		byKey:       make(map[string]uuid.UUID),
	}
}

// --- connections ---

func (s *MemoryStore) CreateConnection(_ context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareConnection(c)
	if c.Status == ConnectionActive && s.activeExists(c.TenantID, c.Type, c.ID) {
		return fmt.Errorf("%w: tenant %s type %s", ErrActiveExists, c.TenantID, c.Type)
	}
	s.connections[c.ID] = *c
	return nil
}

// activeExists reports another ACTIVE connection of the same type.
// Callers hold the lock.
func (s *MemoryStore) activeExists(tenantID uuid.UUID, typ ConnectionType, exclude uuid.UUID) bool {
	for _, c := range s.connections {
		if c.ID != exclude && c.TenantID == tenantID && c.Type == typ && c.Status == ConnectionActive {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetConnection(_ context.Context, tenantID, id uuid.UUID) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (s *MemoryStore) ActiveConnection(_ context.Context, tenantID uuid.UUID, typ ConnectionType) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		if c.TenantID == tenantID && c.Type == typ && c.Status == ConnectionActive {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActiveConnections(_ context.Context, typ ConnectionType) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Connection
	for _, c := range s.connections {
		if c.Type == typ && c.Status == ConnectionActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetConnectionStatus(_ context.Context, tenantID, id uuid.UUID, status ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	if status == ConnectionActive && s.activeExists(tenantID, c.Type, id) {
		return fmt.Errorf("%w: tenant %s", ErrActiveExists, tenantID)
	}
	c.Status = status
	c.UpdatedAt = timeNow().UTC()
	s.connections[id] = c
	return nil
}

func (s *MemoryStore) UpdateConnectionConfig(_ context.Context, tenantID, id uuid.UUID, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	c.ConfigSealed = append([]byte(nil), sealed...)
	c.UpdatedAt = timeNow().UTC()
	s.connections[id] = c
	return nil
}

func (s *MemoryStore) TouchConnectionTest(_ context.Context, tenantID, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	t := at.UTC()
	c.LastTestedAt = &t
	c.UpdatedAt = timeNow().UTC()
	s.connections[id] = c
	return nil
}

// --- exports ---

func (s *MemoryStore) CreateExport(_ context.Context, e *Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareExport(e)
	if _, taken := s.byKey[e.IdempotencyKey]; taken {
		return fmt.Errorf("%w: draft %s version %d", ErrDuplicateExport, e.DraftID, e.DraftVersion)
	}
	s.exports[e.ID] = *e
	s.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (s *MemoryStore) GetExport(_ context.Context, tenantID, id uuid.UUID) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(tenantID, id)
}

// get looks up without copying lock state. Callers hold a lock.
func (s *MemoryStore) get(tenantID, id uuid.UUID) (*Export, error) {
	e, ok := s.exports[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.get(tenantID, id)
}

func (s *MemoryStore) LatestSentByDraftPrefix(_ context.Context, tenantID uuid.UUID, draftIDPrefix string) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Export
	for id := range s.exports {
		e := s.exports[id]
		if e.TenantID != tenantID || e.Status != contracts.ExportSent {
			continue
		}
		if !strings.HasPrefix(e.DraftID.String(), draftIDPrefix) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			cp := e
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) ListExportsByDraft(_ context.Context, tenantID, draftID uuid.UUID) ([]Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Export
	for _, e := range s.exports {
		if e.TenantID == tenantID && e.DraftID == draftID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, tenantID, id uuid.UUID, dropzonePath, storageKey string, latencyMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(tenantID, id)
	if err != nil {
		return err
	}
	e.Status = contracts.ExportSent
	e.DropzonePath = dropzonePath
	e.StorageKey = storageKey
	e.LatencyMS = latencyMS
	e.Error = nil
	e.UpdatedAt = timeNow().UTC()
	s.exports[id] = *e
	return nil
}

func (s *MemoryStore) MarkAcked(_ context.Context, tenantID, id uuid.UUID, erpOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(tenantID, id)
	if err != nil {
		return err
	}
	e.Status = contracts.ExportAcked
	e.ERPOrderID = erpOrderID
	e.UpdatedAt = timeNow().UTC()
	s.exports[id] = *e
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, tenantID, id uuid.UUID, detail contracts.ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(tenantID, id)
	if err != nil {
		return err
	}
	e.Status = contracts.ExportFailed
	d := detail
	e.Error = &d
	e.UpdatedAt = timeNow().UTC()
	s.exports[id] = *e
	return nil
}

func (s *MemoryStore) MarkRetrying(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(tenantID, id)
	if err != nil {
		return err
	}
	if e.Status != contracts.ExportFailed {
		return ErrNotRetryable
	}
	e.Status = contracts.ExportPending
	e.RetryCount++
	e.UpdatedAt = timeNow().UTC()
	s.exports[id] = *e
	return nil
}
