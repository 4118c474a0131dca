package extract

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store used by tests and the pipeline
// harness.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]Run
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]Run)}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = timeNow().UTC()
	}
	s.runs[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, tenantID, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (s *MemoryStore) ListRunsByDocument(_ context.Context, tenantID, documentID uuid.UUID) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.TenantID == tenantID && r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteRunsBefore(_ context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped int64
	for id, r := range s.runs {
		if r.TenantID == tenantID && r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			dropped++
		}
	}
	return dropped, nil
}
