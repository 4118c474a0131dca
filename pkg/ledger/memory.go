package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps call records in memory for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []CallRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, rec *CallRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *MemoryStore) FindReusable(_ context.Context, tenantID uuid.UUID, inputHash string, maxAge time.Duration) (*CallRecord, error) {
	cutoff := timeNow().UTC().Add(-maxAge)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *CallRecord
	for i := range s.records {
		r := &s.records[i]
		if r.TenantID != tenantID || r.InputHash != inputHash || r.Status != StatusOK {
			continue
		}
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) SpentSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for i := range s.records {
		r := &s.records[i]
		if r.TenantID == tenantID && !r.CreatedAt.Before(since) {
			total += r.CostMicros
		}
	}
	return total, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var dropped int64
	for i := range s.records {
		r := s.records[i]
		if r.TenantID == tenantID && r.CreatedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return dropped, nil
}
