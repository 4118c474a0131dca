package draft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// MemoryStore mirrors the Postgres behavior for tests: the same
// version guard, the same transition checks, soft-deleted drafts
// hidden everywhere.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[uuid.UUID]Draft
	lines  map[uuid.UUID][]Line
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts: make(map[uuid.UUID]Draft),
		lines:  make(map[uuid.UUID][]Line),
	}
}

func (s *MemoryStore) CreateDraft(_ context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareCreate(d)
	cp := *d
	cp.Lines = nil
	s.drafts[d.ID] = cp
	s.lines[d.ID] = append([]Line(nil), d.Lines...)
	return nil
}

func (s *MemoryStore) GetDraft(_ context.Context, tenantID, id uuid.UUID) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(tenantID, id)
}

// snapshot copies the draft with its lines. Callers hold the lock.
func (s *MemoryStore) snapshot(tenantID, id uuid.UUID) (*Draft, error) {
	d, ok := s.drafts[id]
	if !ok || d.TenantID != tenantID || d.IsDeleted() {
		return nil, ErrNotFound
	}
	cp := d
	cp.Lines = append([]Line(nil), s.lines[id]...)
	sort.Slice(cp.Lines, func(i, j int) bool { return cp.Lines[i].LineNo < cp.Lines[j].LineNo })
	return &cp, nil
}

func (s *MemoryStore) FindDraftByDocument(_ context.Context, tenantID, documentID uuid.UUID) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Draft
	for id := range s.drafts {
		d := s.drafts[id]
		if d.TenantID != tenantID || d.IsDeleted() || d.DocumentID == nil || *d.DocumentID != documentID {
			continue
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			cp, err := s.snapshot(tenantID, id)
			if err != nil {
				return nil, err
			}
			best = cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) ListDraftsByStatus(_ context.Context, tenantID uuid.UUID, status contracts.DraftStatus, limit int) ([]Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Draft
	for _, d := range s.drafts {
		if d.TenantID != tenantID || d.IsDeleted() || d.Status != status {
			continue
		}
		cp := d
		cp.Lines = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// locked returns the stored draft after the version guard. Callers
// hold the write lock.
func (s *MemoryStore) locked(tenantID, id uuid.UUID, expectedVersion int64) (*Draft, error) {
	d, ok := s.drafts[id]
	if !ok || d.TenantID != tenantID || d.IsDeleted() {
		return nil, ErrNotFound
	}
	if d.Version != expectedVersion {
		return nil, fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, d.Version, expectedVersion)
	}
	return &d, nil
}

func (s *MemoryStore) UpdateHeader(_ context.Context, tenantID uuid.UUID, in *Draft, expectedVersion int64) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.locked(tenantID, in.ID, expectedVersion)
	if err != nil {
		return nil, err
	}
	d.CustomerID = in.CustomerID
	d.ExternalOrderNumber = in.ExternalOrderNumber
	d.OrderDate = in.OrderDate
	d.RequestedDeliveryDate = in.RequestedDeliveryDate
	d.Currency = in.Currency
	d.ShipTo = in.ShipTo
	d.BillTo = in.BillTo
	d.Notes = in.Notes
	d.OverallConfidence = in.OverallConfidence
	d.ExtractionConfidence = in.ExtractionConfidence
	d.CustomerConfidence = in.CustomerConfidence
	d.MatchingConfidence = in.MatchingConfidence
	s.bump(d)
	return s.snapshot(tenantID, in.ID)
}

func (s *MemoryStore) UpdateLine(ctx context.Context, tenantID uuid.UUID, l *Line, expectedVersion int64) (*Draft, error) {
	return s.UpdateLines(ctx, tenantID, l.DraftID, []Line{*l}, expectedVersion)
}

func (s *MemoryStore) UpdateLines(_ context.Context, tenantID, draftID uuid.UUID, lines []Line, expectedVersion int64) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.locked(tenantID, draftID, expectedVersion)
	if err != nil {
		return nil, err
	}
	stored := s.lines[draftID]
	for _, in := range lines {
		found := false
		for i := range stored {
			if stored[i].ID != in.ID {
				continue
			}
			found = true
			l := &stored[i]
			l.ProductID = in.ProductID
			l.InternalSKU = in.InternalSKU
			l.CustomerSKURaw = in.CustomerSKURaw
			l.CustomerSKUNorm = in.CustomerSKUNorm
			l.Description = in.Description
			l.Qty = in.Qty
			l.UoM = in.UoM
			l.UnitPriceMicros = in.UnitPriceMicros
			l.Currency = in.Currency
			l.RequestedDeliveryDate = in.RequestedDeliveryDate
			l.Notes = in.Notes
			l.MatchStatus = in.MatchStatus
			l.MatchMethod = in.MatchMethod
			l.MatchConfidence = in.MatchConfidence
			l.Candidates = append([]contracts.MatchCandidate(nil), in.Candidates...)
			l.UpdatedAt = timeNow().UTC()
		}
		if !found {
			return nil, fmt.Errorf("%w: line %s", ErrNotFound, in.ID)
		}
	}
	s.lines[draftID] = stored
	s.bump(d)
	return s.snapshot(tenantID, draftID)
}

func (s *MemoryStore) Transition(_ context.Context, tenantID, id uuid.UUID, in TransitionInput, expectedVersion int64) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.locked(tenantID, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransition(in.Next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, in.Next)
	}
	now := timeNow().UTC()
	d.Status = in.Next
	switch in.Next {
	case contracts.DraftApproved:
		d.ApprovedBy = in.ApprovedBy
		at := now
		d.ApprovedAt = &at
	case contracts.DraftPushed:
		at := now
		d.PushedAt = &at
	case contracts.DraftAcked:
		d.ERPReference = in.ERPReference
	}
	s.bump(d)
	return s.snapshot(tenantID, id)
}

func (s *MemoryStore) SetReadyCheck(_ context.Context, tenantID, id uuid.UUID, rc contracts.ReadyCheck, expectedVersion int64) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.locked(tenantID, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	cp := rc
	d.ReadyCheck = &cp
	s.bump(d)
	return s.snapshot(tenantID, id)
}

func (s *MemoryStore) SoftDelete(_ context.Context, tenantID, id uuid.UUID, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.locked(tenantID, id, expectedVersion)
	if err != nil {
		return err
	}
	now := timeNow().UTC()
	d.DeletedAt = &now
	s.bump(d)
	return nil
}

func (s *MemoryStore) PurgeDeletedBefore(_ context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.drafts {
		if d.TenantID == tenantID && d.DeletedAt != nil && d.DeletedAt.Before(cutoff) {
			delete(s.drafts, id)
			delete(s.lines, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) bump(d *Draft) {
	d.Version++
	d.UpdatedAt = timeNow().UTC()
	s.drafts[d.ID] = *d
}
