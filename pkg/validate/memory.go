package validate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// MemoryIssueStore mirrors the Postgres behavior for tests.
type MemoryIssueStore struct {
	mu     sync.RWMutex
	issues map[uuid.UUID]Issue
}

var _ IssueStore = (*MemoryIssueStore)(nil)

func NewMemoryIssueStore() *MemoryIssueStore {
	return &MemoryIssueStore{issues: make(map[uuid.UUID]Issue)}
}

func (s *MemoryIssueStore) InsertIssues(_ context.Context, issues []Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range issues {
		s.issues[issues[i].ID] = clone(&issues[i])
	}
	return nil
}

func (s *MemoryIssueStore) ListIssues(_ context.Context, tenantID, draftID uuid.UUID) ([]Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Issue
	for id := range s.issues {
		is := s.issues[id]
		if is.TenantID != tenantID || is.DraftID != draftID {
			continue
		}
		out = append(out, clone(&is))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryIssueStore) DeleteIssues(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if is, ok := s.issues[id]; ok && is.TenantID == tenantID {
			delete(s.issues, id)
		}
	}
	return nil
}

func (s *MemoryIssueStore) AutoResolve(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow().UTC()
	for _, id := range ids {
		is, ok := s.issues[id]
		if !ok || is.TenantID != tenantID {
			continue
		}
		if is.Status != contracts.IssueOpen && is.Status != contracts.IssueAcknowledged {
			continue
		}
		is.Status = contracts.IssueResolved
		is.ResolvedBy = ""
		at := now
		is.ResolvedAt = &at
		is.UpdatedAt = now
		s.issues[id] = is
	}
	return nil
}

func (s *MemoryIssueStore) UpdateIssueStatus(_ context.Context, tenantID, id uuid.UUID, next contracts.IssueStatus, actor string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	is, ok := s.issues[id]
	if !ok || is.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if !is.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, is.Status, next)
	}
	now := timeNow().UTC()
	is.Status = next
	is.ResolvedBy, is.ResolvedAt = "", nil
	if next == contracts.IssueResolved || next == contracts.IssueOverridden {
		is.ResolvedBy = actor
		at := now
		is.ResolvedAt = &at
	}
	is.UpdatedAt = now
	s.issues[id] = is
	cp := clone(&is)
	return &cp, nil
}

func clone(is *Issue) Issue {
	cp := *is
	if is.ResolvedAt != nil {
		at := *is.ResolvedAt
		cp.ResolvedAt = &at
	}
	if is.LineID != nil {
		lid := *is.LineID
		cp.LineID = &lid
	}
	if is.Details != nil {
		cp.Details = make(map[string]any, len(is.Details))
		for k, v := range is.Details {
			cp.Details[k] = v
		}
	}
	return cp
}
