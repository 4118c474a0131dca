package draft

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("draft: not found")
	ErrVersionConflict   = errors.New("draft: version conflict")
	ErrInvalidTransition = errors.New("draft: invalid status transition")
)

var timeNow = time.Now

// Store persists drafts and their lines. Every mutating call takes the
// caller's expected version; a mismatch returns ErrVersionConflict and
// changes nothing. Soft-deleted drafts are invisible to every method
// here.
type Store interface {
	// CreateDraft inserts the draft and its lines in one transaction.
	// Version starts at 1, status at NEW.
	CreateDraft(ctx context.Context, d *Draft) error
	// GetDraft loads the draft with all lines in one consistent
	// snapshot.
	GetDraft(ctx context.Context, tenantID, id uuid.UUID) (*Draft, error)
	FindDraftByDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*Draft, error)
	// ListDraftsByStatus returns headers only, oldest first.
	ListDraftsByStatus(ctx context.Context, tenantID uuid.UUID, status contracts.DraftStatus, limit int) ([]Draft, error)

	// UpdateHeader persists the editable header surface: customer,
	// order fields, addresses, notes and the confidence block.
	UpdateHeader(ctx context.Context, tenantID uuid.UUID, d *Draft, expectedVersion int64) (*Draft, error)
	// UpdateLine persists one line's editable fields and match result.
	UpdateLine(ctx context.Context, tenantID uuid.UUID, l *Line, expectedVersion int64) (*Draft, error)
	// UpdateLines applies match results to many lines as one mutation
	// (one version bump).
	UpdateLines(ctx context.Context, tenantID, draftID uuid.UUID, lines []Line, expectedVersion int64) (*Draft, error)

	// Transition moves the draft along the status machine, writing the
	// side fields for APPROVED / PUSHED / ACKED.
	Transition(ctx context.Context, tenantID, id uuid.UUID, in TransitionInput, expectedVersion int64) (*Draft, error)
	// SetReadyCheck stores the latest approval-gate snapshot.
	SetReadyCheck(ctx context.Context, tenantID, id uuid.UUID, rc contracts.ReadyCheck, expectedVersion int64) (*Draft, error)
	// SoftDelete hides the draft from all default queries.
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID, expectedVersion int64) error
	// PurgeDeletedBefore permanently removes soft-deleted drafts whose
	// deletion predates the cutoff, lines included. Returns the number
	// of drafts removed.
	PurgeDeletedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

// prepareCreate fills identifiers, timestamps and initial state.
func prepareCreate(d *Draft) {
	now := timeNow().UTC()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = contracts.DraftNew
	}
	d.Version = 1
	d.CreatedAt, d.UpdatedAt = now, now
	for i := range d.Lines {
		l := &d.Lines[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.TenantID = d.TenantID
		l.DraftID = d.ID
		if l.MatchStatus == "" {
			l.MatchStatus = contracts.MatchUnmatched
		}
		if l.MatchMethod == "" {
			l.MatchMethod = contracts.MethodNone
		}
		l.CreatedAt, l.UpdatedAt = now, now
	}
}
