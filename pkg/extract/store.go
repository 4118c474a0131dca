package extract

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("extract: run not found")

// Store persists extraction runs. Runs are append-only; nothing
// updates or deletes them inside the retention window.
type Store interface {
	// CreateRun persists one attempt. ID and CreatedAt are filled when
	// zero.
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, tenantID, id uuid.UUID) (*Run, error)
	// ListRunsByDocument returns attempts newest first.
	ListRunsByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]Run, error)
	// DeleteRunsBefore drops runs older than the cutoff and reports how
	// many went away. Retention sweeps are the only caller.
	DeleteRunsBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}
