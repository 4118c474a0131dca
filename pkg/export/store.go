package export

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/canonicalize"
	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("export: not found")
	ErrDuplicateExport = errors.New("export: duplicate idempotency key")
	ErrActiveExists    = errors.New("export: an active connection of this type already exists")
	ErrConfigVersion   = errors.New("export: unsupported config schema version")
	ErrNotRetryable    = errors.New("export: only FAILED exports can be retried")
)

var timeNow = time.Now

// ConnectionStore persists ERP connections. The ACTIVE uniqueness per
// (tenant, type) is enforced here, not in the service layer.
type ConnectionStore interface {
	// CreateConnection inserts the connection. A second ACTIVE one for
	// the same (tenant, type) returns ErrActiveExists.
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, tenantID, id uuid.UUID) (*Connection, error)
	// ActiveConnection returns the single ACTIVE connection of the
	// given type, or ErrNotFound.
	ActiveConnection(ctx context.Context, tenantID uuid.UUID, typ ConnectionType) (*Connection, error)
	// ListActiveConnections spans all tenants; the ack poller iterates
	// it each cycle.
	ListActiveConnections(ctx context.Context, typ ConnectionType) ([]Connection, error)
	// SetConnectionStatus activates or deactivates. Activating while
	// another ACTIVE of the same type exists returns ErrActiveExists.
	SetConnectionStatus(ctx context.Context, tenantID, id uuid.UUID, status ConnectionStatus) error
	// UpdateConnectionConfig replaces the sealed config blob.
	UpdateConnectionConfig(ctx context.Context, tenantID, id uuid.UUID, sealed []byte) error
	// TouchConnectionTest records a successful reachability probe.
	TouchConnectionTest(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
}

// ExportStore persists export attempts. CreateExport claims the
// idempotency key; everything after is status bookkeeping.
type ExportStore interface {
	// CreateExport inserts with status PENDING. A record with the same
	// idempotency key returns ErrDuplicateExport.
	CreateExport(ctx context.Context, e *Export) error
	GetExport(ctx context.Context, tenantID, id uuid.UUID) (*Export, error)
	// FindByIdempotencyKey looks up the attempt that claimed the key.
	FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*Export, error)
	// LatestSentByDraftPrefix resolves an ack filename back to its
	// export: the most recent SENT record whose draft id begins with
	// the captured prefix.
	LatestSentByDraftPrefix(ctx context.Context, tenantID uuid.UUID, draftIDPrefix string) (*Export, error)
	ListExportsByDraft(ctx context.Context, tenantID, draftID uuid.UUID) ([]Export, error)

	// MarkSent records a completed dropzone write.
	MarkSent(ctx context.Context, tenantID, id uuid.UUID, dropzonePath, storageKey string, latencyMS int64) error
	// MarkAcked stores the ERP-assigned order id.
	MarkAcked(ctx context.Context, tenantID, id uuid.UUID, erpOrderID string) error
	// MarkFailed stores the provider error verbatim.
	MarkFailed(ctx context.Context, tenantID, id uuid.UUID, detail contracts.ErrorDetail) error
	// MarkRetrying flips a FAILED export back to PENDING and bumps the
	// retry counter. Any other prior status returns ErrNotRetryable.
	MarkRetrying(ctx context.Context, tenantID, id uuid.UUID) error
}

// canonicalKey hashes the identity triple through JCS so the key is
// stable across field ordering and formatting choices.
func canonicalKey(tenantID, draftID uuid.UUID, draftVersion int64) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"tenant_id":     tenantID.String(),
		"draft_id":      draftID.String(),
		"draft_version": draftVersion,
	})
}

// prepareConnection fills identifiers and timestamps before insert.
func prepareConnection(c *Connection) {
	now := timeNow().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Type == "" {
		c.Type = TypeDropzoneJSONV1
	}
	if c.Status == "" {
		c.Status = ConnectionActive
	}
	c.CreatedAt, c.UpdatedAt = now, now
}

// prepareExport fills identifiers, the idempotency key and the initial
// PENDING status before insert.
func prepareExport(e *Export) {
	now := timeNow().UTC()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = contracts.ExportPending
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = IdempotencyKey(e.TenantID, e.DraftID, e.DraftVersion)
	}
	e.CreatedAt, e.UpdatedAt = now, now
}
