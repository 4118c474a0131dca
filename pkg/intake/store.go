package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("intake: not found")
	ErrDuplicate         = errors.New("intake: duplicate")
	ErrInvalidTransition = errors.New("intake: invalid status transition")
)

var timeNow = time.Now

// DocumentStore persists documents. Status changes go through MarkStored and
// TransitionDocument so the edge set is enforced next to the row.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*Document, error)
	FindDocumentByHash(ctx context.Context, tenantID uuid.UUID, sha256 string) (*Document, error)
	// MarkStored records the storage key and moves UPLOADED -> STORED.
	MarkStored(ctx context.Context, tenantID, id uuid.UUID, storageKey string) (*Document, error)
	TransitionDocument(ctx context.Context, tenantID, id uuid.UUID, next contracts.DocumentStatus, detail *contracts.ErrorDetail) (*Document, error)
	ListDocumentsByStatus(ctx context.Context, tenantID uuid.UUID, status contracts.DocumentStatus, limit int) ([]Document, error)
	ListDocumentsByMessage(ctx context.Context, tenantID, messageID uuid.UUID) ([]Document, error)
}

// MessageStore persists inbound messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *InboundMessage) error
	GetMessage(ctx context.Context, tenantID, id uuid.UUID) (*InboundMessage, error)
	TransitionMessage(ctx context.Context, tenantID, id uuid.UUID, next MessageStatus, detail *contracts.ErrorDetail) (*InboundMessage, error)
}

// Store is the full intake persistence surface.
type Store interface {
	DocumentStore
	MessageStore
}

func lowerEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
