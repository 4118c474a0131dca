// Package intake owns inbound purchase-order artifacts: uploaded files and
// email envelopes. It validates incoming bytes, archives them in the object
// store and tracks each document through its processing lifecycle.
package intake

import (
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Source says how a document entered the system.
type Source string

// Document sources.
const (
	SourceUpload Source = "upload"
	SourceEmail  Source = "email"
)

// Document is a content-addressed source artifact. Everything except status,
// storage key and error payload is immutable once the row exists.
type Document struct {
	ID          uuid.UUID                `json:"id"`
	TenantID    uuid.UUID                `json:"tenant_id"`
	MessageID   *uuid.UUID               `json:"message_id,omitempty"`
	Source      Source                   `json:"source"`
	SenderEmail string                   `json:"sender_email,omitempty"`
	Filename    string                   `json:"filename"`
	MIME        string                   `json:"mime"`
	SHA256      string                   `json:"sha256"`
	SizeBytes   int64                    `json:"size_bytes"`
	StorageKey  string                   `json:"storage_key,omitempty"`
	Status      contracts.DocumentStatus `json:"status"`
	Error       *contracts.ErrorDetail   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// MessageStatus is the inbound-message lifecycle.
type MessageStatus string

// Message statuses. FAILED messages may be retried back into PROCESSING.
const (
	MessageReceived   MessageStatus = "RECEIVED"
	MessageProcessing MessageStatus = "PROCESSING"
	MessageProcessed  MessageStatus = "PROCESSED"
	MessageFailed     MessageStatus = "FAILED"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageReceived:   {MessageProcessing},
	MessageProcessing: {MessageProcessed, MessageFailed},
	MessageFailed:     {MessageProcessing},
}

// CanTransition reports whether moving to next is an allowed edge.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	for _, t := range messageTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// InboundMessage is an email or upload envelope. A message produces zero or
// more documents; attachments that fail validation are logged, not stored.
type InboundMessage struct {
	ID         uuid.UUID              `json:"id"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	FromEmail  string                 `json:"from_email"`
	ToEmail    string                 `json:"to_email"`
	Subject    string                 `json:"subject,omitempty"`
	StorageKey string                 `json:"storage_key,omitempty"`
	Status     MessageStatus          `json:"status"`
	Error      *contracts.ErrorDetail `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}
