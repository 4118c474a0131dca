// Package worker is the asynchronous task backbone: a persistent queue with
// lease-based delivery, deterministic retry backoff, and a pool of handler
// goroutines. Producers enqueue typed tasks (document extraction, embedding
// refresh, export pushes, ack polling, retention sweeps); handlers are
// registered by the composition root so this package stays free of pipeline
// imports.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// TaskType names a unit of background work.
type TaskType string

// Task types. The payload struct for each lives below.
const (
	TaskEmbedProduct          TaskType = "embed_product"
	TaskRebuildEmbeddings     TaskType = "rebuild_embeddings_for_tenant"
	TaskExtractDocument       TaskType = "extract_document"
	TaskProcessInboundMessage TaskType = "process_inbound_message"
	TaskExportDraft           TaskType = "export_draft"
	TaskPollAcks              TaskType = "poll_acks"
	TaskRetentionSweep        TaskType = "retention_sweep"
)

// TaskStatus is the queue-side lifecycle of a task.
type TaskStatus string

// Task statuses. RUNNING tasks whose lease expires are re-delivered, so
// handlers must tolerate at-least-once execution.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Results recorded by Succeed. Handlers that short-circuit (already-done
// work, duplicate exports) report ResultSkipped so operators can tell a no-op
// from real work.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
)

// Task is one queued unit of work. Attempts counts deliveries, not failures:
// it is bumped when a worker leases the task, so a task failing on its third
// delivery has Attempts == 3.
type Task struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	Type        TaskType               `json:"type"`
	Payload     json.RawMessage        `json:"payload,omitempty"`
	DedupKey    string                 `json:"dedup_key,omitempty"`
	Status      TaskStatus             `json:"status"`
	Attempts    int                    `json:"attempts"`
	RunAt       time.Time              `json:"run_at"`
	LeasedBy    string                 `json:"leased_by,omitempty"`
	LeasedUntil *time.Time             `json:"leased_until,omitempty"`
	Result      string                 `json:"result,omitempty"`
	Error       *contracts.ErrorDetail `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("worker: task %s has no payload", t.ID)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("worker: decode %s payload: %w", t.Type, err)
	}
	return nil
}

// EmbedProductPayload requests an embedding refresh for one product.
// ForceRecompute bypasses the text-hash short-circuit.
type EmbedProductPayload struct {
	ProductID      uuid.UUID `json:"product_id"`
	ForceRecompute bool      `json:"force_recompute,omitempty"`
}

// RebuildEmbeddingsPayload fans out embed_product tasks for every product of
// the task's tenant.
type RebuildEmbeddingsPayload struct {
	ForceRecompute bool `json:"force_recompute,omitempty"`
}

// ExtractDocumentPayload runs the extraction pipeline for a stored document.
type ExtractDocumentPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// ProcessInboundMessagePayload ingests the attachments of an inbound message.
type ProcessInboundMessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

// ExportDraftPayload pushes an approved draft to the tenant's ERP connection.
type ExportDraftPayload struct {
	DraftID uuid.UUID `json:"draft_id"`
}

// PollAcksPayload scans one connection's ack directory.
type PollAcksPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// RetentionSweepPayload prunes aged rows for the task's tenant. The window
// comes from tenant settings at execution time, not enqueue time.
type RetentionSweepPayload struct{}

// NewTask builds a PENDING task due immediately. The payload is marshaled
// here so enqueue sites stay one-liners; pass nil for payload-free types.
func NewTask(tenantID uuid.UUID, typ TaskType, payload any) (*Task, error) {
	t := &Task{
		ID:       uuid.New(),
		TenantID: tenantID,
		Type:     typ,
		Status:   TaskPending,
		RunAt:    timeNow().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("worker: marshal %s payload: %w", typ, err)
		}
		t.Payload = raw
	}
	return t, nil
}

// PollAcksDedupKey collapses poll_acks enqueues for one connection to one
// task per minute bucket.
func PollAcksDedupKey(connectionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("poll_acks:%s:%s", connectionID, at.UTC().Format("200601021504"))
}

// RetentionSweepDedupKey collapses retention sweeps for one tenant to one
// task per UTC day.
func RetentionSweepDedupKey(tenantID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("retention_sweep:%s:%s", tenantID, at.UTC().Format("20060102"))
}
