// Package ledger persists one record per outbound AI call: tokens,
// cost, latency, outcome, and the canonical input hash. The ledger is
// the source of truth for budget accounting and for reusing earlier
// results when the same input comes back within the reuse window.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/canonicalize"
)

var ErrNotFound = errors.New("ledger: record not found")

// ReuseWindow bounds how old a successful call may be and still be
// served from the ledger instead of the provider.
const ReuseWindow = 7 * 24 * time.Hour

var timeNow = time.Now

type CallType string

const (
	CallExtract CallType = "extract_llm"
	CallEmbed   CallType = "embed"
)

type CallStatus string

const (
	StatusOK    CallStatus = "ok"
	StatusError CallStatus = "error"
)

// CallRecord is an append-only row. Records are written in their own
// transaction, never the caller's: a failed pipeline run must still
// account for the money it spent.
type CallRecord struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	CallType   CallType
	Provider   string
	Model      string
	InputHash  string
	Status     CallStatus
	ErrorKind  string
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
	LatencyMS  int64
	// Output keeps the successful payload so a reuse hit can skip the
	// provider entirely.
	Output    json.RawMessage
	CreatedAt time.Time
}

func (r *CallRecord) Validate() error {
	if r.TenantID == uuid.Nil {
		return errors.New("ledger: tenant id required")
	}
	switch r.CallType {
	case CallExtract, CallEmbed:
	default:
		return fmt.Errorf("ledger: unknown call type %q", r.CallType)
	}
	switch r.Status {
	case StatusOK, StatusError:
	default:
		return fmt.Errorf("ledger: unknown status %q", r.Status)
	}
	if r.Provider == "" || r.Model == "" {
		return errors.New("ledger: provider and model required")
	}
	if r.InputHash == "" {
		return errors.New("ledger: input hash required")
	}
	if r.CostMicros < 0 || r.TokensIn < 0 || r.TokensOut < 0 {
		return errors.New("ledger: negative accounting values")
	}
	return nil
}

// InputHash derives the dedup key for a call from the tenant, call
// type, and the full input payload, via canonical JSON.
func InputHash(tenantID uuid.UUID, callType CallType, input any) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"tenant_id": tenantID.String(),
		"call_type": string(callType),
		"input":     input,
	})
}

type Store interface {
	// Record persists one call. ID and CreatedAt are filled when zero.
	Record(ctx context.Context, rec *CallRecord) error
	// FindReusable returns the newest successful record with the same
	// input hash no older than maxAge, or ErrNotFound.
	FindReusable(ctx context.Context, tenantID uuid.UUID, inputHash string, maxAge time.Duration) (*CallRecord, error)
	// SpentSince sums cost over every record since the cutoff. Failed
	// calls count too: the provider billed their tokens regardless.
	SpentSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int64, error)
	// DeleteOlderThan drops records past the retention cutoff and
	// reports how many went away.
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

func prepare(rec *CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = timeNow().UTC()
	}
	return nil
}
