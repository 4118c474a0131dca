// Package budget enforces per-tenant daily AI spend limits. Spend is
// derived from the call ledger rather than a separate counter, so the
// gate can never drift from what was actually recorded.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/ledger"
)

// ErrExceeded is returned by Require when the estimate does not fit
// the remaining budget.
var ErrExceeded = errors.New("budget: daily budget exceeded")

var timeNow = time.Now

// Unlimited disables enforcement for a tenant.
const Unlimited int64 = 0

type Decision struct {
	Allowed        bool
	Reason         string
	LimitMicros    int64
	SpentMicros    int64
	EstimateMicros int64
}

func (d Decision) RemainingMicros() int64 {
	if d.LimitMicros == Unlimited {
		return -1
	}
	rem := d.LimitMicros - d.SpentMicros
	if rem < 0 {
		return 0
	}
	return rem
}

// Gate answers "may this tenant spend this much right now". It fails
// closed: if spend cannot be read, the call is denied.
type Gate struct {
	ledger ledger.Store
	logger *slog.Logger
}

func NewGate(store ledger.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ledger: store,
		logger: logger.With("component", "budget"),
	}
}

// Check evaluates an estimated cost against the tenant's daily limit.
// The window starts at UTC midnight. A zero limit means unlimited.
func (g *Gate) Check(ctx context.Context, tenantID uuid.UUID, limitMicros, estimateMicros int64) (*Decision, error) {
	if limitMicros == Unlimited {
		return &Decision{
			Allowed:        true,
			Reason:         "unlimited",
			LimitMicros:    Unlimited,
			EstimateMicros: estimateMicros,
		}, nil
	}

	spent, err := g.ledger.SpentSince(ctx, tenantID, MidnightUTC(timeNow()))
	if err != nil {
		g.logger.Error("spend lookup failed, denying call",
			"tenant_id", tenantID, "error", err)
		return &Decision{
			Allowed:        false,
			Reason:         "spend lookup failed",
			LimitMicros:    limitMicros,
			EstimateMicros: estimateMicros,
		}, fmt.Errorf("budget: spend lookup: %w", err)
	}

	d := &Decision{
		LimitMicros:    limitMicros,
		SpentMicros:    spent,
		EstimateMicros: estimateMicros,
	}
	if spent+estimateMicros > limitMicros {
		d.Allowed = false
		d.Reason = fmt.Sprintf("daily budget exceeded: spent %d + estimate %d > limit %d",
			spent, estimateMicros, limitMicros)
		g.logger.Warn("denied AI call",
			"tenant_id", tenantID, "spent_micros", spent,
			"estimate_micros", estimateMicros, "limit_micros", limitMicros)
		return d, nil
	}
	d.Allowed = true
	d.Reason = "within limits"
	return d, nil
}

// Require is Check collapsed to an error: ErrExceeded when denied for
// budget reasons, the underlying error when the lookup failed.
func (g *Gate) Require(ctx context.Context, tenantID uuid.UUID, limitMicros, estimateMicros int64) error {
	d, err := g.Check(ctx, tenantID, limitMicros, estimateMicros)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrExceeded, d.Reason)
	}
	return nil
}

// MidnightUTC returns the start of the UTC calendar day containing t.
func MidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
