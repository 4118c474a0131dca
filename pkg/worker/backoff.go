package worker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes the retry schedule for recoverable task failures.
// Delays double per delivery and carry a deterministic jitter so two replicas
// computing the schedule for the same task agree on it.
type BackoffPolicy struct {
	BaseMS      int64 `json:"base_ms"`
	MaxMS       int64 `json:"max_ms"`
	MaxJitterMS int64 `json:"max_jitter_ms"`
	MaxAttempts int   `json:"max_attempts"`
}

// DefaultBackoffPolicy retries recoverable failures at roughly 5s, 10s, 20s…
// capped at ten minutes, giving up after the third delivery.
var DefaultBackoffPolicy = BackoffPolicy{
	BaseMS:      5_000,
	MaxMS:       600_000,
	MaxJitterMS: 2_000,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay before re-delivering taskID after its
// attempt-th delivery failed (attempt starts at 1). Jitter is derived from a
// SHA-256 of the task and attempt rather than a PRNG, keeping schedules
// reproducible across restarts.
func ComputeBackoff(taskID string, attempt int, p BackoffPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		shift = 30
	}
	delayMS := p.BaseMS * (1 << shift)
	if delayMS > p.MaxMS || delayMS <= 0 {
		delayMS = p.MaxMS
	}
	if p.MaxJitterMS > 0 {
		seed := fmt.Sprintf("%s:%d", taskID, attempt)
		sum := sha256.Sum256([]byte(seed))
		jitter := binary.BigEndian.Uint64(sum[:8]) % uint64(p.MaxJitterMS)
		delayMS += int64(jitter)
	}
	return time.Duration(delayMS) * time.Millisecond
}
