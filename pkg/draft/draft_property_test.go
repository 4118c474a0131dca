//go:build property
// +build property

package draft

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any sequence of header mutations bumps the version by exactly
// one per success, and a stale expected version always loses with
// ErrVersionConflict instead of writing.
func TestVersionMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("version grows by one per mutation", prop.ForAll(
		func(notes []string, staleAt uint8) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			tenant := uuid.New()
			d := newDraft(tenant)
			if err := store.CreateDraft(ctx, d); err != nil {
				return false
			}

			current, err := store.GetDraft(ctx, tenant, d.ID)
			if err != nil {
				return false
			}
			for i, note := range notes {
				in := *current
				in.Notes = note
				if i == int(staleAt)%8 && current.Version > 1 {
					// A deliberately stale writer must not slip through.
					if _, err := store.UpdateHeader(ctx, tenant, &in, current.Version-1); err == nil {
						return false
					}
				}
				next, err := store.UpdateHeader(ctx, tenant, &in, current.Version)
				if err != nil {
					return false
				}
				if next.Version != current.Version+1 {
					return false
				}
				current = next
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
