//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/orderflowhq/orderflow/pkg/canonicalize"
)

// Property: CanonicalHash is deterministic and insensitive to the Go map
// iteration order the value was built in.
func TestCanonicalHashStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash(obj) == hash(obj)", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			backward := make(map[string]any)
			for i := min(len(keys), len(values)) - 1; i >= 0; i-- {
				backward[keys[i]] = values[i]
			}

			h1, err1 := canonicalize.CanonicalHash(forward)
			h2, err2 := canonicalize.CanonicalHash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("distinct scalars hash distinctly", prop.ForAll(
		func(a, b int64) bool {
			h1, err1 := canonicalize.CanonicalHash(map[string]any{"v": a})
			h2, err2 := canonicalize.CanonicalHash(map[string]any{"v": b})
			if err1 != nil || err2 != nil {
				return false
			}
			return (a == b) == (h1 == h2)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
