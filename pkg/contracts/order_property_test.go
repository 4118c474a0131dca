//go:build property
// +build property

package contracts

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: after RenumberLines, line numbers are exactly 1..n in slice
// order, no matter what garbage the extractor left in them.
func TestRenumberLinesContiguity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("line numbers are 1..n", prop.ForAll(
		func(rawNos []int) bool {
			out := &CanonicalOutput{}
			for _, n := range rawNos {
				out.Lines = append(out.Lines, CanonicalLine{LineNo: n})
			}
			out.RenumberLines()
			for i, l := range out.Lines {
				if l.LineNo != i+1 {
					return false
				}
			}
			return len(out.Lines) == len(rawNos)
		},
		gen.SliceOf(gen.IntRange(-10, 1000)),
	))

	properties.Property("renumbering is idempotent", prop.ForAll(
		func(n uint8) bool {
			out := &CanonicalOutput{Lines: make([]CanonicalLine, int(n)%32)}
			out.RenumberLines()
			first := make([]int, len(out.Lines))
			for i, l := range out.Lines {
				first[i] = l.LineNo
			}
			out.RenumberLines()
			for i, l := range out.Lines {
				if l.LineNo != first[i] {
					return false
				}
			}
			return true
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
