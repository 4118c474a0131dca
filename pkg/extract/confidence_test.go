package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

func TestScoreOverall(t *testing.T) {
	full := &contracts.CanonicalOutput{}
	full.Confidence.Order = map[string]float64{
		"external_order_number": 1, "order_date": 1, "currency": 1,
	}
	full.Confidence.Lines = []map[string]float64{
		{"sku": 1, "qty": 1, "description": 1},
	}
	assert.Equal(t, 1.0, scoreOverall(full, 0.4, 0.6))

	headerOnly := &contracts.CanonicalOutput{}
	headerOnly.Confidence.Order = map[string]float64{
		"external_order_number": 1, "order_date": 1, "currency": 1,
	}
	assert.InDelta(t, 0.4, scoreOverall(headerOnly, 0.4, 0.6), 1e-9, "no lines scores zero on the lines part")

	uneven := &contracts.CanonicalOutput{}
	uneven.Confidence.Order = map[string]float64{"currency": 0.9}
	uneven.Confidence.Lines = []map[string]float64{
		{"sku": 0.9, "qty": 0.6, "description": 0.3},
		{"sku": 0.5},
	}
	// header: 0.9/3; lines: (0.6 + 0.5/3)/2. Missing keys count as zero.
	want := 0.4*(0.9/3) + 0.6*((0.6+0.5/3)/2)
	assert.InDelta(t, want, scoreOverall(uneven, 0.4, 0.6), 1e-9)
}

func TestScoreOverallClampsRogueValues(t *testing.T) {
	o := &contracts.CanonicalOutput{}
	o.Confidence.Order = map[string]float64{
		"external_order_number": 1.8, "order_date": -0.5, "currency": 1,
	}
	o.Confidence.Lines = []map[string]float64{
		{"sku": 2, "qty": 1, "description": 1},
	}
	// Clamped to 1/0/1 and 1/1/1.
	want := 0.4*(2.0/3) + 0.6*1
	assert.InDelta(t, want, scoreOverall(o, 0.4, 0.6), 1e-9)
}
