package contracts

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Monetary amounts are carried as integer micro-units of the order currency:
// 1 currency unit == 1_000_000 micros. Integer math end to end; conversion to
// decimal happens only at comparison and rendering boundaries.

// MicrosPerUnit is the micro-unit scale factor.
const MicrosPerUnit = 1_000_000

var microsFactor = decimal.NewFromInt(MicrosPerUnit)

// MicrosFromDecimal converts a decimal currency amount to micros, rounding
// half away from zero.
func MicrosFromDecimal(d decimal.Decimal) int64 {
	return d.Mul(microsFactor).Round(0).IntPart()
}

// DecimalFromMicros converts micros back to a decimal currency amount.
func DecimalFromMicros(m int64) decimal.Decimal {
	return decimal.NewFromInt(m).Div(microsFactor)
}

// FormatMicros renders micros as a plain decimal string, e.g. 1250000 -> "1.25".
func FormatMicros(m int64) string {
	return DecimalFromMicros(m).String()
}

// MulQtyMicros multiplies a decimal quantity by a micro-unit price, rounding
// half away from zero to whole micros.
func MulQtyMicros(qty decimal.Decimal, unitPriceMicros int64) int64 {
	return qty.Mul(decimal.NewFromInt(unitPriceMicros)).Round(0).IntPart()
}

// RelativeDeviation returns |a-b| / max(|a|,|b|) as a percentage, used for
// price tolerance checks. Both zero yields 0; one zero yields 100.
func RelativeDeviation(a, b int64) float64 {
	if a == b {
		return 0
	}
	abs := func(v int64) int64 {
		if v < 0 {
			return -v
		}
		return v
	}
	den := abs(a)
	if abs(b) > den {
		den = abs(b)
	}
	if den == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(den) * 100
}

// Currency is an ISO-4217 alpha code. Validation is shape-only; the
// pipeline does not maintain a currency table.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParseQty parses a canonical (dot-decimal) quantity string.
func ParseQty(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("contracts: invalid quantity %q: %w", s, err)
	}
	return d, nil
}
