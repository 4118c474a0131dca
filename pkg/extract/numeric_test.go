package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectNumberFormat(t *testing.T) {
	cases := []struct {
		name      string
		samples   []string
		want      numberFormat
		ambiguous bool
	}{
		{"german decimals", []string{"1.234,56", "12,5", "3,00"}, formatComma, false},
		{"us decimals", []string{"1,234.56", "12.5", "3.00"}, formatDot, false},
		{"integers only default to dot", []string{"5", "10", "250"}, formatDot, false},
		{"lone group of three stays neutral", []string{"1.000", "2.500"}, formatDot, false},
		{"double grouping is decisive", []string{"1.000.000"}, formatComma, false},
		{"mixed evidence flags ambiguity", []string{"12,5", "13.5", "14,5"}, formatComma, true},
		{"empty input", nil, formatDot, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ambiguous := detectNumberFormat(tc.samples)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ambiguous, ambiguous)
		})
	}
}

func TestClassifyToken(t *testing.T) {
	cases := []struct {
		tok  string
		want numberFormat
	}{
		{"1.234,56", formatComma},
		{"1,234.56", formatDot},
		{"12,5", formatComma},
		{"12.5", formatDot},
		{"1,234", -1},                // could be grouping
		{"1.000", -1},                // could be grouping
		{"12345", -1},                // no separator
		{"1.000.000", formatComma},   // repeated dots are grouping
		{"1,000,000", formatDot},     // repeated commas are grouping
	}
	for _, tc := range cases {
		t.Run(tc.tok, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyToken(tc.tok))
		})
	}
}

func TestParseLocalizedDecimal(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		format numberFormat
		want   string
		ok     bool
	}{
		{"german price", "1.234,56", formatComma, "1234.56", true},
		{"us price", "1,234.56", formatDot, "1234.56", true},
		{"currency prefix", "€ 12,50", formatComma, "12.5", true},
		{"currency suffix", "12.50 EUR", formatDot, "12.5", true},
		{"negative", "-3,5", formatComma, "-3.5", true},
		{"unit suffix", "25 ST", formatDot, "25", true},
		{"plain integer", "42", formatComma, "42", true},
		{"no number", "n/a", formatDot, "0", false},
		{"empty", "", formatDot, "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := parseLocalizedDecimal(tc.in, tc.format)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, d.String())
			}
		})
	}
}
