package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// numberFormat is the decimal-separator convention of one document.
// Mixed conventions inside a single file are treated as the majority
// vote; genuinely conflicting evidence keeps the dot default and flags
// the output.
type numberFormat int

const (
	formatDot   numberFormat = iota // 1,234.56
	formatComma                     // 1.234,56
)

var numberToken = regexp.MustCompile(`\d[\d.,]*\d|\d`)

// detectNumberFormat votes over sample strings, typically the raw
// cells of the qty and price columns. Returns the winning format and
// whether the evidence was contradictory.
func detectNumberFormat(samples []string) (numberFormat, bool) {
	var dotVotes, commaVotes int
	for _, s := range samples {
		for _, tok := range numberToken.FindAllString(s, -1) {
			switch classifyToken(tok) {
			case formatDot:
				dotVotes++
			case formatComma:
				commaVotes++
			}
		}
	}
	ambiguous := dotVotes > 0 && commaVotes > 0
	if commaVotes > dotVotes {
		return formatComma, ambiguous
	}
	return formatDot, ambiguous
}

// classifyToken inspects one numeric token and votes for a format, or
// -1 when the token is format-neutral (no separators, or a lone group
// of exactly three digits that could be either).
func classifyToken(tok string) numberFormat {
	lastDot := strings.LastIndexByte(tok, '.')
	lastComma := strings.LastIndexByte(tok, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the later one is the decimal separator.
		if lastComma > lastDot {
			return formatComma
		}
		return formatDot
	case lastComma >= 0:
		// Repeated occurrences prove the comma is grouping.
		if strings.Count(tok, ",") > 1 {
			return formatDot
		}
		if decimalSeparator(tok, lastComma) {
			return formatComma
		}
	case lastDot >= 0:
		if strings.Count(tok, ".") > 1 {
			return formatComma
		}
		if decimalSeparator(tok, lastDot) {
			return formatDot
		}
	}
	return -1
}

// decimalSeparator reports whether a lone separator must be a decimal
// point: exactly three trailing digits could equally be grouping,
// anything else cannot.
func decimalSeparator(tok string, last int) bool {
	return len(tok)-last-1 != 3
}

// parseLocalizedDecimal parses one numeric cell under the detected
// format, tolerating currency symbols, unit suffixes, and spaces.
func parseLocalizedDecimal(s string, format numberFormat) (decimal.Decimal, bool) {
	tok := numberToken.FindString(s)
	if tok == "" {
		return decimal.Zero, false
	}
	neg := strings.Contains(s[:strings.Index(s, tok)], "-")

	var normalized string
	switch format {
	case formatComma:
		normalized = strings.ReplaceAll(tok, ".", "")
		normalized = strings.ReplaceAll(normalized, ",", ".")
	default:
		normalized = strings.ReplaceAll(tok, ",", "")
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}
