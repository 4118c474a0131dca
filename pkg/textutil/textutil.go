// Package textutil provides text normalization and trigram similarity for
// fuzzy customer and product matching. The trigram model follows postgres
// pg_trgm semantics so that in-memory scoring and SQL-side scoring agree.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases, NFC-normalizes and collapses whitespace runs.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeSKU produces the canonical lookup form of a raw SKU token:
// NFC, uppercase, everything except letters and digits removed.
func NormalizeSKU(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Company legal forms stripped before name comparison. Purchase orders write
// the same customer as "ACME GmbH", "Acme  GMBH" or plain "acme".
var legalForms = map[string]struct{}{
	"gmbh": {}, "ag": {}, "kg": {}, "ohg": {}, "ug": {}, "se": {},
	"co": {}, "inc": {}, "llc": {}, "ltd": {}, "plc": {}, "sarl": {},
	"sa": {}, "bv": {}, "nv": {}, "oy": {}, "ab": {}, "as": {},
}

// NormalizeCompanyName normalizes and drops trailing legal-form tokens.
func NormalizeCompanyName(s string) string {
	s = Normalize(s)
	fields := strings.Fields(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s))
	for len(fields) > 1 {
		last := fields[len(fields)-1]
		if _, ok := legalForms[last]; !ok {
			break
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// Trigrams extracts the pg_trgm trigram set: words are maximal runs of
// letters/digits in the lowercased string, each padded with two leading and
// one trailing space before 3-gram extraction.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range words(strings.ToLower(norm.NFC.String(s))) {
		padded := "  " + word + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			set[string(runes[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity is the pg_trgm similarity: |A∩B| / |A∪B| over trigram sets.
// Two empty strings score 0, matching the postgres operator.
func Similarity(a, b string) float64 {
	ta := Trigrams(a)
	tb := Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func words(s string) []string {
	var out []string
	var cur []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
			continue
		}
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
