package extract

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/textutil"
)

const (
	anchorTokenMinLen     = 8
	suspiciousLines       = 200
	suspiciousLinesPages  = 2
	suspiciousLinesPerPag = 100
	anchorFailureRateMax  = 0.30
	guardPenalty          = 0.7
)

// applyGuards runs the hallucination checks over LLM output, mutating
// lines and per-field confidences in place. The returned multiplier
// carries the document-level penalties and is applied to the overall
// confidence by the caller.
//
// The anchor check needs source text to compare against; image-only
// input has none, so vision runs only get the range and count checks.
func applyGuards(o *contracts.CanonicalOutput, sourceText string, pages int, maxQty int64) float64 {
	anchorFailures := 0
	haystack := normalizeAnchorText(sourceText)

	for i := range o.Lines {
		line := &o.Lines[i]
		lineNo := i + 1

		if line.Qty != nil {
			qty := *line.Qty
			if qty.Sign() <= 0 || qty.Cmp(decimal.NewFromInt(maxQty)) > 0 {
				o.Warnf(contracts.WarnQtyRangeViolation, lineNo,
					"quantity %s outside (0, %d]", qty.String(), maxQty)
				line.Qty = nil
				setLineConfidence(o, i, "qty", 0)
			}
		}

		if haystack == "" {
			continue
		}
		if !anchored(line, haystack) {
			anchorFailures++
			o.Warnf(contracts.WarnAnchorCheckFailed, lineNo,
				"no line field found in source text")
			halveLineConfidence(o, i)
		}
	}

	multiplier := 1.0
	if n := len(o.Lines); n > 0 {
		if (n > suspiciousLines && pages <= suspiciousLinesPages) ||
			(pages > 0 && n/pages > suspiciousLinesPerPag) {
			o.Warnf(contracts.WarnLinesCountSuspicious, 0,
				"%d lines over %d pages", n, pages)
			multiplier *= guardPenalty
		}
		if float64(anchorFailures)/float64(n) > anchorFailureRateMax {
			o.Warnf(contracts.WarnHighAnchorFailureRate, 0,
				"%d of %d lines failed the anchor check", anchorFailures, n)
			multiplier *= guardPenalty
		}
	}
	return multiplier
}

// anchored reports whether at least one of the line's data points can
// be found in the source text: the normalized SKU, a long description
// token, or the integer part of the quantity.
func anchored(line *contracts.CanonicalLine, haystack string) bool {
	if sku := textutil.NormalizeSKU(line.CustomerSKURaw); sku != "" {
		if strings.Contains(haystack, sku) {
			return true
		}
	}
	for _, tok := range strings.Fields(line.ProductDescription) {
		tok = normalizeAnchorText(tok)
		if len(tok) >= anchorTokenMinLen && strings.Contains(haystack, tok) {
			return true
		}
	}
	if line.Qty != nil {
		if qty := line.Qty.BigInt().String(); strings.Contains(haystack, qty) {
			return true
		}
	}
	return false
}

// normalizeAnchorText folds text the same way SKU normalization does,
// so anchors survive case, separator and whitespace differences.
func normalizeAnchorText(s string) string {
	return textutil.NormalizeSKU(s)
}

func halveLineConfidence(o *contracts.CanonicalOutput, i int) {
	if i >= len(o.Confidence.Lines) || o.Confidence.Lines[i] == nil {
		return
	}
	for k, v := range o.Confidence.Lines[i] {
		o.Confidence.Lines[i][k] = v / 2
	}
}

func setLineConfidence(o *contracts.CanonicalOutput, i int, field string, v float64) {
	if i >= len(o.Confidence.Lines) || o.Confidence.Lines[i] == nil {
		return
	}
	o.Confidence.Lines[i][field] = v
}
