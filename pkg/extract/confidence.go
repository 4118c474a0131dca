package extract

import "github.com/orderflowhq/orderflow/pkg/contracts"

// Header fields feeding the order part of the overall score.
var headerScoreFields = []string{"external_order_number", "order_date", "currency"}

// Line fields feeding the lines part of the overall score.
var lineScoreFields = []string{"sku", "qty", "description"}

// scoreOverall combines per-field confidences into one number:
// a weighted sum of the header average and the per-line average.
// Extractions without lines score zero on the lines part.
func scoreOverall(o *contracts.CanonicalOutput, headerWeight, linesWeight float64) float64 {
	header := avgFields(o.Confidence.Order, headerScoreFields)

	var lines float64
	if len(o.Confidence.Lines) > 0 {
		for _, m := range o.Confidence.Lines {
			lines += avgFields(m, lineScoreFields)
		}
		lines /= float64(len(o.Confidence.Lines))
	}
	return headerWeight*header + linesWeight*lines
}

func avgFields(m map[string]float64, fields []string) float64 {
	var sum float64
	for _, f := range fields {
		sum += clamp01(m[f])
	}
	return sum / float64(len(fields))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
