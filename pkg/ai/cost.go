package ai

import "math"

// Token estimation runs before a call so the budget gate can reject
// work without spending money. Estimates deliberately land high:
// roughly four characters per token for Latin text, inflated by 20%.
const (
	charsPerToken  = 4
	estimateMargin = 1.2

	visionBaseTokens    = 500
	visionTokensPerPage = 1500
)

// EstimateTextTokens approximates the prompt token count for a text
// request. Empty text estimates to zero.
func EstimateTextTokens(text string) int64 {
	if text == "" {
		return 0
	}
	raw := math.Ceil(float64(len(text)) / charsPerToken)
	return int64(math.Ceil(raw * estimateMargin))
}

// EstimateVisionTokens approximates the prompt token count for a
// vision request over the given page count. Page counts below one are
// treated as a single page.
func EstimateVisionTokens(pages int) int64 {
	if pages < 1 {
		pages = 1
	}
	raw := float64(visionBaseTokens + visionTokensPerPage*pages)
	return int64(math.Ceil(raw * estimateMargin))
}

// Rate is the list price of one million tokens, in micros of the
// billing currency.
type Rate struct {
	InputMicrosPer1M  int64
	OutputMicrosPer1M int64
}

// rates holds list prices keyed by "provider/model". Unknown models
// fall back to defaultRate, which is priced above every listed model
// so budget checks stay conservative.
var rates = map[string]Rate{
	"openai/gpt-4o":                 {InputMicrosPer1M: 2_500_000, OutputMicrosPer1M: 10_000_000},
	"openai/gpt-4o-mini":            {InputMicrosPer1M: 150_000, OutputMicrosPer1M: 600_000},
	"openai/gpt-4.1":                {InputMicrosPer1M: 2_000_000, OutputMicrosPer1M: 8_000_000},
	"openai/gpt-4.1-mini":           {InputMicrosPer1M: 400_000, OutputMicrosPer1M: 1_600_000},
	"openai/text-embedding-3-small": {InputMicrosPer1M: 20_000},
	"openai/text-embedding-3-large": {InputMicrosPer1M: 130_000},
}

var defaultRate = Rate{InputMicrosPer1M: 15_000_000, OutputMicrosPer1M: 60_000_000}

// RateFor returns the list price for a provider/model pair, or the
// conservative default when the pair is unknown.
func RateFor(provider, model string) Rate {
	if r, ok := rates[provider+"/"+model]; ok {
		return r
	}
	return defaultRate
}

// CostMicros prices a call from its token counts, rounding each side
// up to the next micro so partial micros are never billed as zero.
func CostMicros(r Rate, tokensIn, tokensOut int64) int64 {
	return ceilDiv(tokensIn*r.InputMicrosPer1M) + ceilDiv(tokensOut*r.OutputMicrosPer1M)
}

func ceilDiv(microTokens int64) int64 {
	if microTokens <= 0 {
		return 0
	}
	return (microTokens + 999_999) / 1_000_000
}
