package tenants

import (
	"fmt"
	"math"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Settings carries all tenant-tunable pipeline parameters. Zero values are
// replaced by defaults via WithDefaults; persisted JSON only contains keys an
// operator has set.
type Settings struct {
	DefaultCurrency string `json:"default_currency,omitempty"`

	// AI spend and extraction routing.
	DailyBudgetMicros    int64   `json:"daily_budget_micros,omitempty"` // 0 = unlimited
	LLMTriggerConfidence float64 `json:"llm_trigger_confidence,omitempty"`
	MaxPagesForLLM       int     `json:"max_pages_for_llm,omitempty"`
	EmbeddingModel       string  `json:"embedding_model,omitempty"`

	// Confidence weighting; the two weights must sum to 1.
	HeaderConfidenceWeight float64 `json:"header_confidence_weight,omitempty"`
	LinesConfidenceWeight  float64 `json:"lines_confidence_weight,omitempty"`

	// Hallucination guard bound.
	MaxQty int64 `json:"max_qty,omitempty"`

	// Customer detection.
	AutoSelectThreshold float64 `json:"auto_select_threshold,omitempty"`
	AutoSelectMinGap    float64 `json:"auto_select_min_gap,omitempty"`

	// Line matching.
	AutoApplyThreshold    float64 `json:"auto_apply_threshold,omitempty"`
	AutoApplyGap          float64 `json:"auto_apply_gap,omitempty"`
	PriceTolerancePercent float64 `json:"price_tolerance_percent,omitempty"`

	// Validation.
	PriceMismatchSeverity contracts.IssueSeverity `json:"price_mismatch_severity,omitempty"`
	CustomRules           []CustomRule            `json:"custom_rules,omitempty"`

	// Housekeeping.
	RetentionDays int `json:"retention_days,omitempty"`
}

// Custom rule scopes.
const (
	RuleScopeDraft = "draft"
	RuleScopeLine  = "line"
)

// CustomRule is a tenant-defined validation predicate evaluated per draft
// (scope "draft") or per line (scope "line"). Expr is a CEL expression over
// the draft/line maps; a true result raises an issue of type CUSTOM_<NAME>.
type CustomRule struct {
	Name     string                  `json:"name"`
	Scope    string                  `json:"scope"`
	Severity contracts.IssueSeverity `json:"severity"`
	Expr     string                  `json:"expr"`
}

// Default settings values.
const (
	DefaultCurrency              = "EUR"
	DefaultLLMTriggerConfidence  = 0.60
	DefaultMaxPagesForLLM        = 20
	DefaultEmbeddingModel        = "text-embedding-3-small"
	DefaultHeaderWeight          = 0.4
	DefaultLinesWeight           = 0.6
	DefaultMaxQty                = 1_000_000
	DefaultAutoSelectThreshold   = 0.90
	DefaultAutoSelectMinGap      = 0.07
	DefaultAutoApplyThreshold    = 0.92
	DefaultAutoApplyGap          = 0.10
	DefaultPriceTolerancePercent = 5.0
	DefaultRetentionDays         = 90
)

// WithDefaults returns a copy with every unset field filled in.
func (s Settings) WithDefaults() Settings {
	if s.DefaultCurrency == "" {
		s.DefaultCurrency = DefaultCurrency
	}
	if s.LLMTriggerConfidence == 0 {
		s.LLMTriggerConfidence = DefaultLLMTriggerConfidence
	}
	if s.MaxPagesForLLM == 0 {
		s.MaxPagesForLLM = DefaultMaxPagesForLLM
	}
	if s.EmbeddingModel == "" {
		s.EmbeddingModel = DefaultEmbeddingModel
	}
	if s.HeaderConfidenceWeight == 0 && s.LinesConfidenceWeight == 0 {
		s.HeaderConfidenceWeight = DefaultHeaderWeight
		s.LinesConfidenceWeight = DefaultLinesWeight
	}
	if s.MaxQty == 0 {
		s.MaxQty = DefaultMaxQty
	}
	if s.AutoSelectThreshold == 0 {
		s.AutoSelectThreshold = DefaultAutoSelectThreshold
	}
	if s.AutoSelectMinGap == 0 {
		s.AutoSelectMinGap = DefaultAutoSelectMinGap
	}
	if s.AutoApplyThreshold == 0 {
		s.AutoApplyThreshold = DefaultAutoApplyThreshold
	}
	if s.AutoApplyGap == 0 {
		s.AutoApplyGap = DefaultAutoApplyGap
	}
	if s.PriceTolerancePercent == 0 {
		s.PriceTolerancePercent = DefaultPriceTolerancePercent
	}
	if s.PriceMismatchSeverity == "" {
		s.PriceMismatchSeverity = contracts.SeverityWarning
	}
	if s.RetentionDays == 0 {
		s.RetentionDays = DefaultRetentionDays
	}
	return s
}

// Validate rejects settings an operator should not be able to persist.
func (s Settings) Validate() error {
	s = s.WithDefaults()
	if !contracts.ValidCurrency(s.DefaultCurrency) {
		return fmt.Errorf("tenants: invalid default currency %q", s.DefaultCurrency)
	}
	if sum := s.HeaderConfidenceWeight + s.LinesConfidenceWeight; math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("tenants: confidence weights must sum to 1.0, got %v", sum)
	}
	if s.LLMTriggerConfidence < 0 || s.LLMTriggerConfidence > 1 {
		return fmt.Errorf("tenants: llm_trigger_confidence out of [0,1]: %v", s.LLMTriggerConfidence)
	}
	if s.AutoApplyThreshold < 0 || s.AutoApplyThreshold > 1 {
		return fmt.Errorf("tenants: auto_apply_threshold out of [0,1]: %v", s.AutoApplyThreshold)
	}
	if s.AutoSelectThreshold < 0 || s.AutoSelectThreshold > 1 {
		return fmt.Errorf("tenants: auto_select_threshold out of [0,1]: %v", s.AutoSelectThreshold)
	}
	if s.DailyBudgetMicros < 0 {
		return fmt.Errorf("tenants: daily_budget_micros must be >= 0")
	}
	if s.MaxQty < 0 {
		return fmt.Errorf("tenants: max_qty must be >= 0")
	}
	if s.PriceMismatchSeverity != contracts.SeverityWarning && s.PriceMismatchSeverity != contracts.SeverityError {
		return fmt.Errorf("tenants: price_mismatch_severity must be WARNING or ERROR")
	}
	for _, r := range s.CustomRules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("tenants: custom rule needs name and expr")
		}
		if r.Scope != RuleScopeDraft && r.Scope != RuleScopeLine {
			return fmt.Errorf("tenants: custom rule %q has invalid scope %q", r.Name, r.Scope)
		}
	}
	return nil
}
