// Package contracts defines the canonical domain model shared across the
// ingestion pipeline: the extraction output shape, status enums, monetary
// micro-units and the error taxonomy used in persisted error payloads.
package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExtractionMethod identifies which extractor produced a canonical output.
type ExtractionMethod string

// Extraction method constants.
const (
	ExtractRuleCSV   ExtractionMethod = "rule_csv"
	ExtractRuleXLSX  ExtractionMethod = "rule_xlsx"
	ExtractRulePDF   ExtractionMethod = "rule_pdf"
	ExtractLLMText   ExtractionMethod = "llm_text"
	ExtractLLMVision ExtractionMethod = "llm_vision"
)

// RuleBased reports whether the method is deterministic (no AI call involved).
func (m ExtractionMethod) RuleBased() bool {
	switch m {
	case ExtractRuleCSV, ExtractRuleXLSX, ExtractRulePDF:
		return true
	}
	return false
}

// CanonicalOutput is the normalized result of every extractor, independent of
// the source format. It is persisted verbatim on the extraction run and is
// the sole input for draft creation.
type CanonicalOutput struct {
	Order            CanonicalHeader `json:"order"`
	Lines            []CanonicalLine `json:"lines"`
	Confidence       ConfidenceBlock `json:"confidence"`
	Warnings         []Warning       `json:"warnings,omitempty"`
	ExtractorVersion string          `json:"extractor_version"`
}

// CustomerHint carries customer identification found in the document or
// supplied by the LLM.
type CustomerHint struct {
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	ERPCustomerNumber string `json:"erp_customer_number,omitempty"`
}

// Address is a postal address block.
type Address struct {
	Company string `json:"company,omitempty"`
	Street  string `json:"street,omitempty"`
	Zip     string `json:"zip,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// CanonicalHeader carries order-level fields. Dates are ISO-8601 date strings
// (YYYY-MM-DD) or empty when the source did not yield one.
type CanonicalHeader struct {
	ExternalOrderNumber   string        `json:"external_order_number,omitempty"`
	OrderDate             string        `json:"order_date,omitempty"`
	Currency              string        `json:"currency,omitempty"`
	RequestedDeliveryDate string        `json:"requested_delivery_date,omitempty"`
	CustomerHint          *CustomerHint `json:"customer_hint,omitempty"`
	Notes                 string        `json:"notes,omitempty"`
	ShipTo                *Address      `json:"ship_to,omitempty"`
}

// CanonicalLine is a single order position. Quantity keeps full decimal
// precision and is nullable: hallucination guards null it out rather than
// carry a fabricated value. unit_price is integer micro-units.
type CanonicalLine struct {
	LineNo                int              `json:"line_no"`
	CustomerSKURaw        string           `json:"customer_sku_raw,omitempty"`
	ProductDescription    string           `json:"product_description,omitempty"`
	Qty                   *decimal.Decimal `json:"qty,omitempty"`
	UoM                   string           `json:"uom,omitempty"`
	UnitPriceMicros       *int64           `json:"unit_price,omitempty"`
	Currency              string           `json:"currency,omitempty"`
	RequestedDeliveryDate string           `json:"requested_delivery_date,omitempty"`
}

// ConfidenceBlock holds per-field confidences for the header, one map per
// line, and the weighted overall score in [0,1].
type ConfidenceBlock struct {
	Order   map[string]float64   `json:"order,omitempty"`
	Lines   []map[string]float64 `json:"lines,omitempty"`
	Overall float64              `json:"overall"`
}

// WarningCode classifies non-fatal extraction findings.
type WarningCode string

// Warning code constants.
const (
	WarnBudgetExceeded        WarningCode = "BUDGET_EXCEEDED"
	WarnAnchorCheckFailed     WarningCode = "ANCHOR_CHECK_FAILED"
	WarnQtyRangeViolation     WarningCode = "QTY_RANGE_VIOLATION"
	WarnLinesCountSuspicious  WarningCode = "LINES_COUNT_SUSPICIOUS"
	WarnHighAnchorFailureRate WarningCode = "HIGH_ANCHOR_FAILURE_RATE"
	WarnLLMInvalidJSON        WarningCode = "LLM_INVALID_JSON"
	WarnLLMSchemaMismatch     WarningCode = "LLM_SCHEMA_MISMATCH"
	WarnLowTextCoverage       WarningCode = "LOW_TEXT_COVERAGE"
	WarnNoLines               WarningCode = "NO_LINES"
	WarnUnknownUoM            WarningCode = "UNKNOWN_UOM"
	WarnAmbiguousNumberFormat WarningCode = "AMBIGUOUS_NUMBER_FORMAT"
)

// Warning is a non-fatal finding attached to a canonical output. LineNo is
// zero for order-level warnings.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
	LineNo  int         `json:"line_no,omitempty"`
}

// Warnf appends a formatted warning. lineNo 0 marks an order-level warning.
func (o *CanonicalOutput) Warnf(code WarningCode, lineNo int, format string, args ...any) {
	o.Warnings = append(o.Warnings, Warning{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		LineNo:  lineNo,
	})
}

// HasWarning reports whether a warning with the given code is present.
func (o *CanonicalOutput) HasWarning(code WarningCode) bool {
	for _, w := range o.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// RenumberLines rewrites line numbers to the 1..n contiguous sequence.
func (o *CanonicalOutput) RenumberLines() {
	for i := range o.Lines {
		o.Lines[i].LineNo = i + 1
	}
}

// ParseISODate parses a canonical YYYY-MM-DD date. Empty input yields a nil
// time without error.
func ParseISODate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("contracts: invalid date %q: %w", s, err)
	}
	return &t, nil
}
