// Package extract turns stored order documents into canonical output.
// Cheap deterministic extractors run first; the LLM only sees a
// document when rules cannot carry it, and everything the model
// returns is anchored back against the source text before it is
// trusted.
package extract

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Extractor version tags carried on canonical output.
const (
	VersionCSVRule  = "csv_rule_v1"
	VersionXLSXRule = "xlsx_rule_v1"
	VersionPDFRule  = "pdf_rule_v1"
	VersionLLM      = "llm_v1"
)

// Prompt template versions; bumping one invalidates ledger reuse for
// calls built from it.
const (
	PromptTextV1   = "pdf_extract_text_v1"
	PromptVisionV1 = "pdf_extract_vision_v1"
)

// Scanned-document thresholds for PDFs.
const (
	charsPerPage     = 2500
	minCoverageRatio = 0.15
	minTextChars     = 500
)

var (
	ErrUnsupportedMIME = errors.New("extract: unsupported mime type")
	ErrEmptyDocument   = errors.New("extract: empty document")
	ErrNoOutput        = errors.New("extract: no extractor produced output")
)

// Input is one stored document plus the surrounding context the LLM
// prompt may use.
type Input struct {
	DocumentID uuid.UUID
	Filename   string
	MIME       string
	Data       []byte
	Context    Context
}

// Context carries hints from the inbound envelope and tenant config.
type Context struct {
	SenderEmail          string
	Subject              string
	DefaultCurrency      string
	KnownCustomerNumbers []string
	FewShotHints         []string
}

// RunStatus is the terminal state of one extraction attempt.
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one extraction attempt on one document, immutable once
// persisted. A failed LLM run keeps its error while the preceding rule
// run still carries usable output.
type Run struct {
	ID               uuid.UUID                  `json:"id"`
	TenantID         uuid.UUID                  `json:"tenant_id"`
	DocumentID       uuid.UUID                  `json:"document_id"`
	Method           contracts.ExtractionMethod `json:"method"`
	ExtractorVersion string                     `json:"extractor_version"`
	InputHash        string                     `json:"input_hash"`
	Status           RunStatus                  `json:"status"`
	Output           *contracts.CanonicalOutput `json:"output,omitempty"`
	Confidence       float64                    `json:"confidence"`
	TextCoverage     float64                    `json:"text_coverage"`
	Scanned          bool                       `json:"scanned"`
	Warnings         []contracts.Warning        `json:"warnings,omitempty"`
	Error            *contracts.ErrorDetail     `json:"error,omitempty"`
	TokensIn         int64                      `json:"tokens_in"`
	TokensOut        int64                      `json:"tokens_out"`
	CostMicros       int64                      `json:"cost_micros"`
	LatencyMS        int64                      `json:"latency_ms"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// Outcome is what one routed extraction produced. Runs lists every
// attempt in execution order; Final points at the run whose output
// feeds the draft, nil when nothing succeeded.
type Outcome struct {
	Runs  []*Run
	Final *Run
}

// Failed reports whether the document yielded no usable output at all.
func (o *Outcome) Failed() bool { return o.Final == nil || o.Final.Output == nil }
