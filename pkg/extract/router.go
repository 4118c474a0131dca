package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/budget"
	"github.com/orderflowhq/orderflow/pkg/canonicalize"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/ledger"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// Default chat models. The vision model must accept attachments.
const (
	DefaultTextModel   = "gpt-4o-mini"
	DefaultVisionModel = "gpt-4o"

	llmMaxOutputTokens = 8192
)

const llmProvider = "openai"

// Models selects the chat models per path. Zero values pick the
// defaults.
type Models struct {
	Text   string
	Vision string
}

// Router decides how a document gets extracted and keeps the paid path
// honest: ledger reuse before the budget gate, the gate before any
// provider call, guards after.
type Router struct {
	llm    ai.LLM
	gate   *budget.Gate
	ledger ledger.Store
	runs   Store
	models Models
	log    *slog.Logger
}

func NewRouter(llmPort ai.LLM, gate *budget.Gate, led ledger.Store, runs Store, models Models, logger *slog.Logger) *Router {
	if models.Text == "" {
		models.Text = DefaultTextModel
	}
	if models.Vision == "" {
		models.Vision = DefaultVisionModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		llm:    llmPort,
		gate:   gate,
		ledger: led,
		runs:   runs,
		models: models,
		log:    logger.With("component", "extract"),
	}
}

const (
	mimeCSV  = "text/csv"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePDF  = "application/pdf"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeTIFF = "image/tiff"
)

// Extract routes one stored document through the cheapest method that
// carries it and persists every attempt as an extraction run.
func (r *Router) Extract(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input) (*Outcome, error) {
	if len(in.Data) == 0 {
		return nil, ErrEmptyDocument
	}
	switch normalizeMIME(in.MIME) {
	case mimeCSV:
		return r.tabularFlow(ctx, tenantID, set, in, contracts.ExtractRuleCSV, extractCSV)
	case mimeXLSX:
		return r.tabularFlow(ctx, tenantID, set, in, contracts.ExtractRuleXLSX, extractXLSX)
	case mimePDF:
		return r.pdfFlow(ctx, tenantID, set, in)
	case mimePNG, mimeJPEG, mimeTIFF:
		return r.imageFlow(ctx, tenantID, set, in)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMIME, in.MIME)
	}
}

// tabularFlow is the CSV/XLSX path: rules first, text LLM fallback
// when the rule result is too weak to trust.
func (r *Router) tabularFlow(
	ctx context.Context,
	tenantID uuid.UUID,
	set tenants.Settings,
	in Input,
	method contracts.ExtractionMethod,
	fn func([]byte) (*contracts.CanonicalOutput, string, error),
) (*Outcome, error) {
	started := timeNow()
	out, text, err := fn(in.Data)
	if err != nil {
		run := r.failedRun(tenantID, in, method, versionFor(method),
			errDetail(contracts.CodeExtractionFailed, err), 0, false)
		return r.finish(ctx, &Outcome{Runs: []*Run{run}})
	}

	ruleRun := r.ruleRun(tenantID, in, method, out, set, 1.0, false, started)
	outcome := &Outcome{Runs: []*Run{ruleRun}, Final: ruleRun}

	if r.llmTrigger(ruleRun, set) {
		if err := r.textFallback(ctx, tenantID, set, in, text, pagesForText(text), outcome); err != nil {
			return nil, err
		}
	}
	return r.finish(ctx, outcome)
}

// pdfFlow computes text coverage first; the coverage decides between
// rules, text LLM fallback and the vision path.
func (r *Router) pdfFlow(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input) (*Outcome, error) {
	started := timeNow()
	doc, err := parsePDF(in.Data)
	if err != nil {
		// Unreadable through the parser. The bytes can still go to
		// the vision model.
		r.log.Warn("pdf parse failed, treating as scanned",
			"tenant_id", tenantID, "document_id", in.DocumentID, "error", err)
		doc = nil
	}

	pages, coverage, scanned := 1, 0.0, true
	if doc != nil {
		pages, coverage, scanned = doc.pages, doc.coverage(), doc.scanned()
	}

	// Oversized documents never reach a model, whatever their quality.
	if pages > set.MaxPagesForLLM {
		if doc == nil {
			run := r.failedRun(tenantID, in, contracts.ExtractRulePDF, VersionPDFRule,
				errDetail(contracts.CodeExtractionFailed,
					fmt.Errorf("extract: pdf unreadable and too large for model fallback")), coverage, scanned)
			return r.finish(ctx, &Outcome{Runs: []*Run{run}})
		}
		run := r.pdfRuleRun(tenantID, in, doc, set, started)
		return r.finish(ctx, &Outcome{Runs: []*Run{run}, Final: run})
	}

	if scanned {
		outcome := &Outcome{}
		if err := r.visionFallback(ctx, tenantID, set, in, pages, coverage, outcome); err != nil {
			return nil, err
		}
		return r.finish(ctx, outcome)
	}

	ruleRun := r.pdfRuleRun(tenantID, in, doc, set, started)
	outcome := &Outcome{Runs: []*Run{ruleRun}, Final: ruleRun}
	if r.llmTrigger(ruleRun, set) {
		if err := r.textFallback(ctx, tenantID, set, in, doc.text, pages, outcome); err != nil {
			return nil, err
		}
	}
	return r.finish(ctx, outcome)
}

// imageFlow sends image documents straight to the vision model; there
// is no rule path for pixels.
func (r *Router) imageFlow(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input) (*Outcome, error) {
	outcome := &Outcome{}
	if err := r.visionFallback(ctx, tenantID, set, in, 1, 0, outcome); err != nil {
		return nil, err
	}
	return r.finish(ctx, outcome)
}

// pdfRuleRun runs the deterministic PDF path, applying the low
// coverage penalty when a thin-text document was forced through rules.
func (r *Router) pdfRuleRun(tenantID uuid.UUID, in Input, doc *pdfDoc, set tenants.Settings, started time.Time) *Run {
	out := extractPDFRule(doc)
	coverage := doc.coverage()
	run := r.ruleRun(tenantID, in, contracts.ExtractRulePDF, out, set, coverage, doc.scanned(), started)
	if coverage < minCoverageRatio {
		out.Warnf(contracts.WarnLowTextCoverage, 0,
			"text coverage %.2f below %.2f", coverage, minCoverageRatio)
		run.Confidence /= 2
		out.Confidence.Overall = run.Confidence
		run.Warnings = out.Warnings
	}
	return run
}

// ruleRun assembles a succeeded run from deterministic output.
func (r *Router) ruleRun(
	tenantID uuid.UUID,
	in Input,
	method contracts.ExtractionMethod,
	out *contracts.CanonicalOutput,
	set tenants.Settings,
	coverage float64,
	scanned bool,
	started time.Time,
) *Run {
	conf := scoreOverall(out, set.HeaderConfidenceWeight, set.LinesConfidenceWeight)
	out.Confidence.Overall = conf
	return &Run{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentID:       in.DocumentID,
		Method:           method,
		ExtractorVersion: out.ExtractorVersion,
		InputHash:        ruleInputHash(method, out.ExtractorVersion, in.Data),
		Status:           RunSucceeded,
		Output:           out,
		Confidence:       conf,
		TextCoverage:     coverage,
		Scanned:          scanned,
		Warnings:         out.Warnings,
		LatencyMS:        timeNow().Sub(started).Milliseconds(),
		CreatedAt:        timeNow().UTC(),
	}
}

func (r *Router) failedRun(
	tenantID uuid.UUID,
	in Input,
	method contracts.ExtractionMethod,
	version string,
	detail *contracts.ErrorDetail,
	coverage float64,
	scanned bool,
) *Run {
	return &Run{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentID:       in.DocumentID,
		Method:           method,
		ExtractorVersion: version,
		InputHash:        ruleInputHash(method, version, in.Data),
		Status:           RunFailed,
		Error:            detail,
		TextCoverage:     coverage,
		Scanned:          scanned,
		CreatedAt:        timeNow().UTC(),
	}
}

// llmTrigger decides whether the rule result needs a model behind it.
func (r *Router) llmTrigger(run *Run, set tenants.Settings) bool {
	if run == nil || run.Output == nil {
		return true
	}
	return run.Confidence < set.LLMTriggerConfidence ||
		len(run.Output.Lines) == 0 ||
		run.Scanned
}

// textFallback runs the text-prompt model path and appends its run to
// the outcome. A budget block leaves the rule result final with a
// warning; everything the model path produced wins over rules only
// when it succeeded.
func (r *Router) textFallback(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input, docText string, pages int, outcome *Outcome) error {
	system, user := buildTextPrompt(docText, in.Context)
	run, err := r.runLLM(ctx, tenantID, set, in, llmCall{
		method:        contracts.ExtractLLMText,
		promptVersion: PromptTextV1,
		model:         r.models.Text,
		system:        system,
		user:          user,
		sourceText:    docText,
		pages:         pages,
		coverage:      coverageOf(outcome.Final),
		scanned:       false,
		estimateIn:    ai.EstimateTextTokens(system + user),
	})
	return r.absorbLLM(outcome, tenantID, in, contracts.ExtractLLMText, run, err)
}

// visionFallback is the image path: original bytes as attachment, no
// anchor text.
func (r *Router) visionFallback(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input, pages int, coverage float64, outcome *Outcome) error {
	system, user := buildVisionPrompt(in.Context)
	run, err := r.runLLM(ctx, tenantID, set, in, llmCall{
		method:        contracts.ExtractLLMVision,
		promptVersion: PromptVisionV1,
		model:         r.models.Vision,
		system:        system,
		user:          user,
		attachments:   []ai.Attachment{{MIME: normalizeMIME(in.MIME), Data: in.Data}},
		pages:         pages,
		coverage:      coverage,
		scanned:       true,
		estimateIn:    ai.EstimateVisionTokens(pages) + ai.EstimateTextTokens(system+user),
	})
	return r.absorbLLM(outcome, tenantID, in, contracts.ExtractLLMVision, run, err)
}

// absorbLLM merges an LLM attempt into the outcome under the fallback
// rules: budget block keeps the rule result and marks it, a successful
// model run becomes final, a failed one leaves the rule result final.
// Infrastructure failures propagate so the task can retry.
func (r *Router) absorbLLM(outcome *Outcome, tenantID uuid.UUID, in Input, method contracts.ExtractionMethod, run *Run, err error) error {
	if err != nil {
		if !errors.Is(err, budget.ErrExceeded) {
			return err
		}
		if outcome.Final != nil && outcome.Final.Output != nil {
			outcome.Final.Output.Warnf(contracts.WarnBudgetExceeded, 0, "%v", err)
			outcome.Final.Warnings = outcome.Final.Output.Warnings
			return nil
		}
		outcome.Runs = append(outcome.Runs, &Run{
			ID:               uuid.New(),
			TenantID:         tenantID,
			DocumentID:       in.DocumentID,
			Method:           method,
			ExtractorVersion: VersionLLM,
			InputHash:        ruleInputHash(method, VersionLLM, in.Data),
			Status:           RunFailed,
			Error:            errDetail(contracts.CodeBudgetExceeded, err),
			CreatedAt:        timeNow().UTC(),
		})
		return nil
	}
	outcome.Runs = append(outcome.Runs, run)
	if run.Status == RunSucceeded {
		outcome.Final = run
	}
	return nil
}

// llmCall carries everything one model attempt needs.
type llmCall struct {
	method        contracts.ExtractionMethod
	promptVersion string
	model         string
	system, user  string
	attachments   []ai.Attachment
	sourceText    string
	pages         int
	coverage      float64
	scanned       bool
	estimateIn    int64
}

// runLLM is the paid path: ledger reuse first (free), then the budget
// gate, then at most two provider calls (original plus one repair).
// The returned error is non-nil only for budget blocks and
// infrastructure failures; model and parse failures come back as a
// failed run.
func (r *Router) runLLM(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input, call llmCall) (*Run, error) {
	hash, err := ledger.InputHash(tenantID, ledger.CallExtract, map[string]any{
		"prompt_version": call.promptVersion,
		"model":          call.model,
		"system":         call.system,
		"user":           call.user,
		"doc_sha256":     docSHA256(call.attachments),
	})
	if err != nil {
		return nil, fmt.Errorf("extract: input hash: %w", err)
	}

	if run := r.reuse(ctx, tenantID, set, in, call, hash); run != nil {
		return run, nil
	}

	rate := ai.RateFor(llmProvider, call.model)
	estimate := ai.CostMicros(rate, call.estimateIn, llmMaxOutputTokens)
	if err := r.gate.Require(ctx, tenantID, set.DailyBudgetMicros, estimate); err != nil {
		return nil, err
	}

	started := timeNow()
	res, err := r.llm.Chat(ctx, ai.ChatRequest{
		Model:       call.model,
		System:      call.system,
		User:        call.user,
		Attachments: call.attachments,
		MaxTokens:   llmMaxOutputTokens,
		ForceJSON:   true,
	})
	if err != nil {
		r.recordCall(ctx, tenantID, call, hash, nil, err, 0)
		return r.providerFailure(tenantID, in, call, hash, err, timeNow().Sub(started)), nil
	}

	tokensIn, tokensOut := res.TokensIn, res.TokensOut
	out, parseErr := parseLLMOutput(res.Content)
	r.recordCall(ctx, tenantID, call, hash, res, parseErr, ai.CostMicros(rate, res.TokensIn, res.TokensOut))

	if parseErr != nil {
		out, res, parseErr = r.repair(ctx, tenantID, set, call, hash, rate, res.Content, parseErr)
		if res != nil {
			tokensIn += res.TokensIn
			tokensOut += res.TokensOut
		}
	}
	latency := timeNow().Sub(started)
	cost := ai.CostMicros(rate, tokensIn, tokensOut)

	if parseErr != nil {
		run := r.parseFailure(tenantID, in, call, hash, parseErr, latency)
		run.TokensIn, run.TokensOut, run.CostMicros = tokensIn, tokensOut, cost
		return run, nil
	}
	run := r.llmRun(tenantID, set, in, call, hash, out)
	run.TokensIn, run.TokensOut = tokensIn, tokensOut
	run.CostMicros = cost
	run.LatencyMS = latency.Milliseconds()
	return run, nil
}

// repair issues the single allowed correction call. A budget block at
// this point surfaces as the original parse failure.
func (r *Router) repair(
	ctx context.Context,
	tenantID uuid.UUID,
	set tenants.Settings,
	call llmCall,
	hash string,
	rate ai.Rate,
	invalid string,
	cause error,
) (*contracts.CanonicalOutput, *ai.ChatResult, error) {
	system, user := buildRepairPrompt(invalid, cause)
	estimate := ai.CostMicros(rate, ai.EstimateTextTokens(system+user), llmMaxOutputTokens)
	if err := r.gate.Require(ctx, tenantID, set.DailyBudgetMicros, estimate); err != nil {
		r.log.Warn("budget blocked repair call", "tenant_id", tenantID, "error", err)
		return nil, nil, cause
	}
	res, err := r.llm.Chat(ctx, ai.ChatRequest{
		Model:     call.model,
		System:    system,
		User:      user,
		MaxTokens: llmMaxOutputTokens,
		ForceJSON: true,
	})
	if err != nil {
		r.recordCall(ctx, tenantID, call, hash, nil, err, 0)
		return nil, nil, cause
	}
	out, parseErr := parseLLMOutput(res.Content)
	r.recordCall(ctx, tenantID, call, hash, res, parseErr, ai.CostMicros(rate, res.TokensIn, res.TokensOut))
	return out, res, parseErr
}

// reuse satisfies the call from a prior identical one when the ledger
// still holds its output. Reuse spends nothing.
func (r *Router) reuse(ctx context.Context, tenantID uuid.UUID, set tenants.Settings, in Input, call llmCall, hash string) *Run {
	rec, err := r.ledger.FindReusable(ctx, tenantID, hash, ledger.ReuseWindow)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.log.Warn("ledger lookup failed", "tenant_id", tenantID, "error", err)
		}
		return nil
	}
	out, parseErr := parseLLMOutput(string(rec.Output))
	if parseErr != nil {
		r.log.Warn("reusable record did not parse, calling provider",
			"tenant_id", tenantID, "input_hash", hash, "error", parseErr)
		return nil
	}
	run := r.llmRun(tenantID, set, in, call, hash, out)
	run.TokensIn, run.TokensOut = rec.TokensIn, rec.TokensOut
	return run
}

// llmRun applies the hallucination guards and scores the final output.
func (r *Router) llmRun(tenantID uuid.UUID, set tenants.Settings, in Input, call llmCall, hash string, out *contracts.CanonicalOutput) *Run {
	multiplier := applyGuards(out, call.sourceText, call.pages, set.MaxQty)
	conf := scoreOverall(out, set.HeaderConfidenceWeight, set.LinesConfidenceWeight) * multiplier
	out.Confidence.Overall = conf
	return &Run{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentID:       in.DocumentID,
		Method:           call.method,
		ExtractorVersion: VersionLLM,
		InputHash:        hash,
		Status:           RunSucceeded,
		Output:           out,
		Confidence:       conf,
		TextCoverage:     call.coverage,
		Scanned:          call.scanned,
		Warnings:         out.Warnings,
		CreatedAt:        timeNow().UTC(),
	}
}

func (r *Router) providerFailure(tenantID uuid.UUID, in Input, call llmCall, hash string, err error, latency time.Duration) *Run {
	return &Run{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentID:       in.DocumentID,
		Method:           call.method,
		ExtractorVersion: VersionLLM,
		InputHash:        hash,
		Status:           RunFailed,
		Error:            errDetail(contracts.CodeAIProviderError, err),
		TextCoverage:     call.coverage,
		Scanned:          call.scanned,
		LatencyMS:        latency.Milliseconds(),
		CreatedAt:        timeNow().UTC(),
	}
}

// parseFailure is the terminal state after the repair attempt: the
// warning code tells invalid JSON apart from schema violations.
func (r *Router) parseFailure(tenantID uuid.UUID, in Input, call llmCall, hash string, parseErr error, latency time.Duration) *Run {
	code := contracts.WarnLLMInvalidJSON
	if errors.Is(parseErr, errLLMSchemaMismatch) {
		code = contracts.WarnLLMSchemaMismatch
	}
	return &Run{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentID:       in.DocumentID,
		Method:           call.method,
		ExtractorVersion: VersionLLM,
		InputHash:        hash,
		Status:           RunFailed,
		Error:            errDetail(contracts.CodeExtractionFailed, parseErr),
		Warnings:         []contracts.Warning{{Code: code, Message: parseErr.Error()}},
		TextCoverage:     call.coverage,
		Scanned:          call.scanned,
		LatencyMS:        latency.Milliseconds(),
		CreatedAt:        timeNow().UTC(),
	}
}

// recordCall writes the ledger row for one provider round trip. Calls
// whose payload failed validation are recorded as errors so they are
// never reused, but their cost still counts against the budget.
func (r *Router) recordCall(ctx context.Context, tenantID uuid.UUID, call llmCall, hash string, res *ai.ChatResult, callErr error, cost int64) {
	rec := &ledger.CallRecord{
		TenantID:  tenantID,
		CallType:  ledger.CallExtract,
		Provider:  llmProvider,
		Model:     call.model,
		InputHash: hash,
		Status:    ledger.StatusOK,
	}
	if res != nil {
		rec.Model = res.Model
		rec.TokensIn = res.TokensIn
		rec.TokensOut = res.TokensOut
		rec.CostMicros = cost
	}
	if callErr != nil {
		rec.Status = ledger.StatusError
		rec.ErrorKind = errorKind(callErr)
	} else if res != nil {
		rec.Output = json.RawMessage(stripFences(res.Content))
	}
	if err := r.ledger.Record(ctx, rec); err != nil {
		r.log.Error("ledger record failed", "tenant_id", tenantID, "error", err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrTimeout):
		return "timeout"
	case errors.Is(err, ai.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ai.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ai.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ai.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, errLLMSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, errLLMInvalidJSON):
		return "invalid_json"
	}
	return "error"
}

// finish persists every run in execution order.
func (r *Router) finish(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	for _, run := range outcome.Runs {
		if err := r.runs.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("extract: persist run: %w", err)
		}
	}
	return outcome, nil
}

func normalizeMIME(m string) string {
	m, _, _ = strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(m))
}

// PlainText renders a stored document as the text the customer detector
// scans for numbers and company names. Image formats and parse failures
// yield an empty string; detection then runs on the remaining signals.
func PlainText(mime string, data []byte) string {
	switch normalizeMIME(mime) {
	case mimeCSV:
		if _, text, err := extractCSV(data); err == nil {
			return text
		}
	case mimeXLSX:
		if _, text, err := extractXLSX(data); err == nil {
			return text
		}
	case mimePDF:
		if doc, err := parsePDF(data); err == nil {
			return doc.text
		}
	}
	return ""
}

func errDetail(code contracts.ErrorCode, err error) *contracts.ErrorDetail {
	d := contracts.NewErrorDetail(code, err)
	return &d
}

// pagesForText maps page-less text formats onto the page-based guard
// and estimate heuristics.
func pagesForText(text string) int {
	pages := (len(text) + charsPerPage - 1) / charsPerPage
	if pages < 1 {
		return 1
	}
	return pages
}

func coverageOf(run *Run) float64 {
	if run == nil {
		return 0
	}
	return run.TextCoverage
}

func versionFor(method contracts.ExtractionMethod) string {
	switch method {
	case contracts.ExtractRuleCSV:
		return VersionCSVRule
	case contracts.ExtractRuleXLSX:
		return VersionXLSXRule
	case contracts.ExtractRulePDF:
		return VersionPDFRule
	}
	return VersionLLM
}

// ruleInputHash tags deterministic runs for traceability. Not a dedup
// key, rules are free to re-run.
func ruleInputHash(method contracts.ExtractionMethod, version string, data []byte) string {
	sum := sha256.Sum256(data)
	h, err := canonicalize.CanonicalHash(map[string]any{
		"method":     string(method),
		"version":    version,
		"doc_sha256": hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return hex.EncodeToString(sum[:])
	}
	return h
}

func docSHA256(atts []ai.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	sum := sha256.Sum256(atts[0].Data)
	return hex.EncodeToString(sum[:])
}
