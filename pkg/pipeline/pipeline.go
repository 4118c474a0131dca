// Package pipeline wires the processing stages into the end-to-end order
// flow: inbound messages fan out into documents, documents become extracted,
// matched and validated drafts, approved drafts are queued for export. Every
// worker task handler lives here too, so pkg/worker stays a generic queue
// with no domain imports.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/budget"
	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/detect"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/extract"
	"github.com/orderflowhq/orderflow/pkg/intake"
	"github.com/orderflowhq/orderflow/pkg/ledger"
	"github.com/orderflowhq/orderflow/pkg/match"
	"github.com/orderflowhq/orderflow/pkg/objectstore"
	"github.com/orderflowhq/orderflow/pkg/tenants"
	"github.com/orderflowhq/orderflow/pkg/textutil"
	"github.com/orderflowhq/orderflow/pkg/validate"
	"github.com/orderflowhq/orderflow/pkg/worker"
)

// Sentinel errors.
var (
	// ErrAlreadyProcessed means the target reached its terminal success
	// state earlier; reprocessing is a no-op.
	ErrAlreadyProcessed = errors.New("pipeline: already processed")
	// ErrTenantSuspended means the owning tenant is not processing work.
	ErrTenantSuspended = errors.New("pipeline: tenant suspended")
	// ErrNotReady blocks approval while the ready check fails.
	ErrNotReady = errors.New("pipeline: draft not ready for approval")
	// ErrActorRequired means approval was attempted without an actor.
	ErrActorRequired = errors.New("pipeline: approval requires an actor")
	// ErrNoEnvelope means the inbound message has no archived envelope.
	ErrNoEnvelope = errors.New("pipeline: message has no stored envelope")
)

var timeNow = time.Now

// Deps is the full set of collaborators. Everything is required except
// Embedder, Ledger and Budget, which degrade the embedding tasks when
// absent.
type Deps struct {
	Tenants   tenants.Store
	Intake    intake.Store
	Objects   objectstore.Store
	Ingestor  *intake.Ingestor
	Extractor *extract.Router
	Runs      extract.Store
	Detector  *detect.Detector
	Matcher   *match.Matcher
	Validator *validate.Engine
	Drafts    draft.Store
	Catalog   catalog.Store
	Ledger    ledger.Store
	Budget    *budget.Gate
	Embedder  ai.Embedder
	Exporter  *export.Exporter
	AckPoller *export.Poller
	Queue     worker.Queue
}

// Pipeline orchestrates one tenant-scoped unit of work at a time. All state
// lives in the stores; the struct itself is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New wires a pipeline. A nil logger falls back to slog.Default().
func New(deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, logger: logger.With("component", "pipeline")}
}

// activeTenant loads the tenant and refuses suspended ones.
func (p *Pipeline) activeTenant(ctx context.Context, tenantID uuid.UUID) (*tenants.Tenant, error) {
	tenant, err := p.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrTenantSuspended, tenant.Slug)
	}
	return tenant, nil
}

// ReceiveMessage accepts a validated inbound envelope: the envelope is
// archived verbatim, an inbound-message row is created and processing is
// queued. The transport collaborator (SMTP receiver, upload endpoint) calls
// this and returns immediately.
func (p *Pipeline) ReceiveMessage(ctx context.Context, tenantID uuid.UUID, env Envelope) (*intake.InboundMessage, error) {
	if _, err := p.activeTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode envelope: %w", err)
	}
	obj, err := p.deps.Objects.Put(ctx, objectstore.PutInput{
		TenantID: tenantID,
		Filename: "message.json",
		MIME:     "application/json",
		Data:     raw,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: archive envelope: %w", err)
	}

	msg := &intake.InboundMessage{
		TenantID:   tenantID,
		FromEmail:  env.From,
		ToEmail:    env.To,
		Subject:    env.Subject,
		StorageKey: obj.Key,
	}
	if err := p.deps.Intake.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	task, err := worker.NewTask(tenantID, worker.TaskProcessInboundMessage,
		worker.ProcessInboundMessagePayload{MessageID: msg.ID})
	if err != nil {
		return nil, err
	}
	task.DedupKey = "process_inbound_message:" + msg.ID.String()
	if err := p.deps.Queue.Enqueue(ctx, task); err != nil && !errors.Is(err, worker.ErrDuplicateTask) {
		return nil, fmt.Errorf("pipeline: queue message processing: %w", err)
	}
	p.logger.InfoContext(ctx, "inbound message received",
		"tenant_id", tenantID, "message_id", msg.ID,
		"from", msg.FromEmail, "attachments", len(env.Attachments))
	return msg, nil
}

// ProcessInboundMessage ingests every attachment of the archived envelope
// and queues extraction for each document that is new. Duplicate content
// (same hash for the tenant) short-circuits to the existing document.
// Attachments the ingestor refuses (unsupported type, oversized, empty) are
// skipped with a warning; the message fails only when the envelope itself is
// unusable or every attachment was refused.
func (p *Pipeline) ProcessInboundMessage(ctx context.Context, tenantID, messageID uuid.UUID) error {
	if _, err := p.activeTenant(ctx, tenantID); err != nil {
		return err
	}
	msg, err := p.deps.Intake.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	switch msg.Status {
	case intake.MessageProcessed:
		return ErrAlreadyProcessed
	case intake.MessageReceived, intake.MessageFailed:
		if msg, err = p.deps.Intake.TransitionMessage(ctx, tenantID, messageID, intake.MessageProcessing, nil); err != nil {
			return err
		}
	case intake.MessageProcessing:
		// A previous delivery lost its lease mid-run; resume. Ingest
		// dedup and task dedup keys make the resume idempotent.
	}

	env, err := p.loadEnvelope(ctx, msg)
	if err != nil {
		p.failMessage(ctx, tenantID, messageID, err)
		return contracts.WithCode(contracts.CodeInternal, err)
	}

	ingested, refused := 0, 0
	var firstRefusal error
	for _, att := range env.Attachments {
		doc, created, err := p.deps.Ingestor.Ingest(ctx, intake.IngestInput{
			TenantID:    tenantID,
			MessageID:   &msg.ID,
			Source:      intake.SourceEmail,
			SenderEmail: msg.FromEmail,
			Filename:    att.Filename,
			MIME:        att.MIME,
			Data:        att.Content,
		})
		if err != nil {
			refused++
			if firstRefusal == nil {
				firstRefusal = err
			}
			p.logger.WarnContext(ctx, "attachment refused",
				"tenant_id", tenantID, "message_id", msg.ID,
				"filename", att.Filename, "error", err)
			continue
		}
		ingested++
		// Existing documents that already carry a task (or finished)
		// are left alone; a STORED one still needs extraction queued.
		if !created && doc.Status != contracts.DocumentStored {
			continue
		}
		if err := p.enqueueExtraction(ctx, tenantID, doc.ID); err != nil {
			return err
		}
	}

	if len(env.Attachments) > 0 && ingested == 0 {
		p.failMessage(ctx, tenantID, messageID, firstRefusal)
		return contracts.WithCode(contracts.CodeInternal,
			fmt.Errorf("pipeline: message %s: every attachment refused: %w", messageID, firstRefusal))
	}
	if _, err := p.deps.Intake.TransitionMessage(ctx, tenantID, messageID, intake.MessageProcessed, nil); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "inbound message processed",
		"tenant_id", tenantID, "message_id", msg.ID,
		"ingested", ingested, "refused", refused)
	return nil
}

func (p *Pipeline) loadEnvelope(ctx context.Context, msg *intake.InboundMessage) (*Envelope, error) {
	if msg.StorageKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEnvelope, msg.ID)
	}
	rc, err := p.deps.Objects.Get(ctx, msg.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load envelope %s: %w", msg.StorageKey, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read envelope %s: %w", msg.StorageKey, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pipeline: decode envelope %s: %w", msg.StorageKey, err)
	}
	return &env, nil
}

func (p *Pipeline) enqueueExtraction(ctx context.Context, tenantID, documentID uuid.UUID) error {
	task, err := worker.NewTask(tenantID, worker.TaskExtractDocument,
		worker.ExtractDocumentPayload{DocumentID: documentID})
	if err != nil {
		return err
	}
	task.DedupKey = "extract_document:" + documentID.String()
	if err := p.deps.Queue.Enqueue(ctx, task); err != nil && !errors.Is(err, worker.ErrDuplicateTask) {
		return fmt.Errorf("pipeline: queue extraction: %w", err)
	}
	return nil
}

// failMessage moves the message to FAILED, logging rather than surfacing a
// transition conflict: the caller already carries the primary error.
func (p *Pipeline) failMessage(ctx context.Context, tenantID, messageID uuid.UUID, cause error) {
	detail := contracts.NewErrorDetail(contracts.CodeInternal, cause)
	if _, err := p.deps.Intake.TransitionMessage(ctx, tenantID, messageID, intake.MessageFailed, &detail); err != nil {
		p.logger.ErrorContext(ctx, "message fail transition lost",
			"tenant_id", tenantID, "message_id", messageID, "error", err)
	}
}

// ProcessDocument runs the full extraction flow for one stored document:
// extract, detect the customer, build the draft with its lines, match them
// against the catalog, validate, and advance the document to EXTRACTED. A
// document that is already EXTRACTED returns ErrAlreadyProcessed. A draft
// left behind by a crashed run is discarded and rebuilt, so every completed
// run yields a fully assembled draft.
func (p *Pipeline) ProcessDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*draft.Draft, error) {
	tenant, err := p.activeTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	doc, err := p.deps.Intake.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case contracts.DocumentExtracted:
		return nil, ErrAlreadyProcessed
	case contracts.DocumentStored, contracts.DocumentFailed:
		if doc, err = p.deps.Intake.TransitionDocument(ctx, tenantID, documentID, contracts.DocumentProcessing, nil); err != nil {
			return nil, err
		}
	case contracts.DocumentProcessing:
		// Lease-expired redelivery; the previous run died mid-flight.
	default:
		return nil, fmt.Errorf("pipeline: document %s has no stored bytes (status %s)", documentID, doc.Status)
	}

	data, err := p.documentBytes(ctx, doc)
	if err != nil {
		return nil, worker.Transient(err)
	}

	outcome, err := p.extractDocument(ctx, tenant, doc, data)
	if err != nil {
		p.failDocument(ctx, tenantID, doc.ID, contracts.CodeExtractionFailed, err)
		return nil, err
	}
	final := outcome.Final

	detected := p.detectCustomer(ctx, tenant, doc, final.Output, data)

	if err := p.discardOrphanDraft(ctx, tenantID, doc.ID); err != nil {
		return nil, err
	}
	d, err := p.createDraft(ctx, tenant, doc, final, detected)
	if err != nil {
		return nil, err
	}
	d, err = p.matchDraft(ctx, tenant, d)
	if err != nil {
		return nil, err
	}
	d, err = p.validateDraft(ctx, tenant, d)
	if err != nil {
		return nil, err
	}

	if _, err := p.deps.Intake.TransitionDocument(ctx, tenantID, doc.ID, contracts.DocumentExtracted, nil); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "document processed",
		"tenant_id", tenantID, "document_id", doc.ID, "draft_id", d.ID,
		"draft_status", d.Status, "lines", len(d.Lines),
		"method", final.Method, "overall_confidence", d.OverallConfidence)
	return d, nil
}

func (p *Pipeline) documentBytes(ctx context.Context, doc *intake.Document) ([]byte, error) {
	rc, err := p.deps.Objects.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load document %s: %w", doc.StorageKey, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read document %s: %w", doc.StorageKey, err)
	}
	return data, nil
}

// extractDocument routes the bytes through the extraction router and turns a
// no-output outcome into a coded failure.
func (p *Pipeline) extractDocument(ctx context.Context, tenant *tenants.Tenant, doc *intake.Document, data []byte) (*extract.Outcome, error) {
	in := extract.Input{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		MIME:       doc.MIME,
		Data:       data,
		Context: extract.Context{
			SenderEmail:          doc.SenderEmail,
			Subject:              p.messageSubject(ctx, doc),
			DefaultCurrency:      tenant.Settings.DefaultCurrency,
			KnownCustomerNumbers: p.knownCustomerNumbers(ctx, tenant.ID),
		},
	}
	outcome, err := p.deps.Extractor.Extract(ctx, tenant.ID, tenant.Settings, in)
	if err != nil {
		return nil, err
	}
	if outcome.Failed() {
		err := fmt.Errorf("pipeline: document %s produced no usable extraction", doc.ID)
		if n := len(outcome.Runs); n > 0 && outcome.Runs[n-1].Error != nil {
			err = fmt.Errorf("pipeline: document %s produced no usable extraction: %s", doc.ID, outcome.Runs[n-1].Error.Message)
		}
		return nil, contracts.WithCode(contracts.CodeExtractionFailed, err)
	}
	return outcome, nil
}

func (p *Pipeline) messageSubject(ctx context.Context, doc *intake.Document) string {
	if doc.MessageID == nil {
		return ""
	}
	msg, err := p.deps.Intake.GetMessage(ctx, doc.TenantID, *doc.MessageID)
	if err != nil {
		return ""
	}
	return msg.Subject
}

func (p *Pipeline) knownCustomerNumbers(ctx context.Context, tenantID uuid.UUID) []string {
	customers, err := p.deps.Catalog.ListActiveCustomers(ctx, tenantID)
	if err != nil {
		p.logger.WarnContext(ctx, "customer numbers unavailable for extraction context",
			"tenant_id", tenantID, "error", err)
		return nil
	}
	numbers := make([]string, 0, len(customers))
	for i := range customers {
		if n := customers[i].ERPCustomerNumber; n != "" {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// detectCustomer is fail-open: a detection error leaves the draft without a
// customer and the validator turns that into a blocking issue for review.
func (p *Pipeline) detectCustomer(ctx context.Context, tenant *tenants.Tenant, doc *intake.Document, out *contracts.CanonicalOutput, data []byte) *detect.Result {
	res, err := p.deps.Detector.Detect(ctx, tenant.ID, tenant.Settings, detect.Input{
		FromEmail:    doc.SenderEmail,
		DocumentText: extract.PlainText(doc.MIME, data),
		Hint:         out.Order.CustomerHint,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "customer detection failed",
			"tenant_id", tenant.ID, "document_id", doc.ID, "error", err)
		return &detect.Result{Ambiguous: true, Reason: "detection unavailable"}
	}
	return res
}

// discardOrphanDraft soft-deletes a draft a crashed run left behind. The
// document never reached EXTRACTED, so the orphan was never surfaced for
// review.
func (p *Pipeline) discardOrphanDraft(ctx context.Context, tenantID, documentID uuid.UUID) error {
	orphan, err := p.deps.Drafts.FindDraftByDocument(ctx, tenantID, documentID)
	if errors.Is(err, draft.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.WarnContext(ctx, "discarding draft from interrupted run",
		"tenant_id", tenantID, "document_id", documentID, "draft_id", orphan.ID)
	return p.deps.Drafts.SoftDelete(ctx, tenantID, orphan.ID, orphan.Version)
}

func (p *Pipeline) createDraft(ctx context.Context, tenant *tenants.Tenant, doc *intake.Document, final *extract.Run, detected *detect.Result) (*draft.Draft, error) {
	out := final.Output
	orderDate, err := contracts.ParseISODate(out.Order.OrderDate)
	if err != nil {
		orderDate = nil
	}
	deliveryDate, err := contracts.ParseISODate(out.Order.RequestedDeliveryDate)
	if err != nil {
		deliveryDate = nil
	}
	currency := out.Order.Currency
	if currency == "" {
		currency = tenant.Settings.DefaultCurrency
	}

	d := &draft.Draft{
		TenantID:              tenant.ID,
		DocumentID:            &doc.ID,
		ExtractionRunID:       &final.ID,
		ExternalOrderNumber:   out.Order.ExternalOrderNumber,
		OrderDate:             orderDate,
		RequestedDeliveryDate: deliveryDate,
		Currency:              currency,
		ShipTo:                out.Order.ShipTo,
		Notes:                 out.Order.Notes,
		ExtractionConfidence:  final.Confidence,
		Lines:                 make([]draft.Line, 0, len(out.Lines)),
	}
	if detected.Selected != nil {
		id := detected.Selected.CustomerID
		d.CustomerID = &id
		d.CustomerConfidence = detected.Confidence()
	}
	for _, cl := range out.Lines {
		lineDelivery, derr := contracts.ParseISODate(cl.RequestedDeliveryDate)
		if derr != nil {
			lineDelivery = nil
		}
		lineCurrency := cl.Currency
		if lineCurrency == "" {
			lineCurrency = currency
		}
		d.Lines = append(d.Lines, draft.Line{
			LineNo:                cl.LineNo,
			CustomerSKURaw:        cl.CustomerSKURaw,
			CustomerSKUNorm:       textutil.NormalizeSKU(cl.CustomerSKURaw),
			Description:           cl.ProductDescription,
			Qty:                   cl.Qty,
			UoM:                   cl.UoM,
			UnitPriceMicros:       cl.UnitPriceMicros,
			Currency:              lineCurrency,
			RequestedDeliveryDate: lineDelivery,
		})
	}

	if err := p.deps.Drafts.CreateDraft(ctx, d); err != nil {
		return nil, err
	}
	return p.deps.Drafts.Transition(ctx, tenant.ID, d.ID,
		draft.TransitionInput{Next: contracts.DraftExtracted}, d.Version)
}

// matchDraft resolves every line against the catalog, persists the results
// and the confidence block, and advances the draft to MATCHED. Auto-applied
// suggestions upsert a SUGGESTED mapping so reviewer confirmations can
// promote them later. Without a detected customer, matching is vacuous and
// the draft still advances.
func (p *Pipeline) matchDraft(ctx context.Context, tenant *tenants.Tenant, d *draft.Draft) (*draft.Draft, error) {
	if d.CustomerID != nil && len(d.Lines) > 0 {
		queries := make([]match.Query, len(d.Lines))
		var orderDate time.Time
		if d.OrderDate != nil {
			orderDate = *d.OrderDate
		}
		for i := range d.Lines {
			l := &d.Lines[i]
			queries[i] = match.Query{
				CustomerID:      *d.CustomerID,
				SKURaw:          l.CustomerSKURaw,
				Description:     l.Description,
				Qty:             l.Qty,
				UoM:             l.UoM,
				UnitPriceMicros: l.UnitPriceMicros,
				Currency:        l.Currency,
				OrderDate:       orderDate,
			}
		}
		outcomes, err := p.deps.Matcher.MatchLines(ctx, tenant.ID, tenant.Settings, queries)
		if err != nil {
			return nil, err
		}
		for i := range outcomes {
			p.applyMatch(ctx, tenant.ID, *d.CustomerID, &d.Lines[i], &outcomes[i])
		}
		if d, err = p.deps.Drafts.UpdateLines(ctx, tenant.ID, d.ID, d.Lines, d.Version); err != nil {
			return nil, err
		}
	}

	d.MatchingConfidence = matchingConfidence(d.Lines)
	d.OverallConfidence = overallConfidence(d)
	updated, err := p.deps.Drafts.UpdateHeader(ctx, tenant.ID, d, d.Version)
	if err != nil {
		return nil, err
	}
	return p.deps.Drafts.Transition(ctx, tenant.ID, d.ID,
		draft.TransitionInput{Next: contracts.DraftMatched}, updated.Version)
}

// applyMatch writes one outcome onto its line and upserts the learned
// mapping for auto-applied suggestions.
func (p *Pipeline) applyMatch(ctx context.Context, tenantID, customerID uuid.UUID, l *draft.Line, o *match.Outcome) {
	l.MatchStatus = o.Status
	l.Candidates = o.Candidates
	if o.Selected == nil {
		l.MatchMethod = contracts.MethodNone
		l.MatchConfidence = 0
		return
	}
	if id, err := uuid.Parse(o.Selected.ProductID); err == nil {
		l.ProductID = &id
	}
	l.InternalSKU = o.Selected.InternalSKU
	l.MatchMethod = o.Selected.Method
	l.MatchConfidence = o.Selected.Confidence

	if o.Status == contracts.MatchSuggested && l.CustomerSKUNorm != "" {
		if _, err := p.deps.Catalog.SuggestMapping(ctx, tenantID, customerID, l.CustomerSKUNorm, o.Selected.InternalSKU); err != nil {
			p.logger.WarnContext(ctx, "mapping suggestion not recorded",
				"tenant_id", tenantID, "sku_norm", l.CustomerSKUNorm, "error", err)
		}
	}
}

// validateDraft runs the rule engine, stores the ready snapshot and advances
// the draft to READY when the gate passes.
func (p *Pipeline) validateDraft(ctx context.Context, tenant *tenants.Tenant, d *draft.Draft) (*draft.Draft, error) {
	res, err := p.deps.Validator.Run(ctx, tenant.Settings, d)
	if err != nil {
		return nil, err
	}
	d, err = p.deps.Drafts.SetReadyCheck(ctx, tenant.ID, d.ID, res.Ready, d.Version)
	if err != nil {
		return nil, err
	}
	if !res.Ready.IsReady {
		return d, nil
	}
	return p.deps.Drafts.Transition(ctx, tenant.ID, d.ID,
		draft.TransitionInput{Next: contracts.DraftReady}, d.Version)
}

func (p *Pipeline) failDocument(ctx context.Context, tenantID, documentID uuid.UUID, code contracts.ErrorCode, cause error) {
	detail := contracts.NewErrorDetail(code, cause)
	if _, err := p.deps.Intake.TransitionDocument(ctx, tenantID, documentID, contracts.DocumentFailed, &detail); err != nil {
		p.logger.ErrorContext(ctx, "document fail transition lost",
			"tenant_id", tenantID, "document_id", documentID, "error", err)
	}
}

// matchingConfidence averages applied match confidence across all lines.
// Auto-applied suggestions count at their score just like mapped lines;
// unmatched lines pull the average down as zeros. No lines means no
// matching signal at all.
func matchingConfidence(lines []draft.Line) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	for i := range lines {
		sum += lines[i].MatchConfidence
	}
	return sum / float64(len(lines))
}

// overallConfidence is the weakest stage: a draft is only as trustworthy as
// its least certain dimension, so a missing customer or unmatched lines keep
// the overall score down instead of being averaged away.
func overallConfidence(d *draft.Draft) float64 {
	overall := d.ExtractionConfidence
	if d.CustomerConfidence < overall {
		overall = d.CustomerConfidence
	}
	if d.MatchingConfidence < overall {
		overall = d.MatchingConfidence
	}
	return overall
}

// ApproveDraft moves a READY draft to APPROVED on behalf of actor and queues
// the export push. The expected version makes concurrent approvals lose with
// ErrVersionConflict instead of double-approving.
func (p *Pipeline) ApproveDraft(ctx context.Context, tenantID, draftID uuid.UUID, actor string, expectedVersion int64) (*draft.Draft, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	if _, err := p.activeTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	d, err := p.deps.Drafts.GetDraft(ctx, tenantID, draftID)
	if err != nil {
		return nil, err
	}
	if d.ReadyCheck == nil || !d.ReadyCheck.IsReady {
		return nil, fmt.Errorf("%w: draft %s", ErrNotReady, draftID)
	}
	approved, err := p.deps.Drafts.Transition(ctx, tenantID, draftID,
		draft.TransitionInput{Next: contracts.DraftApproved, ApprovedBy: actor}, expectedVersion)
	if err != nil {
		return nil, err
	}

	task, err := worker.NewTask(tenantID, worker.TaskExportDraft,
		worker.ExportDraftPayload{DraftID: draftID})
	if err != nil {
		return nil, err
	}
	task.DedupKey = fmt.Sprintf("export_draft:%s:%d", draftID, approved.Version)
	if err := p.deps.Queue.Enqueue(ctx, task); err != nil && !errors.Is(err, worker.ErrDuplicateTask) {
		return nil, fmt.Errorf("pipeline: queue export: %w", err)
	}
	p.logger.InfoContext(ctx, "draft approved",
		"tenant_id", tenantID, "draft_id", draftID, "actor", actor)
	return approved, nil
}
