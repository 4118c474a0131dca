package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/budget"
	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/ledger"
	"github.com/orderflowhq/orderflow/pkg/tenants"
	"github.com/orderflowhq/orderflow/pkg/worker"
)

// embedBatchSize bounds one embeddings call during a rebuild. Rebuilds are
// resumable because unchanged text hashes are skipped on the next delivery.
const embedBatchSize = 256

// RegisterHandlers binds every task type to its pipeline handler.
func (p *Pipeline) RegisterHandlers(e *worker.Engine) {
	e.Register(worker.TaskProcessInboundMessage, p.handleProcessInboundMessage)
	e.Register(worker.TaskExtractDocument, p.handleExtractDocument)
	e.Register(worker.TaskExportDraft, p.handleExportDraft)
	e.Register(worker.TaskPollAcks, p.handlePollAcks)
	e.Register(worker.TaskEmbedProduct, p.handleEmbedProduct)
	e.Register(worker.TaskRebuildEmbeddings, p.handleRebuildEmbeddings)
	e.Register(worker.TaskRetentionSweep, p.handleRetentionSweep)
}

// skippable maps outcomes that mean "nothing to do" rather than "failed":
// redeliveries of finished work and tasks owned by suspended tenants.
func skippable(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrTenantSuspended)
}

func (p *Pipeline) handleProcessInboundMessage(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.ProcessInboundMessagePayload
	if err := task.Decode(&payload); err != nil {
		return "", err
	}
	err := p.ProcessInboundMessage(ctx, task.TenantID, payload.MessageID)
	if skippable(err) {
		return worker.ResultSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return worker.ResultOK, nil
}

func (p *Pipeline) handleExtractDocument(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.ExtractDocumentPayload
	if err := task.Decode(&payload); err != nil {
		return "", err
	}
	_, err := p.ProcessDocument(ctx, task.TenantID, payload.DocumentID)
	if skippable(err) {
		return worker.ResultSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return worker.ResultOK, nil
}

// handleExportDraft pushes an approved draft. Push failures are settled on
// the export record itself and retried through RetryExport, not the queue,
// so the task fails without rescheduling.
func (p *Pipeline) handleExportDraft(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.ExportDraftPayload
	if err := task.Decode(&payload); err != nil {
		return "", err
	}
	_, err := p.deps.Exporter.Push(ctx, task.TenantID, payload.DraftID)
	switch {
	case errors.Is(err, export.ErrDuplicateExport), errors.Is(err, export.ErrNotApproved):
		return worker.ResultSkipped, nil
	case err != nil:
		return "", contracts.WithCode(contracts.CodeExportFailed, err)
	}
	return worker.ResultOK, nil
}

// handlePollAcks checks one dropzone connection for ERP responses. Transport
// errors are transient: the connection may be briefly unreachable and the
// scheduler enqueues a fresh poll every minute anyway.
func (p *Pipeline) handlePollAcks(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.PollAcksPayload
	if err := task.Decode(&payload); err != nil {
		return "", err
	}
	err := p.deps.AckPoller.PollConnection(ctx, task.TenantID, payload.ConnectionID)
	switch {
	case errors.Is(err, export.ErrNotFound):
		return worker.ResultSkipped, nil
	case err != nil:
		return "", worker.Transient(err)
	}
	return worker.ResultOK, nil
}

// handleEmbedProduct refreshes the embedding of a single product. The stored
// text hash short-circuits recomputation when the embedded text is
// unchanged.
func (p *Pipeline) handleEmbedProduct(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.EmbedProductPayload
	if err := task.Decode(&payload); err != nil {
		return "", err
	}
	if p.deps.Embedder == nil {
		p.logger.WarnContext(ctx, "embedding task without embedder", "tenant_id", task.TenantID)
		return worker.ResultSkipped, nil
	}
	tenant, err := p.activeTenant(ctx, task.TenantID)
	if skippable(err) {
		return worker.ResultSkipped, nil
	}
	if err != nil {
		return "", err
	}

	products, err := p.deps.Catalog.GetProductsByIDs(ctx, tenant.ID, []uuid.UUID{payload.ProductID})
	if err != nil {
		return "", err
	}
	if len(products) == 0 {
		return "", contracts.WithCode(contracts.CodeNotFound,
			fmt.Errorf("pipeline: product %s not found", payload.ProductID))
	}
	product := &products[0]
	model := tenant.Settings.EmbeddingModel

	if !payload.ForceRecompute {
		existing, err := p.deps.Catalog.GetEmbedding(ctx, tenant.ID, product.ID, model)
		if err == nil && existing.TextHash == product.EmbeddingTextHash() {
			return worker.ResultSkipped, nil
		}
	}

	vectors, err := p.embed(ctx, tenant, model, []string{product.EmbeddingText()})
	if errors.Is(err, budget.ErrExceeded) {
		p.logger.WarnContext(ctx, "embedding deferred, daily budget exhausted",
			"tenant_id", tenant.ID, "product_id", product.ID)
		return worker.ResultSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if err := p.upsertProductEmbedding(ctx, tenant.ID, product, model, vectors[0]); err != nil {
		return "", err
	}
	return worker.ResultOK, nil
}

// handleRebuildEmbeddings recomputes every stale product embedding for the
// tenant, batching provider calls. Typically enqueued after a catalog import
// or an embedding model change.
func (p *Pipeline) handleRebuildEmbeddings(ctx context.Context, task *worker.Task) (string, error) {
	var payload worker.RebuildEmbeddingsPayload
	if len(task.Payload) > 0 {
		if err := task.Decode(&payload); err != nil {
			return "", err
		}
	}
	if p.deps.Embedder == nil {
		p.logger.WarnContext(ctx, "embedding task without embedder", "tenant_id", task.TenantID)
		return worker.ResultSkipped, nil
	}
	tenant, err := p.activeTenant(ctx, task.TenantID)
	if skippable(err) {
		return worker.ResultSkipped, nil
	}
	if err != nil {
		return "", err
	}
	model := tenant.Settings.EmbeddingModel

	products, err := p.deps.Catalog.ListActiveProducts(ctx, tenant.ID)
	if err != nil {
		return "", err
	}
	stale := make([]*catalog.Product, 0, len(products))
	for i := range products {
		product := &products[i]
		if !payload.ForceRecompute {
			existing, err := p.deps.Catalog.GetEmbedding(ctx, tenant.ID, product.ID, model)
			if err == nil && existing.TextHash == product.EmbeddingTextHash() {
				continue
			}
		}
		stale = append(stale, product)
	}
	if len(stale) == 0 {
		return worker.ResultSkipped, nil
	}

	for start := 0; start < len(stale); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		batch := stale[start:end]
		texts := make([]string, len(batch))
		for i, product := range batch {
			texts[i] = product.EmbeddingText()
		}
		vectors, err := p.embed(ctx, tenant, model, texts)
		if errors.Is(err, budget.ErrExceeded) {
			// Upserted batches stay; the next rebuild resumes at the
			// remaining stale hashes.
			p.logger.WarnContext(ctx, "rebuild deferred, daily budget exhausted",
				"tenant_id", tenant.ID, "remaining", len(stale)-start)
			return worker.ResultSkipped, nil
		}
		if err != nil {
			return "", err
		}
		for i, product := range batch {
			if err := p.upsertProductEmbedding(ctx, tenant.ID, product, model, vectors[i]); err != nil {
				return "", err
			}
		}
	}
	p.logger.InfoContext(ctx, "embeddings rebuilt",
		"tenant_id", tenant.ID, "model", model, "recomputed", len(stale))
	return worker.ResultOK, nil
}

// embed calls the provider through the budget gate and the ledger:
// identical recent calls are served from the recorded output, fresh calls
// are budget-checked first and recorded with their cost.
func (p *Pipeline) embed(ctx context.Context, tenant *tenants.Tenant, model string, texts []string) ([][]float32, error) {
	tenantID := tenant.ID
	hash, err := ledger.InputHash(tenantID, ledger.CallEmbed, map[string]any{
		"model": model,
		"texts": texts,
	})
	if err != nil {
		return nil, err
	}
	if p.deps.Ledger != nil {
		if rec, err := p.deps.Ledger.FindReusable(ctx, tenantID, hash, ledger.ReuseWindow); err == nil {
			var vecs [][]float32
			if err := json.Unmarshal(rec.Output, &vecs); err == nil && len(vecs) == len(texts) {
				return vecs, nil
			}
		}
	}

	if p.deps.Budget != nil {
		var tokens int64
		for _, text := range texts {
			tokens += ai.EstimateTextTokens(text)
		}
		estimate := ai.CostMicros(ai.RateFor("openai", model), tokens, 0)
		if err := p.deps.Budget.Require(ctx, tenantID, tenant.Settings.DailyBudgetMicros, estimate); err != nil {
			return nil, fmt.Errorf("pipeline: embed products: %w", err)
		}
	}

	start := timeNow()
	res, err := p.deps.Embedder.Embed(ctx, ai.EmbedRequest{Model: model, Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed products: %w", err)
	}
	if len(res.Vectors) != len(texts) {
		return nil, fmt.Errorf("pipeline: embed returned %d vectors for %d inputs", len(res.Vectors), len(texts))
	}
	if p.deps.Ledger != nil {
		payload, merr := json.Marshal(res.Vectors)
		if merr == nil {
			rec := &ledger.CallRecord{
				TenantID:   tenantID,
				CallType:   ledger.CallEmbed,
				Provider:   "openai",
				Model:      res.Model,
				InputHash:  hash,
				Status:     ledger.StatusOK,
				TokensIn:   res.TokensIn,
				CostMicros: ai.CostMicros(ai.RateFor("openai", res.Model), res.TokensIn, 0),
				LatencyMS:  timeNow().Sub(start).Milliseconds(),
				Output:     payload,
			}
			if err := p.deps.Ledger.Record(ctx, rec); err != nil {
				p.logger.WarnContext(ctx, "embed call not recorded", "tenant_id", tenantID, "error", err)
			}
		}
	}
	return res.Vectors, nil
}

func (p *Pipeline) upsertProductEmbedding(ctx context.Context, tenantID uuid.UUID, product *catalog.Product, model string, vector []float32) error {
	return p.deps.Catalog.UpsertEmbedding(ctx, &catalog.ProductEmbedding{
		TenantID:  tenantID,
		ProductID: product.ID,
		Model:     model,
		Vector:    vector,
		TextHash:  product.EmbeddingTextHash(),
		SourcedAt: timeNow().UTC(),
	})
}

// handleRetentionSweep prunes aged rows for one tenant: soft-deleted drafts,
// extraction runs and ledger records past the retention window. Suspended
// tenants are swept too; retention is a compliance obligation, not a
// processing feature.
func (p *Pipeline) handleRetentionSweep(ctx context.Context, task *worker.Task) (string, error) {
	tenant, err := p.deps.Tenants.Get(ctx, task.TenantID)
	if err != nil {
		return "", err
	}
	days := tenant.Settings.RetentionDays
	if days <= 0 {
		days = tenants.DefaultRetentionDays
	}
	cutoff := timeNow().UTC().AddDate(0, 0, -days)

	drafts, err := p.deps.Drafts.PurgeDeletedBefore(ctx, tenant.ID, cutoff)
	if err != nil {
		return "", err
	}
	runs, err := p.deps.Runs.DeleteRunsBefore(ctx, tenant.ID, cutoff)
	if err != nil {
		return "", err
	}
	var calls int64
	if p.deps.Ledger != nil {
		if calls, err = p.deps.Ledger.DeleteOlderThan(ctx, tenant.ID, cutoff); err != nil {
			return "", err
		}
	}
	p.logger.InfoContext(ctx, "retention sweep done",
		"tenant_id", tenant.ID, "cutoff", cutoff,
		"drafts", drafts, "runs", runs, "ledger_calls", calls)
	return worker.ResultOK, nil
}
