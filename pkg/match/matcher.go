// Package match resolves draft lines to catalog products. A confirmed
// SKU mapping wins outright; everything else goes through a hybrid of
// trigram and vector similarity, discounted by unit-of-measure and
// price-tier plausibility. High-confidence winners are applied as
// suggestions, the rest stay unmatched with ranked candidates for the
// reviewer.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/budget"
	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/ledger"
	"github.com/orderflowhq/orderflow/pkg/tenants"
	"github.com/orderflowhq/orderflow/pkg/textutil"
)

// Scoring constants. The hybrid weights favor the lexical channel:
// customer SKUs are short and exact, embeddings catch paraphrased
// descriptions.
const (
	mappingConfidence = 0.99

	searchLimit         = 30
	lexicalThreshold    = 0.3
	descriptionDiscount = 0.7

	trigramWeight = 0.62
	vectorWeight  = 0.38

	uomPenaltyMissing      = 0.9
	uomPenaltyIncompatible = 0.2

	pricePenaltyNear = 0.85
	pricePenaltyFar  = 0.65

	// TopK candidates survive onto the draft line.
	TopK = 5
)

var timeNow = time.Now

// Query is one draft line to resolve.
type Query struct {
	CustomerID  uuid.UUID
	SKURaw      string
	Description string
	Qty         *decimal.Decimal
	UoM         string
	// UnitPriceMicros is nil when the document carried no price.
	UnitPriceMicros *int64
	Currency        string
	// OrderDate selects the price tier window; zero means today.
	OrderDate time.Time
}

// skuNorm is the mapping/search key for the raw customer SKU.
func (q *Query) skuNorm() string { return textutil.NormalizeSKU(q.SKURaw) }

// embeddingText is the canonical query embedded for vector search.
func (q *Query) embeddingText() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{q.skuNorm(), strings.TrimSpace(q.Description), q.UoM} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

// Outcome is the decision for one line. Err is set when this line's
// matching failed; the line is then unmatched but the batch goes on.
type Outcome struct {
	Status     contracts.MatchStatus
	Selected   *contracts.MatchCandidate
	Candidates []contracts.MatchCandidate
	// MappingID references the confirmed mapping that produced a
	// MATCHED outcome.
	MappingID *uuid.UUID
	Err       string
}

// Matcher scores catalog products against draft lines. Gate and ledger
// are optional; when present, query embeddings are budget-checked,
// recorded and reused like any other AI call.
type Matcher struct {
	store    catalog.Store
	embedder ai.Embedder
	gate     *budget.Gate
	ledger   ledger.Store
	log      *slog.Logger
}

func NewMatcher(store catalog.Store, embedder ai.Embedder, gate *budget.Gate, ledg ledger.Store, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		store:    store,
		embedder: embedder,
		gate:     gate,
		ledger:   ledg,
		log:      log.With("component", "match"),
	}
}

// MatchLines resolves a batch of lines. Query embeddings are computed
// in a single provider call; a failure in one line never fails the
// batch.
func (m *Matcher) MatchLines(ctx context.Context, tenantID uuid.UUID, settings tenants.Settings, queries []Query) ([]Outcome, error) {
	out := make([]Outcome, len(queries))
	if len(queries) == 0 {
		return out, nil
	}

	vectors, err := m.queryVectors(ctx, tenantID, settings, queries)
	if err != nil {
		// Vector search is an enrichment; lexical matching still works.
		m.log.WarnContext(ctx, "query embedding unavailable, lexical only",
			"tenant_id", tenantID, "error", err)
		vectors = nil
	}

	for i := range queries {
		var vec []float32
		if vectors != nil {
			vec = vectors[i]
		}
		o, err := m.matchOne(ctx, tenantID, settings, &queries[i], vec)
		if err != nil {
			m.log.ErrorContext(ctx, "line match failed",
				"tenant_id", tenantID, "line", i, "error", err)
			out[i] = Outcome{Status: contracts.MatchUnmatched, Err: err.Error()}
			continue
		}
		out[i] = *o
	}
	return out, nil
}

// MatchLine resolves a single line, embedding its query text on the
// spot. Used when a reviewer edits one line and wants it re-matched.
func (m *Matcher) MatchLine(ctx context.Context, tenantID uuid.UUID, settings tenants.Settings, q Query) (*Outcome, error) {
	outs, err := m.MatchLines(ctx, tenantID, settings, []Query{q})
	if err != nil {
		return nil, err
	}
	return &outs[0], nil
}

// matchOne runs the full pipeline for one line.
func (m *Matcher) matchOne(ctx context.Context, tenantID uuid.UUID, settings tenants.Settings, q *Query, queryVec []float32) (*Outcome, error) {
	skuNorm := q.skuNorm()

	// Confirmed mapping short-circuits everything else.
	if skuNorm != "" {
		mapping, err := m.store.FindConfirmedMapping(ctx, tenantID, q.CustomerID, skuNorm)
		switch {
		case err == nil:
			o, perr := m.fromMapping(ctx, tenantID, mapping)
			if perr != nil {
				return nil, perr
			}
			if o != nil {
				return o, nil
			}
			// Mapped product inactive: fall through to search.
		case !errors.Is(err, catalog.ErrNotFound):
			return nil, fmt.Errorf("match: mapping lookup: %w", err)
		}
	}

	cands, err := m.collect(ctx, tenantID, q, skuNorm, settings.EmbeddingModel, queryVec)
	if err != nil {
		return nil, err
	}
	scored := make([]contracts.MatchCandidate, 0, len(cands))
	for _, c := range cands {
		scored = append(scored, m.score(ctx, tenantID, q, c, settings.PriceTolerancePercent))
	}
	sortCandidates(scored)
	if len(scored) > TopK {
		scored = scored[:TopK]
	}

	o := &Outcome{Status: contracts.MatchUnmatched, Candidates: scored}
	if autoApply(scored, settings) {
		sel := scored[0]
		o.Status = contracts.MatchSuggested
		o.Selected = &sel
	}
	return o, nil
}

// fromMapping builds the MATCHED outcome for a confirmed mapping, or
// nil when the mapped product is gone or inactive.
func (m *Matcher) fromMapping(ctx context.Context, tenantID uuid.UUID, mapping *catalog.SKUMapping) (*Outcome, error) {
	p, err := m.store.GetProductBySKU(ctx, tenantID, mapping.InternalSKU)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: mapped product: %w", err)
	}
	if !p.Active {
		return nil, nil
	}
	cand := contracts.MatchCandidate{
		ProductID:   p.ID.String(),
		InternalSKU: p.InternalSKU,
		Name:        p.Name,
		Confidence:  mappingConfidence,
		Method:      contracts.MethodExactMapping,
	}
	id := mapping.ID
	if err := m.store.TouchMappingUse(ctx, tenantID, id); err != nil {
		m.log.WarnContext(ctx, "mapping use not recorded", "mapping_id", id, "error", err)
	}
	return &Outcome{
		Status:     contracts.MatchMatched,
		Selected:   &cand,
		Candidates: []contracts.MatchCandidate{cand},
		MappingID:  &id,
	}, nil
}

// rawCandidate accumulates channel scores for one product before
// penalties.
type rawCandidate struct {
	product catalog.Product
	triSKU  float64
	triDesc float64
	cosine  float64
	hasVec  bool
}

// collect unions the lexical and vector channels keyed by product.
func (m *Matcher) collect(ctx context.Context, tenantID uuid.UUID, q *Query, skuNorm, model string, queryVec []float32) (map[uuid.UUID]*rawCandidate, error) {
	cands := make(map[uuid.UUID]*rawCandidate)
	get := func(p catalog.Product) *rawCandidate {
		c, ok := cands[p.ID]
		if !ok {
			c = &rawCandidate{product: p}
			cands[p.ID] = c
		}
		return c
	}

	if skuNorm != "" {
		hits, err := m.store.SearchProductsBySKU(ctx, tenantID, skuNorm, lexicalThreshold, searchLimit)
		if err != nil {
			return nil, fmt.Errorf("match: sku search: %w", err)
		}
		for _, h := range hits {
			get(h.Product).triSKU = h.Similarity
		}
	}
	if desc := strings.TrimSpace(q.Description); desc != "" {
		hits, err := m.store.SearchProductsByText(ctx, tenantID, desc, lexicalThreshold, searchLimit)
		if err != nil {
			return nil, fmt.Errorf("match: text search: %w", err)
		}
		for _, h := range hits {
			get(h.Product).triDesc = h.Similarity
		}
	}

	if len(queryVec) > 0 {
		hits, err := m.store.SearchEmbeddings(ctx, tenantID, model, queryVec, searchLimit)
		if err != nil {
			return nil, fmt.Errorf("match: vector search: %w", err)
		}
		if len(hits) > 0 {
			ids := make([]uuid.UUID, 0, len(hits))
			for _, h := range hits {
				ids = append(ids, h.ProductID)
			}
			products, err := m.store.GetProductsByIDs(ctx, tenantID, ids)
			if err != nil {
				return nil, fmt.Errorf("match: vector products: %w", err)
			}
			byID := make(map[uuid.UUID]catalog.Product, len(products))
			for i := range products {
				byID[products[i].ID] = products[i]
			}
			for _, h := range hits {
				p, ok := byID[h.ProductID]
				if !ok || !p.Active {
					continue
				}
				c := get(p)
				c.cosine = h.Cosine
				c.hasVec = true
			}
		}
	}
	return cands, nil
}

// score turns channel similarities into a penalized confidence.
func (m *Matcher) score(ctx context.Context, tenantID uuid.UUID, q *Query, c *rawCandidate, tolPercent float64) contracts.MatchCandidate {
	sTri := c.triSKU
	if d := descriptionDiscount * c.triDesc; d > sTri {
		sTri = d
	}
	var sEmb float64
	if c.hasVec {
		sEmb = clamp01((1 + c.cosine) / 2)
	}
	hybrid := trigramWeight*sTri + vectorWeight*sEmb

	method := contracts.MethodHybrid
	switch {
	case sTri > 0 && !c.hasVec:
		method = contracts.MethodTrigram
	case sTri == 0 && c.hasVec:
		method = contracts.MethodVector
	}

	pUoM := uomPenalty(&c.product, q.UoM)
	pPrice := m.pricePenalty(ctx, tenantID, q, c.product.InternalSKU, tolPercent)

	return contracts.MatchCandidate{
		ProductID:    c.product.ID.String(),
		InternalSKU:  c.product.InternalSKU,
		Name:         c.product.Name,
		Confidence:   clamp01(hybrid * pUoM * pPrice),
		Method:       method,
		Trigram:      sTri,
		Vector:       sEmb,
		UoMPenalty:   pUoM,
		PricePenalty: pPrice,
	}
}

func uomPenalty(p *catalog.Product, uom string) float64 {
	switch {
	case uom == "":
		return uomPenaltyMissing
	case p.AcceptsUoM(uom):
		return 1.0
	default:
		return uomPenaltyIncompatible
	}
}

// pricePenalty compares the line price against the customer's tier,
// relative to the tier price. No tier, no line price, or a lookup
// failure leaves the score alone: price evidence discounts, absence of
// it never does.
func (m *Matcher) pricePenalty(ctx context.Context, tenantID uuid.UUID, q *Query, internalSKU string, tolPercent float64) float64 {
	if q.UnitPriceMicros == nil || q.Currency == "" {
		return 1.0
	}
	qty := decimal.NewFromInt(1)
	if q.Qty != nil && q.Qty.IsPositive() {
		qty = *q.Qty
	}
	at := q.OrderDate
	if at.IsZero() {
		at = timeNow().UTC()
	}
	tier, err := m.store.FindPriceTier(ctx, tenantID, q.CustomerID, internalSKU, q.Currency, qty, at)
	if errors.Is(err, catalog.ErrNotFound) {
		return 1.0
	}
	if err != nil {
		m.log.WarnContext(ctx, "price tier lookup failed",
			"tenant_id", tenantID, "sku", internalSKU, "error", err)
		return 1.0
	}
	if tier.PriceMicros == 0 {
		return 1.0
	}
	dev := math.Abs(float64(*q.UnitPriceMicros-tier.PriceMicros)) / math.Abs(float64(tier.PriceMicros))
	tol := tolPercent / 100
	switch {
	case dev <= tol:
		return 1.0
	case dev <= 2*tol:
		return pricePenaltyNear
	default:
		return pricePenaltyFar
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortCandidates(cands []contracts.MatchCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		return cands[i].InternalSKU < cands[j].InternalSKU
	})
}

func autoApply(cands []contracts.MatchCandidate, settings tenants.Settings) bool {
	if len(cands) == 0 {
		return false
	}
	if cands[0].Confidence < settings.AutoApplyThreshold {
		return false
	}
	if len(cands) == 1 {
		return true
	}
	return cands[0].Confidence-cands[1].Confidence >= settings.AutoApplyGap
}

// queryVectors embeds every line's query text in one batch call. The
// whole batch is one ledger entry; an identical batch within the reuse
// window skips the provider.
func (m *Matcher) queryVectors(ctx context.Context, tenantID uuid.UUID, settings tenants.Settings, queries []Query) ([][]float32, error) {
	if m.embedder == nil {
		return nil, nil
	}
	ok, err := m.store.HasEmbeddings(ctx, tenantID, settings.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("match: embeddings presence: %w", err)
	}
	if !ok {
		return nil, nil
	}

	texts := make([]string, len(queries))
	nonEmpty := false
	for i := range queries {
		texts[i] = queries[i].embeddingText()
		if texts[i] != "" {
			nonEmpty = true
		}
	}
	if !nonEmpty {
		return nil, nil
	}

	hash, err := ledger.InputHash(tenantID, ledger.CallEmbed, map[string]any{
		"model": settings.EmbeddingModel,
		"texts": texts,
	})
	if err != nil {
		return nil, err
	}
	if m.ledger != nil {
		if rec, err := m.ledger.FindReusable(ctx, tenantID, hash, ledger.ReuseWindow); err == nil {
			var vecs [][]float32
			if err := json.Unmarshal(rec.Output, &vecs); err == nil && len(vecs) == len(queries) {
				return vecs, nil
			}
		}
	}

	if m.gate != nil {
		var tokens int64
		for _, text := range texts {
			tokens += ai.EstimateTextTokens(text)
		}
		estimate := ai.CostMicros(ai.RateFor("openai", settings.EmbeddingModel), tokens, 0)
		if err := m.gate.Require(ctx, tenantID, settings.DailyBudgetMicros, estimate); err != nil {
			return nil, fmt.Errorf("match: embed queries: %w", err)
		}
	}

	start := timeNow()
	res, err := m.embedder.Embed(ctx, ai.EmbedRequest{Model: settings.EmbeddingModel, Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("match: embed queries: %w", err)
	}
	if len(res.Vectors) != len(queries) {
		return nil, fmt.Errorf("match: embed returned %d vectors for %d inputs", len(res.Vectors), len(queries))
	}
	if m.ledger != nil {
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
			if err := m.ledger.Record(ctx, rec); err != nil {
				m.log.WarnContext(ctx, "embed call not recorded", "error", err)
			}
		}
	}
	return res.Vectors, nil
}
