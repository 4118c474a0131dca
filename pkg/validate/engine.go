package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// Engine evaluates all rules for a draft and reconciles the stored
// issues with the fresh findings.
type Engine struct {
	issues   IssueStore
	products catalog.ProductStore
	prices   catalog.PriceStore
	custom   *CustomRuleEvaluator
	log      *slog.Logger
}

// Result is one validation run: the issue set after reconciliation and
// the derived ready check.
type Result struct {
	Issues []Issue
	Ready  contracts.ReadyCheck
}

func NewEngine(issues IssueStore, products catalog.ProductStore, prices catalog.PriceStore, custom *CustomRuleEvaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		issues:   issues,
		products: products,
		prices:   prices,
		custom:   custom,
		log:      log.With("component", "validate"),
	}
}

// Run evaluates the draft and synchronizes stored issues:
//
//   - findings that reproduce replace their OPEN predecessors,
//   - OPEN and ACKNOWLEDGED issues that no longer reproduce resolve
//     automatically with no actor,
//   - ACKNOWLEDGED and OVERRIDDEN issues that still reproduce stay as
//     they are instead of gaining an OPEN duplicate.
func (e *Engine) Run(ctx context.Context, settings tenants.Settings, d *draft.Draft) (*Result, error) {
	in, err := e.buildInput(ctx, settings, d)
	if err != nil {
		return nil, err
	}

	findings := e.evaluate(in)

	existing, err := e.issues.ListIssues(ctx, d.TenantID, d.ID)
	if err != nil {
		return nil, fmt.Errorf("validate: list issues: %w", err)
	}

	freshKeys := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		freshKeys[findingKey(d.ID, f)] = struct{}{}
	}

	var resolve, remove []uuid.UUID
	suppressed := make(map[string]struct{})
	for i := range existing {
		is := &existing[i]
		_, reproduces := freshKeys[is.entityKey()]
		switch is.Status {
		case contracts.IssueOpen:
			if reproduces {
				remove = append(remove, is.ID)
			} else {
				resolve = append(resolve, is.ID)
			}
		case contracts.IssueAcknowledged:
			if reproduces {
				suppressed[is.entityKey()] = struct{}{}
			} else {
				resolve = append(resolve, is.ID)
			}
		case contracts.IssueOverridden:
			if reproduces {
				suppressed[is.entityKey()] = struct{}{}
			}
		}
	}

	if len(resolve) > 0 {
		if err := e.issues.AutoResolve(ctx, d.TenantID, resolve); err != nil {
			return nil, fmt.Errorf("validate: auto-resolve: %w", err)
		}
	}
	if len(remove) > 0 {
		if err := e.issues.DeleteIssues(ctx, d.TenantID, remove); err != nil {
			return nil, fmt.Errorf("validate: delete open issues: %w", err)
		}
	}

	now := timeNow().UTC()
	var insert []Issue
	for _, f := range findings {
		if _, skip := suppressed[findingKey(d.ID, f)]; skip {
			continue
		}
		insert = append(insert, Issue{
			ID:        uuid.New(),
			TenantID:  d.TenantID,
			DraftID:   d.ID,
			LineID:    f.LineID,
			Type:      f.Type,
			Severity:  f.Severity,
			Status:    contracts.IssueOpen,
			Message:   f.Message,
			Details:   f.Details,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(insert) > 0 {
		if err := e.issues.InsertIssues(ctx, insert); err != nil {
			return nil, fmt.Errorf("validate: insert issues: %w", err)
		}
	}

	all, err := e.issues.ListIssues(ctx, d.TenantID, d.ID)
	if err != nil {
		return nil, fmt.Errorf("validate: reload issues: %w", err)
	}
	ready := Readiness(all)
	e.log.Info("validation run finished",
		"tenant_id", d.TenantID, "draft_id", d.ID,
		"findings", len(findings), "resolved", len(resolve), "is_ready", ready.IsReady)
	return &Result{Issues: all, Ready: ready}, nil
}

// Readiness derives the approval gate from an issue set: ready means
// no ERROR issue is still blocking (OPEN or ACKNOWLEDGED).
func Readiness(issues []Issue) contracts.ReadyCheck {
	blocking := make(map[string]struct{})
	for i := range issues {
		is := &issues[i]
		if is.Severity == contracts.SeverityError && is.Status.Blocking() {
			blocking[is.Type] = struct{}{}
		}
	}
	reasons := make([]string, 0, len(blocking))
	for t := range blocking {
		reasons = append(reasons, t)
	}
	sort.Strings(reasons)
	rc := contracts.ReadyCheck{
		IsReady:   len(reasons) == 0,
		CheckedAt: timeNow().UTC(),
	}
	if len(reasons) > 0 {
		rc.BlockingReasons = reasons
	}
	return rc
}

// evaluate runs built-in and custom rules, isolating each one: a
// panicking or failing rule becomes a single WARNING finding.
func (e *Engine) evaluate(in *Input) []Finding {
	var out []Finding
	for _, rule := range BuiltinRules() {
		out = append(out, e.runIsolated(rule, in)...)
	}
	if e.custom != nil && len(in.Settings.CustomRules) > 0 {
		out = append(out, e.custom.Evaluate(in)...)
	}
	return out
}

func (e *Engine) runIsolated(rule Rule, in *Input) (out []Finding) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("validation rule panicked", "rule", rule.Name, "panic", fmt.Sprint(r))
			out = []Finding{ruleFailure(rule.Name, fmt.Errorf("panic: %v", r))}
		}
	}()
	return rule.Check(in)
}

// buildInput preloads the catalog rows the rules need so the rules
// themselves stay pure.
func (e *Engine) buildInput(ctx context.Context, settings tenants.Settings, d *draft.Draft) (*Input, error) {
	in := &Input{
		Draft:         d,
		Settings:      settings,
		ProductsBySKU: make(map[string]*catalog.Product),
		PriceByLine:   make(map[uuid.UUID]*catalog.CustomerPrice),
	}

	seen := make(map[string]struct{})
	var skus []string
	for i := range d.Lines {
		sku := d.Lines[i].InternalSKU
		if sku == "" {
			continue
		}
		if _, done := seen[sku]; done {
			continue
		}
		seen[sku] = struct{}{}
		skus = append(skus, sku)
	}
	if len(skus) > 0 {
		products, err := e.products.GetProductsBySKUs(ctx, d.TenantID, skus)
		if err != nil {
			return nil, fmt.Errorf("validate: load products: %w", err)
		}
		for i := range products {
			in.ProductsBySKU[products[i].InternalSKU] = &products[i]
		}
	}

	if d.CustomerID == nil {
		return in, nil
	}
	// Price tiers are evaluated at the order date, today when absent.
	at := timeNow().UTC()
	if d.OrderDate != nil {
		at = *d.OrderDate
	}
	for i := range d.Lines {
		l := &d.Lines[i]
		if l.InternalSKU == "" || l.Qty == nil || l.UnitPriceMicros == nil {
			continue
		}
		tier, err := e.prices.FindPriceTier(ctx, d.TenantID, *d.CustomerID, l.InternalSKU, d.Currency, *l.Qty, at)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("validate: load price tier for %q: %w", l.InternalSKU, err)
		}
		in.PriceByLine[l.ID] = tier
	}
	return in, nil
}
