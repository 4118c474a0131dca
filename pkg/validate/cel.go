package validate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// CustomRuleEvaluator runs tenant-defined CEL predicates over drafts
// and lines. Compiled programs are cached by expression; a bad
// expression demotes to one WARNING finding instead of failing the
// run.
type CustomRuleEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCustomRuleEvaluator builds the CEL environment with the draft and
// line inputs as dynamic maps.
func NewCustomRuleEvaluator() (*CustomRuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("draft", cel.DynType),
		cel.Variable("line", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("validate: cel environment: %w", err)
	}
	return &CustomRuleEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs every custom rule in settings against the draft.
// Scope "draft" evaluates once, scope "line" once per line. A true
// predicate raises a CUSTOM_<NAME> finding.
func (e *CustomRuleEvaluator) Evaluate(in *Input) []Finding {
	var out []Finding
	draftMap := draftActivation(in.Draft)
	for _, rule := range in.Settings.CustomRules {
		out = append(out, e.evaluateRule(rule, in.Draft, draftMap)...)
	}
	return out
}

func (e *CustomRuleEvaluator) evaluateRule(rule tenants.CustomRule, d *draft.Draft, draftMap map[string]any) []Finding {
	prg, err := e.program(rule.Expr)
	if err != nil {
		return []Finding{ruleFailure(rule.Name, err)}
	}

	issueType := customTypePrefix + strings.ToUpper(rule.Name)
	severity := rule.Severity
	if severity == "" {
		severity = contracts.SeverityWarning
	}

	if rule.Scope != tenants.RuleScopeLine {
		hit, err := evalBool(prg, map[string]any{"draft": draftMap, "line": map[string]any{}})
		if err != nil {
			return []Finding{ruleFailure(rule.Name, err)}
		}
		if !hit {
			return nil
		}
		return []Finding{{
			Type:     issueType,
			Severity: severity,
			Message:  fmt.Sprintf("custom rule %q matched the draft", rule.Name),
			Details:  map[string]any{"rule": rule.Name},
		}}
	}

	var out []Finding
	for i := range d.Lines {
		l := &d.Lines[i]
		hit, err := evalBool(prg, map[string]any{"draft": draftMap, "line": lineActivation(l)})
		if err != nil {
			return append(out, ruleFailure(rule.Name, err))
		}
		if !hit {
			continue
		}
		out = append(out, Finding{
			Type:     issueType,
			Severity: severity,
			LineID:   lineRef(l),
			Message:  fmt.Sprintf("custom rule %q matched line %d", rule.Name, l.LineNo),
			Details:  map[string]any{"rule": rule.Name, "line_no": l.LineNo},
		})
	}
	return out
}

// program compiles and caches the expression. Double-checked under the
// write lock so concurrent runs compile once.
func (e *CustomRuleEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func evalBool(prg cel.Program, input map[string]any) (bool, error) {
	val, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: expression is not a boolean, got %T", val.Value())
	}
	return b, nil
}

func ruleFailure(name string, err error) Finding {
	return Finding{
		Type:     TypeRuleFailed,
		Severity: contracts.SeverityWarning,
		Message:  fmt.Sprintf("custom rule %q failed: %v", name, err),
		Details:  map[string]any{"rule": name, "error": err.Error()},
	}
}

// draftActivation exposes the header fields custom rules may inspect.
func draftActivation(d *draft.Draft) map[string]any {
	m := map[string]any{
		"status":                string(d.Status),
		"currency":              d.Currency,
		"external_order_number": d.ExternalOrderNumber,
		"notes":                 d.Notes,
		"line_count":            len(d.Lines),
		"overall_confidence":    d.OverallConfidence,
		"has_customer":          d.CustomerID != nil,
	}
	if d.CustomerID != nil {
		m["customer_id"] = d.CustomerID.String()
	}
	if d.OrderDate != nil {
		m["order_date"] = d.OrderDate.Format("2006-01-02")
	}
	if d.RequestedDeliveryDate != nil {
		m["requested_delivery_date"] = d.RequestedDeliveryDate.Format("2006-01-02")
	}
	return m
}

func lineActivation(l *draft.Line) map[string]any {
	m := map[string]any{
		"line_no":          l.LineNo,
		"internal_sku":     l.InternalSKU,
		"customer_sku":     l.CustomerSKURaw,
		"description":      l.Description,
		"uom":              l.UoM,
		"currency":         l.Currency,
		"match_status":     string(l.MatchStatus),
		"match_confidence": l.MatchConfidence,
	}
	if l.Qty != nil {
		qty, _ := l.Qty.Float64()
		m["qty"] = qty
	}
	if l.UnitPriceMicros != nil {
		m["unit_price_micros"] = *l.UnitPriceMicros
	}
	return m
}
