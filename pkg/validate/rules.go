package validate

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// Input is the immutable view a rule sees: the draft with lines, the
// catalog rows the engine preloaded and the tenant settings. Rules
// never touch stores.
type Input struct {
	Draft    *draft.Draft
	Settings tenants.Settings
	// ProductsBySKU holds the active-catalog lookup for every internal
	// SKU referenced by a line. Missing entries mean unknown product.
	ProductsBySKU map[string]*catalog.Product
	// PriceByLine holds the applicable customer price tier per line id,
	// when one exists.
	PriceByLine map[uuid.UUID]*catalog.CustomerPrice
}

// Finding is one rule hit before persistence.
type Finding struct {
	Type     string
	Severity contracts.IssueSeverity
	LineID   *uuid.UUID
	Message  string
	Details  map[string]any
}

// Rule is a pure check over the input.
type Rule struct {
	Name  string
	Check func(in *Input) []Finding
}

// BuiltinRules returns the standard rule set in evaluation order.
func BuiltinRules() []Rule {
	return []Rule{
		{Name: "missing_customer", Check: checkMissingCustomer},
		{Name: "missing_currency", Check: checkMissingCurrency},
		{Name: "missing_sku", Check: checkMissingSKU},
		{Name: "unknown_product", Check: checkUnknownProduct},
		{Name: "qty", Check: checkQty},
		{Name: "uom", Check: checkUoM},
		{Name: "price", Check: checkPrice},
		{Name: "duplicate_line", Check: checkDuplicateLine},
		{Name: "currency_consistency", Check: checkCurrencyConsistency},
	}
}

func lineRef(l *draft.Line) *uuid.UUID {
	id := l.ID
	return &id
}

func checkMissingCustomer(in *Input) []Finding {
	if in.Draft.CustomerID != nil {
		return nil
	}
	return []Finding{{
		Type:     TypeMissingCustomer,
		Severity: contracts.SeverityError,
		Message:  "no customer assigned to the draft",
	}}
}

func checkMissingCurrency(in *Input) []Finding {
	if in.Draft.Currency != "" {
		return nil
	}
	return []Finding{{
		Type:     TypeMissingCurrency,
		Severity: contracts.SeverityError,
		Message:  "draft has no currency",
	}}
}

func checkMissingSKU(in *Input) []Finding {
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.InternalSKU != "" {
			continue
		}
		out = append(out, Finding{
			Type:     TypeMissingSKU,
			Severity: contracts.SeverityError,
			LineID:   lineRef(l),
			Message:  fmt.Sprintf("line %d has no internal SKU", l.LineNo),
			Details:  map[string]any{"line_no": l.LineNo, "customer_sku": l.CustomerSKURaw},
		})
	}
	return out
}

func checkUnknownProduct(in *Input) []Finding {
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.InternalSKU == "" {
			continue
		}
		p, ok := in.ProductsBySKU[l.InternalSKU]
		if ok && p.Active {
			continue
		}
		msg := fmt.Sprintf("line %d: internal SKU %q is not in the catalog", l.LineNo, l.InternalSKU)
		if ok {
			msg = fmt.Sprintf("line %d: product %q is inactive", l.LineNo, l.InternalSKU)
		}
		out = append(out, Finding{
			Type:     TypeUnknownProduct,
			Severity: contracts.SeverityError,
			LineID:   lineRef(l),
			Message:  msg,
			Details:  map[string]any{"line_no": l.LineNo, "internal_sku": l.InternalSKU},
		})
	}
	return out
}

func checkQty(in *Input) []Finding {
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.Qty == nil {
			out = append(out, Finding{
				Type:     TypeMissingQty,
				Severity: contracts.SeverityError,
				LineID:   lineRef(l),
				Message:  fmt.Sprintf("line %d has no quantity", l.LineNo),
				Details:  map[string]any{"line_no": l.LineNo},
			})
			continue
		}
		if l.Qty.Sign() <= 0 {
			out = append(out, Finding{
				Type:     TypeInvalidQty,
				Severity: contracts.SeverityError,
				LineID:   lineRef(l),
				Message:  fmt.Sprintf("line %d quantity %s is not positive", l.LineNo, l.Qty),
				Details:  map[string]any{"line_no": l.LineNo, "qty": l.Qty.String()},
			})
		}
	}
	return out
}

func checkUoM(in *Input) []Finding {
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.UoM == "" {
			out = append(out, Finding{
				Type:     TypeMissingUoM,
				Severity: contracts.SeverityError,
				LineID:   lineRef(l),
				Message:  fmt.Sprintf("line %d has no unit of measure", l.LineNo),
				Details:  map[string]any{"line_no": l.LineNo},
			})
			continue
		}
		if !contracts.IsCanonicalUoM(l.UoM) {
			out = append(out, Finding{
				Type:     TypeUnknownUoM,
				Severity: contracts.SeverityError,
				LineID:   lineRef(l),
				Message:  fmt.Sprintf("line %d unit %q is not a canonical unit", l.LineNo, l.UoM),
				Details:  map[string]any{"line_no": l.LineNo, "uom": l.UoM},
			})
			continue
		}
		p, ok := in.ProductsBySKU[l.InternalSKU]
		if !ok || l.InternalSKU == "" {
			continue
		}
		if !p.AcceptsUoM(l.UoM) {
			out = append(out, Finding{
				Type:     TypeUoMIncompatible,
				Severity: contracts.SeverityError,
				LineID:   lineRef(l),
				Message: fmt.Sprintf("line %d unit %q does not convert to base unit %q of %s",
					l.LineNo, l.UoM, p.BaseUoM, p.InternalSKU),
				Details: map[string]any{"line_no": l.LineNo, "uom": l.UoM, "base_uom": p.BaseUoM},
			})
		}
	}
	return out
}

func checkPrice(in *Input) []Finding {
	tol := in.Settings.PriceTolerancePercent / 100
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.UnitPriceMicros == nil {
			out = append(out, Finding{
				Type:     TypeMissingPrice,
				Severity: contracts.SeverityWarning,
				LineID:   lineRef(l),
				Message:  fmt.Sprintf("line %d has no unit price", l.LineNo),
				Details:  map[string]any{"line_no": l.LineNo},
			})
			continue
		}
		tier, ok := in.PriceByLine[l.ID]
		if !ok || tier == nil || tier.PriceMicros == 0 {
			continue
		}
		linePrice := decimal.NewFromInt(*l.UnitPriceMicros)
		tierPrice := decimal.NewFromInt(tier.PriceMicros)
		delta, _ := linePrice.Sub(tierPrice).Abs().Div(tierPrice).Float64()
		if delta <= tol {
			continue
		}
		out = append(out, Finding{
			Type:     TypePriceMismatch,
			Severity: in.Settings.PriceMismatchSeverity,
			LineID:   lineRef(l),
			Message: fmt.Sprintf("line %d price deviates %.1f%% from the agreed tier",
				l.LineNo, delta*100),
			Details: map[string]any{
				"line_no":           l.LineNo,
				"unit_price_micros": *l.UnitPriceMicros,
				"tier_price_micros": tier.PriceMicros,
				"deviation":         delta,
			},
		})
	}
	return out
}

func checkDuplicateLine(in *Input) []Finding {
	type key struct {
		sku, qty, uom string
	}
	seen := make(map[key]int)
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.InternalSKU == "" || l.Qty == nil {
			continue
		}
		k := key{sku: l.InternalSKU, qty: l.Qty.String(), uom: l.UoM}
		if first, dup := seen[k]; dup {
			out = append(out, Finding{
				Type:     TypeDuplicateLine,
				Severity: contracts.SeverityWarning,
				LineID:   lineRef(l),
				Message: fmt.Sprintf("line %d duplicates line %d (%s, qty %s %s)",
					l.LineNo, first, l.InternalSKU, l.Qty, l.UoM),
				Details: map[string]any{"line_no": l.LineNo, "duplicate_of": first},
			})
			continue
		}
		seen[k] = l.LineNo
	}
	return out
}

func checkCurrencyConsistency(in *Input) []Finding {
	if in.Draft.Currency == "" {
		return nil
	}
	var out []Finding
	for i := range in.Draft.Lines {
		l := &in.Draft.Lines[i]
		if l.Currency == "" || l.Currency == in.Draft.Currency {
			continue
		}
		out = append(out, Finding{
			Type:     TypeCurrencyMismatch,
			Severity: contracts.SeverityWarning,
			LineID:   lineRef(l),
			Message: fmt.Sprintf("line %d currency %s differs from order currency %s",
				l.LineNo, l.Currency, in.Draft.Currency),
			Details: map[string]any{"line_no": l.LineNo, "line_currency": l.Currency},
		})
	}
	return out
}
