package extract

import (
	"strings"
	"time"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// headerScanRows bounds how deep into a sheet the column header row is
// searched; order files put the table near the top.
const headerScanRows = 40

// extractTable is the shared rule engine for CSV, XLSX and positioned
// PDF rows: find the column header row, harvest label/value header
// fields above it, detect the number format from the data cells, then
// build canonical lines.
func extractTable(rows [][]string, version string) *contracts.CanonicalOutput {
	o := &contracts.CanonicalOutput{ExtractorVersion: version}

	headerIdx, cols := findColumnHeader(rows)
	if cols == nil {
		harvestHeaderFields(o, rows)
		o.Warnf(contracts.WarnNoLines, 0, "no recognizable line table")
		fillConfidence(o)
		return o
	}
	harvestHeaderFields(o, rows[:headerIdx])

	data := rows[headerIdx+1:]
	format, ambiguous := detectNumberFormat(numericSamples(data, cols))
	if ambiguous {
		o.Warnf(contracts.WarnAmbiguousNumberFormat, 0,
			"mixed decimal separators, assuming %s", formatName(format))
	}

	for _, row := range data {
		sku := cols.cell(row, fieldSKU)
		desc := cols.cell(row, fieldDescription)
		if sku == "" && desc == "" {
			continue
		}
		line := contracts.CanonicalLine{
			CustomerSKURaw:     sku,
			ProductDescription: desc,
		}
		if raw := cols.cell(row, fieldQty); raw != "" {
			if d, ok := parseLocalizedDecimal(raw, format); ok && d.Sign() != 0 {
				line.Qty = &d
			}
		}
		if raw := cols.cell(row, fieldUoM); raw != "" {
			if c, ok := aliases.canonicalUoM(raw); ok {
				line.UoM = c
			} else {
				o.Warnf(contracts.WarnUnknownUoM, len(o.Lines)+1, "unknown unit %q", raw)
			}
		}
		if raw := cols.cell(row, fieldUnitPrice); raw != "" {
			if d, ok := parseLocalizedDecimal(raw, format); ok {
				micros := contracts.MicrosFromDecimal(d)
				line.UnitPriceMicros = &micros
			}
		}
		o.Lines = append(o.Lines, line)
	}
	o.RenumberLines()

	if o.Order.Currency == "" {
		o.Order.Currency = sniffCurrency(data, cols)
	}
	if len(o.Lines) == 0 {
		o.Warnf(contracts.WarnNoLines, 0, "line table present but empty")
	}
	fillConfidence(o)
	return o
}

// findColumnHeader scans the leading rows for the first one that maps
// to known line fields.
func findColumnHeader(rows [][]string) (int, columnMap) {
	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}
	for i := 0; i < limit; i++ {
		if m, ok := mapColumns(rows[i]); ok {
			return i, m
		}
	}
	return 0, nil
}

// harvestHeaderFields reads label/value pairs from the free-form rows
// above the line table: either "Label: value" inside one cell or a
// label cell followed by a value cell.
func harvestHeaderFields(o *contracts.CanonicalOutput, rows [][]string) {
	for _, row := range rows {
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if label, value, ok := strings.Cut(cell, ":"); ok {
				applyHeaderField(o, label, strings.TrimSpace(value))
				continue
			}
			if field := aliases.headerField(cell); field != "" {
				applyHeaderField(o, cell, nextNonEmpty(row, i+1))
			}
		}
	}
}

func nextNonEmpty(row []string, from int) string {
	for _, c := range row[from:] {
		if v := strings.TrimSpace(c); v != "" {
			return v
		}
	}
	return ""
}

func applyHeaderField(o *contracts.CanonicalOutput, label, value string) {
	if value == "" {
		return
	}
	switch aliases.headerField(label) {
	case fieldOrderNumber:
		if o.Order.ExternalOrderNumber == "" {
			o.Order.ExternalOrderNumber = value
		}
	case fieldOrderDate:
		if o.Order.OrderDate == "" {
			o.Order.OrderDate = normalizeDate(value)
		}
	case fieldCurrency:
		if o.Order.Currency == "" {
			o.Order.Currency = normalizeCurrency(value)
		}
	case fieldDeliveryDate:
		if o.Order.RequestedDeliveryDate == "" {
			o.Order.RequestedDeliveryDate = normalizeDate(value)
		}
	case fieldReference:
		if !strings.Contains(o.Order.Notes, value) {
			o.Order.Notes = joinNote(o.Order.Notes, "Ref: "+value)
		}
	}
}

func joinNote(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}

// dateLayouts in resolution order. European day-first conventions win
// over US month-first for slash dates.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02.01.06",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
	"2 January 2006",
	"January 2, 2006",
}

// normalizeDate renders a recognized date as ISO YYYY-MM-DD, "" when
// no layout fits.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// currencySymbols maps symbols and common spellings to ISO codes.
var currencySymbols = map[string]string{
	"€": "EUR", "$": "USD", "£": "GBP", "chf": "CHF", "fr.": "CHF",
}

func normalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	if code, ok := currencySymbols[strings.ToLower(s)]; ok {
		return code
	}
	up := strings.ToUpper(s)
	if contracts.ValidCurrency(up) {
		return up
	}
	return ""
}

// sniffCurrency looks for a currency marker inside price cells when no
// header field declared one.
func sniffCurrency(data [][]string, cols columnMap) string {
	for _, row := range data {
		for _, field := range []string{fieldUnitPrice, fieldLineTotal} {
			cell := cols.cell(row, field)
			if cell == "" {
				continue
			}
			for marker, code := range currencySymbols {
				if strings.Contains(strings.ToLower(cell), marker) {
					return code
				}
			}
			for _, code := range []string{"EUR", "USD", "GBP", "CHF"} {
				if strings.Contains(strings.ToUpper(cell), code) {
					return code
				}
			}
		}
	}
	return ""
}

// numericSamples gathers raw qty/price/total cells for number-format
// detection.
func numericSamples(data [][]string, cols columnMap) []string {
	var out []string
	for _, row := range data {
		for _, field := range []string{fieldQty, fieldUnitPrice, fieldLineTotal} {
			if c := cols.cell(row, field); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func formatName(f numberFormat) string {
	if f == formatComma {
		return "comma decimals"
	}
	return "dot decimals"
}

// fillConfidence populates presence-based per-field confidences. Rule
// extractors are deterministic: a field is either there or it is not.
func fillConfidence(o *contracts.CanonicalOutput) {
	o.Confidence.Order = map[string]float64{
		"external_order_number": presence(o.Order.ExternalOrderNumber),
		"order_date":            presence(o.Order.OrderDate),
		"currency":              presence(o.Order.Currency),
	}
	o.Confidence.Lines = make([]map[string]float64, len(o.Lines))
	for i := range o.Lines {
		l := &o.Lines[i]
		qty := 0.0
		if l.Qty != nil {
			qty = 1.0
		}
		o.Confidence.Lines[i] = map[string]float64{
			"sku":         presence(l.CustomerSKURaw),
			"qty":         qty,
			"description": presence(l.ProductDescription),
		}
	}
}

func presence(s string) float64 {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return 1
}
