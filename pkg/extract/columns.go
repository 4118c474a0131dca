package extract

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Canonical tabular field names.
const (
	fieldSKU         = "sku"
	fieldDescription = "description"
	fieldQty         = "qty"
	fieldUoM         = "uom"
	fieldUnitPrice   = "unit_price"
	fieldLineTotal   = "line_total"
	fieldLineNo      = "line_no"

	fieldOrderNumber  = "order_number"
	fieldOrderDate    = "order_date"
	fieldCurrency     = "currency"
	fieldDeliveryDate = "delivery_date"
	fieldReference    = "reference"
)

//go:embed aliases.yaml
var aliasesYAML []byte

type aliasFile struct {
	LineFields   map[string][]string `yaml:"line_fields"`
	HeaderFields map[string][]string `yaml:"header_fields"`
	UoM          map[string][]string `yaml:"uom"`
}

// aliasDict resolves normalized header spellings to canonical fields
// and free-form unit strings to the canonical UoM set.
type aliasDict struct {
	lineFields   map[string]string
	headerFields map[string]string
	uom          map[string]string
}

var aliases = mustLoadAliases()

func mustLoadAliases() *aliasDict {
	var f aliasFile
	if err := yaml.Unmarshal(aliasesYAML, &f); err != nil {
		panic(fmt.Sprintf("extract: parse aliases.yaml: %v", err))
	}
	d := &aliasDict{
		lineFields:   make(map[string]string),
		headerFields: make(map[string]string),
		uom:          make(map[string]string),
	}
	for field, list := range f.LineFields {
		for _, a := range list {
			d.lineFields[normalizeHeader(a)] = field
		}
	}
	for field, list := range f.HeaderFields {
		for _, a := range list {
			d.headerFields[normalizeHeader(a)] = field
		}
	}
	for canonical, list := range f.UoM {
		d.uom[normalizeHeader(canonical)] = canonical
		for _, a := range list {
			d.uom[normalizeHeader(a)] = canonical
		}
	}
	return d
}

// normalizeHeader reduces a header cell to letters and digits so that
// punctuation and spacing never break an alias hit.
func normalizeHeader(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lineField resolves one header cell, "" when unknown.
func (d *aliasDict) lineField(cell string) string {
	return d.lineFields[normalizeHeader(cell)]
}

// headerField resolves a header-area label, "" when unknown.
func (d *aliasDict) headerField(label string) string {
	return d.headerFields[normalizeHeader(label)]
}

// canonicalUoM maps a free-form unit to the canonical set.
func (d *aliasDict) canonicalUoM(s string) (string, bool) {
	c, ok := d.uom[normalizeHeader(s)]
	return c, ok
}

// columnMap binds canonical line fields to column indexes of one
// tabular document.
type columnMap map[string]int

// mapColumns resolves a candidate header row. The row qualifies when
// at least two distinct line fields resolve and one of them identifies
// the item (sku or description).
func mapColumns(cells []string) (columnMap, bool) {
	m := make(columnMap)
	for i, cell := range cells {
		field := aliases.lineField(cell)
		if field == "" {
			continue
		}
		if _, taken := m[field]; !taken {
			m[field] = i
		}
	}
	_, hasSKU := m[fieldSKU]
	_, hasDesc := m[fieldDescription]
	if len(m) >= 2 && (hasSKU || hasDesc) {
		return m, true
	}
	return nil, false
}

// cell returns the trimmed value for a mapped field, "" when the field
// is unmapped or the row is short.
func (m columnMap) cell(row []string, field string) string {
	idx, ok := m[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
