package extract

import (
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

func TestGroupRows(t *testing.T) {
	runs := []pdf.Text{
		{X: 120, Y: 700.5, W: 40, S: "Artikel"},
		{X: 50, Y: 650, W: 10, S: "1"},
		{X: 50, Y: 700, W: 30, S: "Pos"},
	}
	rows := groupRows(runs)
	require.Len(t, rows, 2)
	require.Len(t, rows[0], 2)
	assert.Equal(t, "Pos", rows[0][0].S, "top row first, left to right")
	assert.Equal(t, "Artikel", rows[0][1].S)
	assert.Equal(t, "1", rows[1][0].S)
}

func TestRowCells(t *testing.T) {
	row := []pdf.Text{
		{X: 50, W: 20, S: "Art"},
		{X: 70.5, W: 30, S: "ikel"}, // touching run: same word
		{X: 103, W: 10, S: "Nr"},    // small gap: same cell, spaced
		{X: 150, W: 20, S: "Menge"}, // column gap: new cell
	}
	assert.Equal(t, []string{"Artikel Nr", "Menge"}, rowCells(row))
}

func TestPDFDocCoverage(t *testing.T) {
	full := &pdfDoc{pages: 2, chars: 5000}
	assert.Equal(t, 1.0, full.coverage())
	assert.False(t, full.scanned())

	sparse := &pdfDoc{pages: 4, chars: 1000}
	assert.InDelta(t, 0.1, sparse.coverage(), 1e-9)
	assert.True(t, sparse.scanned(), "below coverage ratio")

	short := &pdfDoc{pages: 1, chars: 400}
	assert.True(t, short.scanned(), "below absolute char floor")

	empty := &pdfDoc{}
	assert.Equal(t, 0.0, empty.coverage())
}

func TestExtractPDFRuleTable(t *testing.T) {
	doc := &pdfDoc{
		pages: 1,
		rows: [][]string{
			{"Bestellnummer", "PO-9"},
			{"Artikelnummer", "Bezeichnung", "Menge"},
			{"ABC-123", "Kugellager", "5"},
		},
	}
	out := extractPDFRule(doc)
	assert.Equal(t, VersionPDFRule, out.ExtractorVersion)
	assert.Equal(t, "PO-9", out.Order.ExternalOrderNumber)
	require.Len(t, out.Lines, 1)
	assert.Equal(t, "ABC-123", out.Lines[0].CustomerSKURaw)
}

func TestExtractPDFRuleRegexFallback(t *testing.T) {
	text := strings.Join([]string{
		"Bestellung 4711",
		"1  ABC-123  Sechskantschraube M8  100 ST  9,50",
		"2  DEF-456  Mutter M8  200 ST  1,20",
		"Gesamtsumme  1.234,56",
	}, "\n")
	doc := &pdfDoc{pages: 1, chars: len(text), rows: [][]string{{"Bestellung 4711"}}, text: text}

	out := extractPDFRule(doc)
	require.Len(t, out.Lines, 2, "position lines recovered without a table")
	assert.False(t, out.HasWarning(contracts.WarnNoLines))

	first := out.Lines[0]
	assert.Equal(t, 1, first.LineNo)
	assert.Equal(t, "ABC-123", first.CustomerSKURaw)
	assert.Equal(t, "Sechskantschraube M8", first.ProductDescription)
	require.NotNil(t, first.Qty)
	assert.True(t, first.Qty.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "ST", first.UoM)
	require.NotNil(t, first.UnitPriceMicros)
	assert.Equal(t, int64(9_500_000), *first.UnitPriceMicros)
	require.Len(t, out.Confidence.Lines, 2)
}

func TestPositionLineRegex(t *testing.T) {
	m := positionLine.FindStringSubmatch("10)  XYZ-88/2  Flanschlager Gehäuse  25 Stk  12,00")
	require.NotNil(t, m)
	assert.Equal(t, "XYZ-88/2", m[1])
	assert.Equal(t, "Flanschlager Gehäuse", strings.TrimSpace(m[2]))
	assert.Equal(t, "25", m[3])
	assert.Equal(t, "Stk", m[4])
	assert.Equal(t, "12,00", m[5])

	assert.Nil(t, positionLine.FindStringSubmatch("Gesamtsumme  1.234,56"),
		"total row has no description column")
	assert.Nil(t, positionLine.FindStringSubmatch("Artikel  Bezeichnung  Menge"),
		"header row has no quantity")
}

func TestParsePDFGarbage(t *testing.T) {
	_, err := parsePDF([]byte("definitely not a pdf"))
	require.Error(t, err)
}
