package contracts

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftTransitions(t *testing.T) {
	tests := []struct {
		from, to DraftStatus
		ok       bool
	}{
		{DraftNew, DraftExtracted, true},
		{DraftExtracted, DraftMatched, true},
		{DraftMatched, DraftReady, true},
		{DraftReady, DraftApproved, true},
		{DraftReady, DraftMatched, true}, // edits reopen matching
		{DraftApproved, DraftPushed, true},
		{DraftPushed, DraftAcked, true},
		{DraftPushed, DraftFailed, true},
		{DraftNew, DraftReady, false},
		{DraftAcked, DraftFailed, false},
		{DraftFailed, DraftNew, false},
		{DraftApproved, DraftReady, false},
		{DraftMatched, DraftFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, DraftAcked.Terminal())
	assert.True(t, DraftFailed.Terminal())
	assert.False(t, DraftPushed.Terminal())
}

func TestDocumentTransitions(t *testing.T) {
	assert.True(t, DocumentUploaded.CanTransition(DocumentStored))
	assert.True(t, DocumentStored.CanTransition(DocumentProcessing))
	assert.True(t, DocumentProcessing.CanTransition(DocumentExtracted))
	assert.True(t, DocumentFailed.CanTransition(DocumentProcessing))
	assert.False(t, DocumentExtracted.CanTransition(DocumentProcessing))
	assert.False(t, DocumentUploaded.CanTransition(DocumentExtracted))
}

func TestMappingStatusActive(t *testing.T) {
	assert.True(t, MappingSuggested.Active())
	assert.True(t, MappingConfirmed.Active())
	assert.False(t, MappingRejected.Active())
	assert.False(t, MappingDeprecated.Active())
}

func TestCanonicalOutputRoundTrip(t *testing.T) {
	qty := decimal.RequireFromString("10.500")
	price := int64(1_230_000)
	out := CanonicalOutput{
		Order: CanonicalHeader{
			ExternalOrderNumber: "PO-2025-001",
			OrderDate:           "2025-01-04",
			Currency:            "EUR",
			CustomerHint:        &CustomerHint{Name: "ACME GmbH", ERPCustomerNumber: "10034"},
			ShipTo:              &Address{City: "Hamburg", Country: "DE"},
		},
		Lines: []CanonicalLine{
			{LineNo: 1, CustomerSKURaw: "ABC-123", ProductDescription: "Kabel NYM-J 3x1,5", Qty: &qty, UoM: UoMMeter, UnitPriceMicros: &price, Currency: "EUR"},
		},
		Confidence: ConfidenceBlock{
			Order:   map[string]float64{"external_order_number": 1, "order_date": 1, "currency": 1},
			Lines:   []map[string]float64{{"customer_sku_raw": 1, "qty": 1, "product_description": 1}},
			Overall: 1,
		},
		ExtractorVersion: "pdf_rule_v1",
	}

	raw, err := json.Marshal(out)
	require.NoError(t, err)

	var back CanonicalOutput
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, out.Order, back.Order)
	require.Len(t, back.Lines, 1)
	assert.True(t, back.Lines[0].Qty.Equal(qty))
	assert.Equal(t, price, *back.Lines[0].UnitPriceMicros)
	assert.Equal(t, out.Confidence.Overall, back.Confidence.Overall)
	assert.Equal(t, "pdf_rule_v1", back.ExtractorVersion)
}

func TestRenumberLines(t *testing.T) {
	out := CanonicalOutput{Lines: []CanonicalLine{{LineNo: 4}, {LineNo: 9}, {LineNo: 1}}}
	out.RenumberLines()
	for i, l := range out.Lines {
		assert.Equal(t, i+1, l.LineNo)
	}
}

func TestWarnings(t *testing.T) {
	var o CanonicalOutput
	o.Warnf(WarnQtyRangeViolation, 3, "qty %s out of range", "1200000")
	require.Len(t, o.Warnings, 1)
	assert.Equal(t, 3, o.Warnings[0].LineNo)
	assert.True(t, o.HasWarning(WarnQtyRangeViolation))
	assert.False(t, o.HasWarning(WarnBudgetExceeded))
}

func TestMicrosRounding(t *testing.T) {
	d, err := decimal.NewFromString("12.3456785")
	require.NoError(t, err)
	assert.Equal(t, int64(12_345_679), MicrosFromDecimal(d)) // .5 rounds away from zero

	neg, err := decimal.NewFromString("-0.0000005")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), MicrosFromDecimal(neg))

	assert.Equal(t, "1.25", FormatMicros(1_250_000))
}

func TestMulQtyMicros(t *testing.T) {
	qty, _ := decimal.NewFromString("2.5")
	assert.Equal(t, int64(3_125_000), MulQtyMicros(qty, 1_250_000))

	third, _ := decimal.NewFromString("0.333")
	assert.Equal(t, int64(333_000), MulQtyMicros(third, 1_000_000))
}

func TestRelativeDeviation(t *testing.T) {
	assert.InDelta(t, 0.0, RelativeDeviation(100, 100), 1e-9)
	assert.InDelta(t, 50.0, RelativeDeviation(50, 100), 1e-9)
	assert.InDelta(t, 100.0, RelativeDeviation(0, 100), 1e-9)
	assert.InDelta(t, 4.0, RelativeDeviation(96_000_000, 100_000_000), 1e-9)
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ValidCurrency("EUR"))
	assert.True(t, ValidCurrency("USD"))
	assert.False(t, ValidCurrency("eur"))
	assert.False(t, ValidCurrency("EU"))
	assert.False(t, ValidCurrency("EURO"))
	assert.False(t, ValidCurrency("E1R"))
}

func TestParseISODate(t *testing.T) {
	d, err := ParseISODate("2025-01-15")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2025, d.Year())

	d, err = ParseISODate("")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = ParseISODate("15.01.2025")
	assert.Error(t, err)
}

func TestCanonicalUoM(t *testing.T) {
	for _, code := range CanonicalUoMCodes() {
		assert.True(t, IsCanonicalUoM(code))
	}
	assert.False(t, IsCanonicalUoM("STK"))
	assert.False(t, IsCanonicalUoM("st"))
}
