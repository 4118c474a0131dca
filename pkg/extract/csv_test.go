package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

const germanCSV = `Bestellung

Bestellnummer: PO-2024-0815
Bestelldatum: 15.03.2024
Währung: EUR
Liefertermin: 01.04.2024
Ihre Referenz: Rahmenvertrag 77

Pos;Artikel-Nr.;Bezeichnung;Menge;ME;Einzelpreis
1;ABC-123;Sechskantschraube M8x40;1.000;ST;0,45
2;DEF-456;Unterlegscheibe A8;2.500;Stück;0,08
`

func TestExtractCSVGermanOrder(t *testing.T) {
	out, text, err := extractCSV([]byte(germanCSV))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Contains(t, text, "ABC-123")

	assert.Equal(t, VersionCSVRule, out.ExtractorVersion)
	assert.Equal(t, "PO-2024-0815", out.Order.ExternalOrderNumber)
	assert.Equal(t, "2024-03-15", out.Order.OrderDate)
	assert.Equal(t, "EUR", out.Order.Currency)
	assert.Equal(t, "2024-04-01", out.Order.RequestedDeliveryDate)
	assert.Equal(t, "Ref: Rahmenvertrag 77", out.Order.Notes)

	require.Len(t, out.Lines, 2)
	first := out.Lines[0]
	assert.Equal(t, 1, first.LineNo)
	assert.Equal(t, "ABC-123", first.CustomerSKURaw)
	assert.Equal(t, "Sechskantschraube M8x40", first.ProductDescription)
	require.NotNil(t, first.Qty)
	assert.True(t, first.Qty.Equal(decimal.NewFromInt(1000)), "german grouping dot: got %s", first.Qty)
	assert.Equal(t, "ST", first.UoM)
	require.NotNil(t, first.UnitPriceMicros)
	assert.Equal(t, int64(450_000), *first.UnitPriceMicros)

	second := out.Lines[1]
	assert.Equal(t, 2, second.LineNo)
	require.NotNil(t, second.Qty)
	assert.True(t, second.Qty.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, "ST", second.UoM, "Stück folds to ST")

	assert.Empty(t, out.Warnings)
	require.NotNil(t, out.Confidence.Order)
	assert.Equal(t, 1.0, out.Confidence.Order["external_order_number"])
	require.Len(t, out.Confidence.Lines, 2)
	assert.Equal(t, 1.0, out.Confidence.Lines[0]["qty"])
}

func TestExtractCSVWindows1252(t *testing.T) {
	raw := []byte("Artikelnummer;Bezeichnung;Menge\nX-1;T\xfcrgriff Edelstahl;5\n")
	out, text, err := extractCSV(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "Türgriff")
	require.Len(t, out.Lines, 1)
	assert.Equal(t, "Türgriff Edelstahl", out.Lines[0].ProductDescription)
}

func TestExtractCSVSniffsCurrencyFromPrices(t *testing.T) {
	csv := "Artikelnummer,Bezeichnung,Menge,Unit Price\nA-1,Widget,5,12.50 €\n"
	out, _, err := extractCSV([]byte(csv))
	require.NoError(t, err)
	assert.Equal(t, "EUR", out.Order.Currency)
	require.Len(t, out.Lines, 1)
	require.NotNil(t, out.Lines[0].UnitPriceMicros)
	assert.Equal(t, int64(12_500_000), *out.Lines[0].UnitPriceMicros)
}

func TestExtractCSVUnknownUnitWarns(t *testing.T) {
	csv := "Artikelnummer,Menge,Einheit\nA-1,12,Dutzend\n"
	out, _, err := extractCSV([]byte(csv))
	require.NoError(t, err)
	require.Len(t, out.Lines, 1)
	assert.Empty(t, out.Lines[0].UoM)
	assert.True(t, out.HasWarning(contracts.WarnUnknownUoM))
}

func TestExtractCSVAmbiguousNumberFormat(t *testing.T) {
	csv := "Artikelnummer,Menge\nA-1,\"1,5\"\nB-2,2.5\n"
	out, _, err := extractCSV([]byte(csv))
	require.NoError(t, err)
	assert.True(t, out.HasWarning(contracts.WarnAmbiguousNumberFormat))
}

func TestExtractCSVNoLineTable(t *testing.T) {
	csv := "Bestellnummer: 4711\nKontakt: Einkauf Nord\n"
	out, _, err := extractCSV([]byte(csv))
	require.NoError(t, err)
	assert.Empty(t, out.Lines)
	assert.True(t, out.HasWarning(contracts.WarnNoLines))
	assert.Equal(t, "4711", out.Order.ExternalOrderNumber)
}

func TestExtractCSVZeroQtyStaysUnset(t *testing.T) {
	csv := "Artikelnummer,Bezeichnung,Menge\nA-1,Widget,0\n"
	out, _, err := extractCSV([]byte(csv))
	require.NoError(t, err)
	require.Len(t, out.Lines, 1)
	assert.Nil(t, out.Lines[0].Qty)
	assert.Equal(t, 0.0, out.Confidence.Lines[0]["qty"])
}

func TestDecodeText(t *testing.T) {
	t.Run("utf8 bom stripped", func(t *testing.T) {
		got, err := decodeText(append([]byte{0xEF, 0xBB, 0xBF}, []byte("abc")...))
		require.NoError(t, err)
		assert.Equal(t, "abc", got)
	})
	t.Run("windows-1252 fallback", func(t *testing.T) {
		got, err := decodeText([]byte("T\xfcr"))
		require.NoError(t, err)
		assert.Equal(t, "Tür", got)
	})
	t.Run("plain utf8 untouched", func(t *testing.T) {
		got, err := decodeText([]byte("Grüße"))
		require.NoError(t, err)
		assert.Equal(t, "Grüße", got)
	})
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter("a;b;c\n1;2;3\n"))
	assert.Equal(t, ',', sniffDelimiter("a,b,c\n1,2,3\n"))
	assert.Equal(t, '\t', sniffDelimiter("a\tb\tc\n"))
	assert.Equal(t, ';', sniffDelimiter("a;b,c\n1;2,3\n"), "semicolon wins ties")
	assert.Equal(t, ',', sniffDelimiter("plain text\n"), "comma default")
}

func TestNormalizeDate(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2024-03-15", "2024-03-15"},
		{"15.03.2024", "2024-03-15"},
		{"5.3.2024", "2024-03-05"},
		{"15.03.24", "2024-03-15"},
		{"03/04/2024", "2024-04-03"},
		{"2 January 2026", "2026-01-02"},
		{"January 2, 2026", "2026-01-02"},
		{"soon", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeDate(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "EUR", normalizeCurrency("€"))
	assert.Equal(t, "EUR", normalizeCurrency("eur"))
	assert.Equal(t, "CHF", normalizeCurrency("Fr."))
	assert.Equal(t, "USD", normalizeCurrency(" $ "))
	assert.Equal(t, "", normalizeCurrency("Euros"))
	assert.Equal(t, "", normalizeCurrency(""))
}
