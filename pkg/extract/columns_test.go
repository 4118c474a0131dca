package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "artikelnr", normalizeHeader(" Artikel-Nr. "))
	assert.Equal(t, "unitprice", normalizeHeader("Unit Price"))
	assert.Equal(t, "menge", normalizeHeader("MENGE"))
	assert.Equal(t, "währung", normalizeHeader("Währung:"))
	assert.Equal(t, "", normalizeHeader(" -- "))
}

func TestAliasResolution(t *testing.T) {
	cases := []struct {
		cell string
		want string
	}{
		{"Artikelnummer", fieldSKU},
		{"Artikel-Nr.", fieldSKU},
		{"Item No", fieldSKU},
		{"Bezeichnung", fieldDescription},
		{"Product Description", fieldDescription},
		{"Menge", fieldQty},
		{"Qty Ordered", fieldQty},
		{"Einheit", fieldUoM},
		{"Einzelpreis", fieldUnitPrice},
		{"Gesamtpreis", fieldLineTotal},
		{"Pos.", fieldLineNo},
		{"Lieferhinweis", ""},
	}
	for _, tc := range cases {
		t.Run(tc.cell, func(t *testing.T) {
			assert.Equal(t, tc.want, aliases.lineField(tc.cell))
		})
	}
}

func TestHeaderFieldResolution(t *testing.T) {
	assert.Equal(t, fieldOrderNumber, aliases.headerField("Bestellnummer"))
	assert.Equal(t, fieldOrderNumber, aliases.headerField("PO Number"))
	assert.Equal(t, fieldOrderDate, aliases.headerField("Bestelldatum"))
	assert.Equal(t, fieldCurrency, aliases.headerField("Währung"))
	assert.Equal(t, fieldDeliveryDate, aliases.headerField("Liefertermin"))
	assert.Equal(t, fieldReference, aliases.headerField("Ihre Referenz"))
	assert.Equal(t, "", aliases.headerField("Ansprechpartner"))
}

func TestCanonicalUoM(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Stück", "ST", true},
		{"stk", "ST", true},
		{"pcs", "ST", true},
		{"Karton", "KAR", true},
		{"pallet", "PAL", true},
		{"Sätze", "SET", true},
		{"kg", "KG", true},
		{"KG", "KG", true},
		{"lfm", "M", true},
		{"Dutzend", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := aliases.canonicalUoM(tc.in)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMapColumns(t *testing.T) {
	t.Run("german header row", func(t *testing.T) {
		m, ok := mapColumns([]string{"Pos", "Artikel-Nr.", "Bezeichnung", "Menge", "ME", "Einzelpreis"})
		require.True(t, ok)
		assert.Equal(t, 1, m[fieldSKU])
		assert.Equal(t, 2, m[fieldDescription])
		assert.Equal(t, 3, m[fieldQty])
		assert.Equal(t, 4, m[fieldUoM])
		assert.Equal(t, 5, m[fieldUnitPrice])
	})

	t.Run("needs an item column", func(t *testing.T) {
		_, ok := mapColumns([]string{"Menge", "Einzelpreis", "Gesamt"})
		assert.False(t, ok)
	})

	t.Run("one field is not a table", func(t *testing.T) {
		_, ok := mapColumns([]string{"Artikelnummer", "Kommentar"})
		assert.False(t, ok)
	})

	t.Run("first occurrence wins duplicates", func(t *testing.T) {
		m, ok := mapColumns([]string{"Artikel", "Artikelnummer", "Menge"})
		require.True(t, ok)
		assert.Equal(t, 0, m[fieldSKU])
	})
}

func TestColumnMapCell(t *testing.T) {
	m := columnMap{fieldSKU: 0, fieldQty: 2}
	assert.Equal(t, "A-1", m.cell([]string{" A-1 ", "x", "5"}, fieldSKU))
	assert.Equal(t, "5", m.cell([]string{"A-1", "x", "5"}, fieldQty))
	assert.Equal(t, "", m.cell([]string{"A-1"}, fieldQty), "short row")
	assert.Equal(t, "", m.cell([]string{"A-1", "x", "5"}, fieldUoM), "unmapped field")
}
