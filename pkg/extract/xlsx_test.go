package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		for j, v := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestExtractXLSX(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Bestellnummer", "PO-77"},
		{"Bestelldatum", "12.05.2024"},
		{},
		{"Artikelnummer", "Bezeichnung", "Menge", "Einheit", "Einzelpreis"},
		{"ABC-123", "Kugellager 6204", "40", "ST", "3,20"},
		{"XYZ-9", "Wellendichtring", "12", "ST", "1,15"},
	})

	out, text, err := extractXLSX(data)
	require.NoError(t, err)
	assert.Contains(t, text, "Kugellager 6204")

	assert.Equal(t, VersionXLSXRule, out.ExtractorVersion)
	assert.Equal(t, "PO-77", out.Order.ExternalOrderNumber)
	assert.Equal(t, "2024-05-12", out.Order.OrderDate)

	require.Len(t, out.Lines, 2)
	assert.Equal(t, "ABC-123", out.Lines[0].CustomerSKURaw)
	require.NotNil(t, out.Lines[0].Qty)
	assert.True(t, out.Lines[0].Qty.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, "ST", out.Lines[0].UoM)
	require.NotNil(t, out.Lines[0].UnitPriceMicros)
	assert.Equal(t, int64(3_200_000), *out.Lines[0].UnitPriceMicros)
	assert.Equal(t, 2, out.Lines[1].LineNo)
}

func TestExtractXLSXRejectsGarbage(t *testing.T) {
	_, _, err := extractXLSX([]byte("not a zip archive"))
	require.Error(t, err)
}
