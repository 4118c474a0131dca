package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// extractXLSX reads the first sheet of a workbook through the shared
// tabular engine. The flattened cell text is returned for anchor
// checks and LLM fallback prompts.
func extractXLSX(data []byte) (*contracts.CanonicalOutput, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("extract: open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, "", fmt.Errorf("extract: workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, "", fmt.Errorf("extract: read sheet %q: %w", sheet, err)
	}

	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	return extractTable(rows, VersionXLSXRule), b.String(), nil
}
