package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// extractCSV parses delimiter-separated text into canonical output.
// The decoded text is returned alongside for anchor checks and LLM
// fallback prompts.
func extractCSV(data []byte) (*contracts.CanonicalOutput, string, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, "", err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, "", fmt.Errorf("extract: parse csv: %w", err)
	}
	return extractTable(rows, VersionCSVRule), text, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText turns raw bytes into a UTF-8 string. Orders from German
// ERP exports regularly arrive as Windows-1252; anything that is not
// valid UTF-8 goes through that decoder.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("extract: decode text: %w", err)
	}
	return string(decoded), nil
}

// sniffDelimiter votes over the leading lines. Semicolon wins ties
// because German spreadsheet exports use it with comma decimals.
func sniffDelimiter(text string) rune {
	lines := strings.SplitN(text, "\n", 6)
	counts := map[rune]int{';': 0, ',': 0, '\t': 0}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for sep := range counts {
			counts[sep] += strings.Count(line, string(sep))
		}
	}
	best, bestCount := ';', counts[';']
	for _, sep := range []rune{'\t', ','} {
		if counts[sep] > bestCount {
			best, bestCount = sep, counts[sep]
		}
	}
	if bestCount == 0 {
		return ','
	}
	return best
}
