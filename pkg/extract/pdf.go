package extract

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

// Geometry thresholds for rebuilding rows and cells from positioned
// text runs. Values are PDF points.
const (
	rowYTolerance = 2.0
	cellGapPoints = 6.0
	runGapPoints  = 1.0
)

// pdfDoc is the text view of one PDF: cell rows for the tabular
// engine, plain text for anchors and prompts, and the numbers behind
// the coverage ratio.
type pdfDoc struct {
	pages int
	chars int
	rows  [][]string
	text  string
}

// coverage is the share of expected text actually present, using the
// reference density of a full text page.
func (d *pdfDoc) coverage() float64 {
	if d.pages == 0 {
		return 0
	}
	return math.Min(1, float64(d.chars)/float64(d.pages*charsPerPage))
}

// scanned flags PDFs that are effectively images.
func (d *pdfDoc) scanned() bool {
	return d.coverage() < minCoverageRatio || d.chars < minTextChars
}

// parsePDF rebuilds rows of cells from positioned text runs. The
// underlying reader panics on some malformed files; those surface as
// errors.
func parsePDF(data []byte) (doc *pdfDoc, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract: malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("extract: open pdf: %w", err)
	}

	doc = &pdfDoc{pages: r.NumPage()}
	var lines []string
	for n := 1; n <= doc.pages; n++ {
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		for _, row := range groupRows(page.Content().Text) {
			cells := rowCells(row)
			if len(cells) == 0 {
				continue
			}
			doc.rows = append(doc.rows, cells)
			line := strings.Join(cells, "  ")
			doc.chars += len(line)
			lines = append(lines, line)
		}
	}
	doc.text = strings.Join(lines, "\n")
	return doc, nil
}

// groupRows buckets text runs into visual rows: same page Y within
// tolerance, reading order top-down then left-right.
func groupRows(runs []pdf.Text) [][]pdf.Text {
	if len(runs) == 0 {
		return nil
	}
	sorted := make([]pdf.Text, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if math.Abs(sorted[i].Y-sorted[j].Y) > rowYTolerance {
			return sorted[i].Y > sorted[j].Y // PDF origin is bottom-left
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]pdf.Text
	for _, run := range sorted {
		if len(rows) > 0 {
			last := rows[len(rows)-1]
			if math.Abs(last[0].Y-run.Y) <= rowYTolerance {
				rows[len(rows)-1] = append(last, run)
				continue
			}
		}
		rows = append(rows, []pdf.Text{run})
	}
	return rows
}

// rowCells merges adjacent runs and splits cells on horizontal gaps.
func rowCells(row []pdf.Text) []string {
	var cells []string
	var cell strings.Builder
	var endX float64

	flush := func() {
		if s := strings.TrimSpace(cell.String()); s != "" {
			cells = append(cells, s)
		}
		cell.Reset()
	}
	for i, run := range row {
		if i > 0 {
			gap := run.X - endX
			switch {
			case gap > cellGapPoints:
				flush()
			case gap > runGapPoints:
				cell.WriteByte(' ')
			}
		}
		cell.WriteString(run.S)
		endX = run.X + run.W
	}
	flush()
	return cells
}

// extractPDFRule runs the tabular engine over the rebuilt rows and
// falls back to line regexes when no table was recognizable.
func extractPDFRule(doc *pdfDoc) *contracts.CanonicalOutput {
	o := extractTable(doc.rows, VersionPDFRule)
	if len(o.Lines) == 0 {
		if lines := regexLines(doc.text); len(lines) > 0 {
			o.Lines = lines
			o.Warnings = dropWarning(o.Warnings, contracts.WarnNoLines)
			o.RenumberLines()
			fillConfidence(o)
		}
	}
	return o
}

// positionLine matches "pos? sku description qty uom? price?" over the
// two-space column joints produced by rowCells.
var positionLine = regexp.MustCompile(
	`^\s*(?:\d{1,4}[.)]?\s+)?` + // position number
		`([A-Za-z0-9][A-Za-z0-9\-./]{2,24})\s+` + // sku
		`(.{3,}?)\s{2,}` + // description
		`(\d[\d.,]*)` + // qty
		`(?:\s+([A-Za-zÄÖÜäöü]{1,8}))?` + // uom
		`(?:\s{2,}(\d[\d.,]*))?\s*$`) // unit price

// regexLines is the last-resort rule path for PDFs without a
// recognizable table.
func regexLines(text string) []contracts.CanonicalLine {
	rawLines := strings.Split(text, "\n")

	var samples []string
	for _, raw := range rawLines {
		if m := positionLine.FindStringSubmatch(raw); m != nil {
			samples = append(samples, m[3], m[5])
		}
	}
	format, _ := detectNumberFormat(samples)

	var out []contracts.CanonicalLine
	for _, raw := range rawLines {
		m := positionLine.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		line := contracts.CanonicalLine{
			CustomerSKURaw:     m[1],
			ProductDescription: strings.TrimSpace(m[2]),
		}
		if d, ok := parseLocalizedDecimal(m[3], format); ok && d.Sign() != 0 {
			line.Qty = &d
		}
		if m[4] != "" {
			if c, ok := aliases.canonicalUoM(m[4]); ok {
				line.UoM = c
			}
		}
		if m[5] != "" {
			if d, ok := parseLocalizedDecimal(m[5], format); ok {
				micros := contracts.MicrosFromDecimal(d)
				line.UnitPriceMicros = &micros
			}
		}
		out = append(out, line)
	}
	return out
}

func dropWarning(ws []contracts.Warning, code contracts.WarningCode) []contracts.Warning {
	out := ws[:0]
	for _, w := range ws {
		if w.Code != code {
			out = append(out, w)
		}
	}
	return out
}
