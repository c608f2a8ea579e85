package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/1broseidon/wxhistory/pkg/models"
)

const (
	minColumnWidth = 8
	columnSep      = " | "
)

// formatCell renders a row or summary value as text. nil renders as empty.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// columnWidths sizes each column to its widest cell. When the table would
// exceed maxWidth the widest columns are narrowed first, never below
// minColumnWidth. maxWidth <= 0 disables the limit.
func columnWidths(doc *models.ReportDocument, cells [][]string, maxWidth int) []int {
	widths := make([]int, len(doc.Columns))
	for i, col := range doc.Columns {
		widths[i] = max(runewidth.StringWidth(col), minColumnWidth)
	}
	for _, row := range cells {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	if maxWidth <= 0 || len(widths) == 0 {
		return widths
	}
	total := (len(widths) - 1) * len(columnSep)
	for _, w := range widths {
		total += w
	}
	for total > maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minColumnWidth {
			break
		}
		widths[widest]--
		total--
	}
	return widths
}

func fitCell(s string, width int) string {
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "~")
	}
	return runewidth.FillRight(s, width)
}

// EncodeText renders doc as an aligned table followed by the summary block
func EncodeText(doc *models.ReportDocument, maxWidth int) []byte {
	var buf bytes.Buffer
	line := func(s string) {
		buf.WriteString(strings.TrimRight(s, " "))
		buf.WriteByte('\n')
	}

	line(doc.Title)
	line(strings.Repeat("=", runewidth.StringWidth(doc.Title)))
	line("Generated: " + doc.GeneratedAt.UTC().Format(time.RFC3339))
	line("")

	if len(doc.Rows) == 0 {
		line("No data available.")
	} else {
		cells := make([][]string, len(doc.Rows))
		for r, row := range doc.Rows {
			cells[r] = make([]string, len(doc.Columns))
			for i, col := range doc.Columns {
				cell := formatCell(row[col])
				if cell == "" {
					cell = "-"
				}
				cells[r][i] = cell
			}
		}
		widths := columnWidths(doc, cells, maxWidth)

		header := make([]string, len(doc.Columns))
		for i, col := range doc.Columns {
			header[i] = fitCell(col, widths[i])
		}
		headerLine := strings.Join(header, columnSep)
		line(headerLine)
		line(strings.Repeat("-", runewidth.StringWidth(strings.TrimRight(headerLine, " "))))

		for _, row := range cells {
			parts := make([]string, len(row))
			for i, cell := range row {
				parts[i] = fitCell(cell, widths[i])
			}
			line(strings.Join(parts, columnSep))
		}
	}

	if len(doc.Summary) > 0 {
		line("")
		line("Summary")
		line("-------")
		for _, key := range sortedKeys(doc.Summary) {
			line(fmt.Sprintf("%s: %s", key, formatCell(doc.Summary[key])))
		}
	}
	return buf.Bytes()
}

// EncodeCSV renders doc as RFC 4180 CSV with a header of the schema fields.
// With summaryComments set, a "# key: value" block precedes the header.
func EncodeCSV(doc *models.ReportDocument, summaryComments bool) ([]byte, error) {
	var buf bytes.Buffer

	if summaryComments {
		fmt.Fprintf(&buf, "# title: %s\n", doc.Title)
		fmt.Fprintf(&buf, "# generated_at: %s\n", doc.GeneratedAt.UTC().Format(time.RFC3339))
		for _, key := range sortedKeys(doc.Summary) {
			fmt.Fprintf(&buf, "# %s: %s\n", key, formatCell(doc.Summary[key]))
		}
	}

	w := csv.NewWriter(&buf)
	if err := w.Write(doc.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(doc.Columns))
	for _, row := range doc.Rows {
		for i, col := range doc.Columns {
			record[i] = formatCell(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// jsonDocument is the JSON wire shape of a ReportDocument
type jsonDocument struct {
	Kind        models.ReportKind `json:"kind"`
	Title       string            `json:"title"`
	GeneratedAt string            `json:"generated_at"`
	Columns     []string          `json:"columns"`
	Rows        []models.Row      `json:"rows"`
	Summary     map[string]any    `json:"summary"`
}

// EncodeJSON renders doc as an indented JSON object
func EncodeJSON(doc *models.ReportDocument) ([]byte, error) {
	wire := jsonDocument{
		Kind:        doc.Kind,
		Title:       doc.Title,
		GeneratedAt: doc.GeneratedAt.UTC().Format(time.RFC3339),
		Columns:     doc.Columns,
		Rows:        doc.Rows,
		Summary:     doc.Summary,
	}
	if wire.Rows == nil {
		wire.Rows = []models.Row{}
	}
	if wire.Summary == nil {
		wire.Summary = map[string]any{}
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode reads a JSON export back into a ReportDocument
func Decode(data []byte) (*models.ReportDocument, error) {
	var wire jsonDocument
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &ExportError{Format: models.FormatJSON, Op: "decode", Err: err}
	}

	generatedAt, err := time.Parse(time.RFC3339, wire.GeneratedAt)
	if err != nil {
		return nil, &ExportError{Format: models.FormatJSON, Op: "decode", Err: fmt.Errorf("invalid generated_at: %w", err)}
	}
	if wire.Kind != "" && !wire.Kind.Valid() {
		return nil, &ExportError{Format: models.FormatJSON, Op: "decode", Err: fmt.Errorf("unknown report kind %q", wire.Kind)}
	}

	doc := &models.ReportDocument{
		Kind:        wire.Kind,
		Title:       wire.Title,
		GeneratedAt: generatedAt.UTC(),
		Columns:     wire.Columns,
		Rows:        wire.Rows,
		Summary:     wire.Summary,
	}
	if doc.Columns == nil {
		doc.Columns = doc.Kind.Columns()
	}
	if doc.Rows == nil {
		doc.Rows = []models.Row{}
	}
	if doc.Summary == nil {
		doc.Summary = map[string]any{}
	}
	return doc, nil
}
