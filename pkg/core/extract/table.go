// Package extract locates the revenue table on each page of a report and
// yields its rows as ordered text cells.
//
// Pages are described as positioned text fragments. A table is the region
// between a header line (recognised by keywords) and the first footer line
// after it; everything outside that region is decoration and is dropped.
// Column boundaries come from the x positions of the header labels.
package extract

import (
	"fmt"
	"iter"
	"math"
	"regexp"
	"sort"
	"strings"

	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
)

// =============================================================================
// PAGE MODEL
// =============================================================================

// Fragment is a run of text at a position. Y grows upwards, as in PDF space.
type Fragment struct {
	X    float64
	Y    float64
	W    float64
	Text string
}

// Page is one page of a document.
type Page struct {
	Number    int
	Fragments []Fragment
}

// Document gives access to pages by 1-based number.
type Document interface {
	NumPages() int
	Page(n int) (Page, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options tune table detection.
type Options struct {
	// LineTolerance is the largest Y distance between fragments on one line.
	LineTolerance float64
	// HeaderGap merges header fragments closer than this into one label.
	HeaderGap float64
	// HeaderKeywords: every group must have one folded match in the header line.
	HeaderKeywords [][]string
	// Footer ends the table region.
	Footer *regexp.Regexp
	// Padding fills cells missing from a row.
	Padding string
}

// DefaultOptions match the Anexo 10 "receita prevista x arrecadada" layout.
func DefaultOptions() Options {
	return Options{
		LineTolerance: 2.5,
		HeaderGap:     4,
		HeaderKeywords: [][]string{
			{"codigo", "entidade"},
			{"especifica", "previs"},
		},
		Footer:  regexp.MustCompile(`(?i)(consolida[cç][aã]o geral|anexo\s*10|p[aá]gina|conjunto de informa[cç][oõ]es|entidades consolidadas)`),
		Padding: "",
	}
}

// =============================================================================
// TABLE
// =============================================================================

// Column is a header label and the x range it owns.
type Column struct {
	Label string
	Left  float64
	Right float64
}

// Table is the tabular region found on one page.
type Table struct {
	Page    int
	Columns []Column
	lines   [][]Fragment
	padding string
}

// Row is one table line split into cells, left to right.
type Row struct {
	Page  int
	Index int
	Cells []models.RawCell
}

// Texts returns the cell texts in column order.
func (r Row) Texts() []string {
	out := make([]string, len(r.Cells))
	for i, c := range r.Cells {
		out[i] = c.Text
	}
	return out
}

// Labels returns the header labels in column order.
func (t *Table) Labels() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Label
	}
	return out
}

// Rows yields the table rows top to bottom. Cells are assigned on every
// iteration, so the sequence can be ranged over again with the same result.
func (t *Table) Rows() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		for i, line := range t.lines {
			if !yield(t.split(i, line)) {
				return
			}
		}
	}
}

func (t *Table) split(index int, line []Fragment) Row {
	texts := make([][]string, len(t.Columns))
	for _, f := range line {
		col := t.columnOf(f)
		texts[col] = append(texts[col], strings.TrimSpace(f.Text))
	}

	row := Row{Page: t.Page, Index: index, Cells: make([]models.RawCell, len(t.Columns))}
	for col := range t.Columns {
		cell := models.RawCell{Page: t.Page, Row: index, Col: col}
		if len(texts[col]) == 0 {
			cell.Text = t.padding
			cell.Padded = true
		} else {
			cell.Text = strings.Join(texts[col], " ")
		}
		row.Cells[col] = cell
	}
	return row
}

func (t *Table) columnOf(f Fragment) int {
	center := f.X + f.W/2
	for i, c := range t.Columns {
		if center >= c.Left && center < c.Right {
			return i
		}
	}
	return len(t.Columns) - 1
}

// =============================================================================
// EXTRACTOR
// =============================================================================

// Extractor finds tables on pages.
type Extractor struct {
	opts   Options
	logger *log.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(opts Options, logger *log.Logger) *Extractor {
	return &Extractor{opts: opts, logger: logger}
}

// Locate returns the table on a page, or false when the page has none.
func (e *Extractor) Locate(p Page) (*Table, bool) {
	lines := groupLines(p.Fragments, e.opts.LineTolerance)

	header := -1
	for i, line := range lines {
		if e.isHeader(line) {
			header = i
			break
		}
	}
	if header < 0 {
		return nil, false
	}

	end := len(lines)
	for i := header + 1; i < len(lines); i++ {
		if e.opts.Footer != nil && e.opts.Footer.MatchString(lineText(lines[i])) {
			end = i
			break
		}
	}

	return &Table{
		Page:    p.Number,
		Columns: columnsFromHeader(lines[header], e.opts.HeaderGap),
		lines:   lines[header+1 : end],
		padding: e.opts.Padding,
	}, true
}

// Rows is Locate followed by Table.Rows; a page without a table gives an
// empty sequence.
func (e *Extractor) Rows(p Page) iter.Seq[Row] {
	t, ok := e.Locate(p)
	if !ok {
		return func(func(Row) bool) {}
	}
	return t.Rows()
}

// Tables scans every page. Pages without a table, or that cannot be read,
// become ExtractionEmpty diagnostics.
func (e *Extractor) Tables(doc Document, year int) ([]*Table, []models.Diagnostic) {
	var tables []*Table
	var diags []models.Diagnostic

	for n := 1; n <= doc.NumPages(); n++ {
		page, err := doc.Page(n)
		if err != nil {
			e.logger.Warn("page unreadable", "year", year, "page", n, "err", err)
			diags = append(diags, models.Diagnostic{
				Kind: models.ExtractionEmpty, Year: year, Page: n,
				Message: fmt.Sprintf("page unreadable: %v", err),
			})
			continue
		}
		t, ok := e.Locate(page)
		if !ok {
			e.logger.Debug("no table on page", "year", year, "page", n)
			diags = append(diags, models.Diagnostic{
				Kind: models.ExtractionEmpty, Year: year, Page: n,
				Message: "no table header found",
			})
			continue
		}
		e.logger.Debug("table located", "year", year, "page", n, "columns", len(t.Columns), "lines", len(t.lines))
		tables = append(tables, t)
	}
	return tables, diags
}

func (e *Extractor) isHeader(line []Fragment) bool {
	if len(e.opts.HeaderKeywords) == 0 {
		return false
	}
	text := normalize.Fold(lineText(line))
	for _, group := range e.opts.HeaderKeywords {
		found := false
		for _, kw := range group {
			if strings.Contains(text, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// GEOMETRY HELPERS
// =============================================================================

// groupLines clusters fragments into lines, top to bottom, each sorted by x.
func groupLines(frags []Fragment, tol float64) [][]Fragment {
	if len(frags) == 0 {
		return nil
	}
	sorted := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		if strings.TrimSpace(f.Text) != "" {
			sorted = append(sorted, f)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines [][]Fragment
	var current []Fragment
	var anchor float64
	for _, f := range sorted {
		if len(current) > 0 && math.Abs(anchor-f.Y) > tol {
			lines = append(lines, current)
			current = nil
		}
		if len(current) == 0 {
			anchor = f.Y
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		lines = append(lines, current)
	}

	for _, line := range lines {
		sort.SliceStable(line, func(i, j int) bool { return line[i].X < line[j].X })
	}
	return lines
}

func lineText(line []Fragment) string {
	parts := make([]string, len(line))
	for i, f := range line {
		parts[i] = strings.TrimSpace(f.Text)
	}
	return strings.Join(parts, " ")
}

// columnsFromHeader turns header fragments into columns. Boundaries sit
// halfway between neighbouring labels; the outer columns are open-ended.
func columnsFromHeader(line []Fragment, gap float64) []Column {
	type span struct {
		label       string
		left, right float64
	}
	var spans []span
	for _, f := range line {
		text := strings.TrimSpace(f.Text)
		if n := len(spans); n > 0 && f.X-spans[n-1].right <= gap {
			spans[n-1].label += " " + text
			spans[n-1].right = math.Max(spans[n-1].right, f.X+f.W)
			continue
		}
		spans = append(spans, span{label: text, left: f.X, right: f.X + f.W})
	}

	cols := make([]Column, len(spans))
	for i, s := range spans {
		cols[i] = Column{Label: s.label, Left: math.Inf(-1), Right: math.Inf(1)}
		if i > 0 {
			cols[i].Left = (spans[i-1].right + s.left) / 2
		}
		if i < len(spans)-1 {
			cols[i].Right = (s.right + spans[i+1].left) / 2
		}
	}
	return cols
}
