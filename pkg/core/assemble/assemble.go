// Package assemble turns extracted table rows into revenue records for one
// fiscal year.
package assemble

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"budget_monitor/pkg/core/extract"
	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNoRows is returned when a year yields no record at all.
var ErrNoRows = errors.New("no extractable rows")

// DefaultNegativeAllowlist holds revenue labels that are deductions by nature
// and may be negative without parentheses.
var DefaultNegativeAllowlist = []string{
	"renuncia",
	"restituicoes",
	"descontos concedidos",
	"outras deducoes",
	"deducoes de receita para a formacao do fundeb",
}

// =============================================================================
// COLUMN MAPPING
// =============================================================================

// ColumnMapping says which column holds which field. -1 marks an absent
// optional column.
type ColumnMapping struct {
	Section   int `yaml:"section"`
	Label     int `yaml:"label"`
	Predicted int `yaml:"predicted"`
	Collected int `yaml:"collected"`
	Surplus   int `yaml:"surplus"`
	Shortfall int `yaml:"shortfall"`
}

// Anexo10Mapping is the column order of the Anexo 10 report:
// CÓDIGO | ESPECIFICAÇÃO | PREVISÃO | ARRECADAÇÃO | PARA MAIS | PARA MENOS
func Anexo10Mapping() ColumnMapping {
	return ColumnMapping{Section: 0, Label: 1, Predicted: 2, Collected: 3, Surplus: 4, Shortfall: 5}
}

// Validate checks the mapping against the detected column count.
func (m ColumnMapping) Validate(columns int) error {
	fields := []struct {
		name     string
		idx      int
		required bool
	}{
		{"section", m.Section, false},
		{"label", m.Label, true},
		{"predicted", m.Predicted, true},
		{"collected", m.Collected, true},
		{"surplus", m.Surplus, false},
		{"shortfall", m.Shortfall, false},
	}
	for _, f := range fields {
		if f.idx >= columns || (f.required && f.idx < 0) {
			return fmt.Errorf("%s column %d outside %d detected columns", f.name, f.idx, columns)
		}
	}
	return nil
}

func (m ColumnMapping) isAmount(col int) bool {
	return col == m.Predicted || col == m.Collected || col == m.Surplus || col == m.Shortfall
}

// ResolveMapping builds a mapping from header labels. It fails when the
// label or either amount column cannot be found.
func ResolveMapping(labels []string) (ColumnMapping, error) {
	m := ColumnMapping{Section: -1, Label: -1, Predicted: -1, Collected: -1, Surplus: -1, Shortfall: -1}
	for i, l := range labels {
		k := normalize.Fold(l)
		switch {
		case strings.Contains(k, "codigo"):
			m.Section = i
		case strings.Contains(k, "especifica"), strings.Contains(k, "entidade"), strings.Contains(k, "descri"):
			m.Label = i
		case strings.Contains(k, "previs"):
			m.Predicted = i
		case strings.Contains(k, "arrecad"):
			m.Collected = i
		case strings.Contains(k, "para mais"):
			m.Surplus = i
		case strings.Contains(k, "para menos"):
			m.Shortfall = i
		}
	}
	if m.Label < 0 || m.Predicted < 0 || m.Collected < 0 {
		return m, fmt.Errorf("header %q lacks label/predicted/collected columns", labels)
	}
	return m, nil
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Options tune record assembly.
type Options struct {
	NegativeAllowlist []string // Folded label fragments
	SkipTotals        bool     // Drop "TOTAL" rows
	// ResolveFromHeader prefers ResolveMapping on each table's header and
	// falls back to the configured mapping.
	ResolveFromHeader bool
}

// DefaultOptions is what the pipeline runs with.
func DefaultOptions() Options {
	return Options{
		NegativeAllowlist: DefaultNegativeAllowlist,
		SkipTotals:        true,
		ResolveFromHeader: true,
	}
}

// Assembler builds YearDatasets.
type Assembler struct {
	mapping ColumnMapping
	opts    Options
	logger  *log.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(mapping ColumnMapping, opts Options, logger *log.Logger) *Assembler {
	return &Assembler{mapping: mapping, opts: opts, logger: logger}
}

// Carry is the state passed from one row to the next inside a run: the
// current section header, the last revenue code seen and the start of a
// description that wrapped onto the next line.
type Carry struct {
	section string
	code    string

	pending     string
	pendingCode string
}

// Assemble processes every table of a year in order.
// It returns ErrNoRows (with the dataset and its diagnostics) when nothing
// could be assembled.
func (a *Assembler) Assemble(year int, tables []*extract.Table) (*models.YearDataset, error) {
	ds := &models.YearDataset{Year: year, RunID: uuid.New().String()}
	acc := Carry{}

	for _, t := range tables {
		mapping := a.mapping
		if a.opts.ResolveFromHeader {
			if m, err := ResolveMapping(t.Labels()); err == nil {
				mapping = m
			}
		}
		if err := mapping.Validate(len(t.Columns)); err != nil {
			a.logger.Warn("page skipped", "year", year, "page", t.Page, "err", err)
			ds.Diagnostics = append(ds.Diagnostics, models.Diagnostic{
				Kind: models.SchemaMismatch, Year: year, Page: t.Page,
				Message: err.Error(),
			})
			continue
		}
		acc = a.AssembleRows(year, t.Rows(), mapping, acc, ds)
	}

	ds.Diagnostics = append(ds.Diagnostics, duplicates(year, ds.Records)...)

	if len(ds.Records) == 0 {
		return ds, fmt.Errorf("year %d: %w", year, ErrNoRows)
	}
	a.logger.Info("year assembled", "year", year, "records", len(ds.Records), "diagnostics", len(ds.Diagnostics))
	return ds, nil
}

// AssembleRows folds a row sequence into ds and returns the carry for the
// next sequence of the same run.
func (a *Assembler) AssembleRows(year int, rows iter.Seq[extract.Row], m ColumnMapping, acc Carry, ds *models.YearDataset) Carry {
	for row := range rows {
		var rec *models.RevenueRecord
		var diags []models.Diagnostic
		acc, rec, diags = a.step(year, row, m, acc)
		ds.Diagnostics = append(ds.Diagnostics, diags...)
		if rec != nil {
			ds.Records = append(ds.Records, *rec)
		}
	}
	return acc
}

// step handles one row. Blank-label rows are section headers; labelled rows
// become records when one of the two amounts parses.
func (a *Assembler) step(year int, row extract.Row, m ColumnMapping, acc Carry) (Carry, *models.RevenueRecord, []models.Diagnostic) {
	cell := func(col int) string {
		if col < 0 || col >= len(row.Cells) || row.Cells[col].Padded {
			return ""
		}
		return strings.TrimSpace(row.Cells[col].Text)
	}
	label := cell(m.Label)
	code := cell(m.Section)

	if a.opts.SkipTotals && (isTotal(label) || isTotal(code)) {
		return acc, nil, nil
	}

	if label == "" {
		name := code
		if name == "" {
			for i := range row.Cells {
				if !m.isAmount(i) && cell(i) != "" {
					name = cell(i)
					break
				}
			}
		}
		if name == "" {
			return acc, nil, nil
		}
		return Carry{section: name}, nil, nil
	}

	// A labelled line with every amount cell empty is the first part of a
	// wrapped description; the amounts close it on a later line.
	if !hasAmountText(row, m, cell) {
		if code != "" {
			acc.pending, acc.pendingCode = label, code
		} else {
			acc.pending = strings.TrimSpace(acc.pending + " " + label)
		}
		return acc, nil, nil
	}
	if acc.pending != "" || acc.pendingCode != "" {
		if code == "" {
			label = strings.TrimSpace(acc.pending + " " + label)
			code = acc.pendingCode
		}
		acc.pending, acc.pendingCode = "", ""
	}

	rec := &models.RevenueRecord{
		Year:     year,
		Category: label,
		Section:  acc.section,
		Page:     row.Page,
		Row:      row.Index,
	}
	if code != "" {
		acc.code = code
		rec.Code = code
	} else if acc.code != "" {
		rec.Code = acc.code
		rec.Subitem = true
	}

	var diags []models.Diagnostic
	read := func(col int) decimal.NullDecimal {
		if col < 0 || col >= len(row.Cells) {
			return decimal.NullDecimal{}
		}
		amt := normalize.Normalize(row.Cells[col].Text)
		switch amt.Status {
		case models.AmountUnparseable:
			diags = append(diags, models.Diagnostic{
				Kind: models.NormalizationFailure, Year: year,
				Page: row.Page, Row: row.Index, Col: col, Raw: amt.Raw,
				Message: fmt.Sprintf("cannot parse %q for %q", amt.Raw, label),
			})
		case models.AmountOK:
			if amt.Value.IsNegative() && !amt.Parenthesized && !a.allowNegative(label) {
				diags = append(diags, models.Diagnostic{
					Kind: models.UnexpectedNegative, Year: year,
					Page: row.Page, Row: row.Index, Col: col, Raw: amt.Raw,
					Message: fmt.Sprintf("negative amount for %q without refund marker", label),
				})
			}
		}
		return amt.Nullable()
	}
	rec.Predicted = read(m.Predicted)
	rec.Collected = read(m.Collected)
	rec.Surplus = read(m.Surplus)
	rec.Shortfall = read(m.Shortfall)

	if !rec.Predicted.Valid && !rec.Collected.Valid {
		return acc, nil, diags
	}
	return acc, rec, diags
}

func hasAmountText(row extract.Row, m ColumnMapping, cell func(int) string) bool {
	for i := range row.Cells {
		if m.isAmount(i) && cell(i) != "" {
			return true
		}
	}
	return false
}

func (a *Assembler) allowNegative(label string) bool {
	k := normalize.Fold(label)
	for _, allowed := range a.opts.NegativeAllowlist {
		if strings.Contains(k, allowed) {
			return true
		}
	}
	return false
}

func isTotal(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "total")
}

// duplicates reports every key seen more than once, listing all of its rows.
// Records themselves are kept.
func duplicates(year int, records []models.RevenueRecord) []models.Diagnostic {
	seen := make(map[models.RecordKey][]models.CellRef)
	var order []models.RecordKey
	for _, r := range records {
		k := r.Key()
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = append(seen[k], models.CellRef{Page: r.Page, Row: r.Row})
	}

	var diags []models.Diagnostic
	for _, k := range order {
		refs := seen[k]
		if len(refs) < 2 {
			continue
		}
		name := k.Category
		if k.Code != "" {
			name = k.Code + " " + k.Category
		}
		diags = append(diags, models.Diagnostic{
			Kind: models.DuplicateKey, Year: year,
			Page: refs[0].Page, Row: refs[0].Row,
			Message:     fmt.Sprintf("%q appears %d times", name, len(refs)),
			Occurrences: refs,
		})
	}
	return diags
}
