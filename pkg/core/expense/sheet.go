// Package expense reads the expense CSV exports of the portal (committed,
// liquidated and paid stages) into typed entries.
package expense

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/models"

	"github.com/shopspring/decimal"
)

// Sheet is a parsed export with its TOTAL rows removed.
type Sheet struct {
	Columns []string // Original header names
	Keys    []string // Folded snake keys of Columns
	Rows    [][]string
	Dropped int // TOTAL rows removed
}

// Parse reads a portal CSV. The delimiter is sniffed from the header line and
// a UTF-8 BOM is ignored.
func Parse(data []byte) (*Sheet, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	header, _, _ := bytes.Cut(data, []byte("\n"))

	r := csv.NewReader(bytes.NewReader(data))
	if bytes.Count(header, []byte(";")) >= bytes.Count(header, []byte(",")) {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV")
	}

	s := &Sheet{Columns: records[0]}
	for _, c := range s.Columns {
		s.Keys = append(s.Keys, normalize.Key(c))
	}
	for _, row := range records[1:] {
		if blank(row) {
			continue
		}
		if isTotal(row) {
			s.Dropped++
			continue
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// isTotal reports whether any cell reads exactly "total".
func isTotal(row []string) bool {
	for _, c := range row {
		if strings.EqualFold(strings.TrimSpace(c), "total") {
			return true
		}
	}
	return false
}

// =============================================================================
// COLUMN RESOLUTION
// =============================================================================

// Find returns the first column whose key equals a candidate, then the first
// whose key starts with one. -1 when none matches.
func (s *Sheet) Find(candidates ...string) int {
	for _, cand := range candidates {
		k := normalize.Key(cand)
		for i, key := range s.Keys {
			if key == k {
				return i
			}
		}
	}
	for _, cand := range candidates {
		k := normalize.Key(cand)
		for i, key := range s.Keys {
			if strings.HasPrefix(key, k) {
				return i
			}
		}
	}
	return -1
}

// YearColumn locates the fiscal year column.
func (s *Sheet) YearColumn() int {
	return s.Find("exercicio", "ano")
}

// EntityColumn locates the entity column.
func (s *Sheet) EntityColumn() int {
	return s.Find("entidade", "orgao", "unidade_orcamentaria", "unidade")
}

// synonyms widen the tokens used to spot value columns.
var synonyms = map[string][]string{
	"empenhad": {"empenhad", "empenho"},
	"liquid":   {"liquid"},
	"pago":     {"pago", "pagamento"},
	"orc":      {"orc"},
	"restos":   {"restos", "rap", "a_pagar", "apagar", "pagar"},
}

// matching returns the columns whose key holds one synonym of must and, when
// anyOf is set, one synonym of anyOf.
func (s *Sheet) matching(must, anyOf string) []int {
	var out []int
	for i, key := range s.Keys {
		if !containsAny(key, synonyms[must]) {
			continue
		}
		if anyOf != "" && !containsAny(key, synonyms[anyOf]) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func containsAny(key string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(key, t) {
			return true
		}
	}
	return false
}

// MeasureColumns returns the columns summed into the stage measure:
// committed uses the net commitment ("liquido") or else every commitment
// column; liquidated and paid add the budget and carried-over (restos a
// pagar) columns, falling back to every column of the stage.
func (s *Sheet) MeasureColumns(stage models.ExpenseStage) ([]int, error) {
	var cols []int
	switch stage {
	case models.StageCommitted:
		for i, key := range s.Keys {
			if strings.Contains(key, "liquido") {
				cols = append(cols, i)
			}
		}
		if len(cols) == 0 {
			cols = s.matching("empenhad", "")
		}
	case models.StageLiquidated:
		cols = union(s.matching("liquid", "orc"), s.matching("liquid", "restos"))
		if len(cols) == 0 {
			cols = s.matching("liquid", "")
		}
	case models.StagePaid:
		cols = union(s.matching("pago", "orc"), s.matching("pago", "restos"))
		if len(cols) == 0 {
			cols = s.matching("pago", "")
		}
	default:
		return nil, fmt.Errorf("unknown expense stage %q", stage)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no value column for stage %s in %q", stage, s.Columns)
	}
	return cols, nil
}

func union(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, x := range b {
		dup := false
		for _, y := range a {
			if x == y {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, x)
		}
	}
	return out
}

// =============================================================================
// VALUES
// =============================================================================

var yearPattern = regexp.MustCompile(`\d{4}`)

// Entries turns the measure columns of every row into entries. Rows without a
// readable year take fallbackYear. Unparseable amounts count as zero and are
// reported in the returned count.
func (s *Sheet) Entries(stage models.ExpenseStage, fallbackYear int) ([]models.ExpenseEntry, int, error) {
	cols, err := s.MeasureColumns(stage)
	if err != nil {
		return nil, 0, err
	}
	yearCol, entityCol := s.YearColumn(), s.EntityColumn()

	var out []models.ExpenseEntry
	bad := 0
	for _, row := range s.Rows {
		year := fallbackYear
		if v := cell(row, yearCol); v != "" {
			if m := yearPattern.FindString(v); m != "" {
				year, _ = strconv.Atoi(m)
			}
		}
		entity := cell(row, entityCol)
		for _, c := range cols {
			amt := normalize.Lenient(cell(row, c))
			value := decimal.Zero
			switch amt.Status {
			case models.AmountOK:
				value = amt.Value
			case models.AmountUnparseable:
				bad++
			}
			out = append(out, models.ExpenseEntry{
				Year: year, Entity: entity, Column: s.Keys[c], Value: value,
			})
		}
	}
	return out, bad, nil
}

// Total sums the stage measure over all rows.
func (s *Sheet) Total(stage models.ExpenseStage) (decimal.Decimal, []string, error) {
	cols, err := s.MeasureColumns(stage)
	if err != nil {
		return decimal.Zero, nil, err
	}
	total := decimal.Zero
	for _, row := range s.Rows {
		for _, c := range cols {
			if amt := normalize.Lenient(cell(row, c)); amt.OK() {
				total = total.Add(amt.Value)
			}
		}
	}
	used := make([]string, len(cols))
	for i, c := range cols {
		used[i] = s.Columns[c]
	}
	return total, used, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
