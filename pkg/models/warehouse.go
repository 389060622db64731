package models

import (
	"slices"

	"github.com/shopspring/decimal"
)

// ExpenseStage is one step of municipal expense execution.
type ExpenseStage string

const (
	StageCommitted  ExpenseStage = "empenhadas"
	StageLiquidated ExpenseStage = "liquidadas"
	StagePaid       ExpenseStage = "pagas"
)

// ExpenseStages lists the stages in execution order.
var ExpenseStages = []ExpenseStage{StageCommitted, StageLiquidated, StagePaid}

// ValidStage reports whether s names a known stage.
func ValidStage(s string) bool {
	for _, st := range ExpenseStages {
		if string(st) == s {
			return true
		}
	}
	return false
}

// ExpenseEntry is one value column of one row of a portal expense export.
type ExpenseEntry struct {
	Year   int             `json:"ano"`
	Entity string          `json:"entidade"`
	Column string          `json:"coluna"`
	Value  decimal.Decimal `json:"valor"`
}

// ExpenseFact aggregates the three stages for one (year, entity).
type ExpenseFact struct {
	Year       int             `json:"exercicio"`
	Entity     string          `json:"entidade"`
	Committed  decimal.Decimal `json:"valor_empenhado"`
	Liquidated decimal.Decimal `json:"valor_liquidado"`
	Paid       decimal.Decimal `json:"valor_pago"`
}

// RevenueFact aggregates revenue for one (year, label).
type RevenueFact struct {
	Year      int             `json:"exercicio"`
	Label     string          `json:"especificacao"`
	Predicted decimal.Decimal `json:"previsao"`
	Collected decimal.Decimal `json:"arrecadacao"`
}

// StagedRevenue is a row of stg_receitas.
type StagedRevenue struct {
	Year      int                 `json:"ano"`
	Code      string              `json:"codigo"`
	Label     string              `json:"especificacao"`
	Subitem   string              `json:"subitem"`
	Predicted decimal.NullDecimal `json:"previsao"`
	Collected decimal.NullDecimal `json:"arrecadacao"`
}

// YearTotals is the per-year sum of the facts.
type YearTotals struct {
	Year       int             `json:"ano"`
	Committed  decimal.Decimal `json:"empenhado"`
	Liquidated decimal.Decimal `json:"liquidado"`
	Paid       decimal.Decimal `json:"pago"`
	Predicted  decimal.Decimal `json:"previsto"`
	Collected  decimal.Decimal `json:"arrecadado"`
}

// Snapshot is the warehouse content the quality checks and KPI exports work
// on. Staged holds every stg_receitas row, subitems included; StagedTotals
// sums staging per year the same way the facts are built.
type Snapshot struct {
	Expenses     []ExpenseFact   `json:"expenses"`
	Revenue      []RevenueFact   `json:"revenue"`
	Staged       []StagedRevenue `json:"staged"`
	StagedTotals []YearTotals    `json:"staged_totals"`
}

// Years returns the distinct years present in the facts, sorted.
func (s *Snapshot) Years() []int {
	seen := make(map[int]bool)
	for _, e := range s.Expenses {
		seen[e.Year] = true
	}
	for _, r := range s.Revenue {
		seen[r.Year] = true
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}
