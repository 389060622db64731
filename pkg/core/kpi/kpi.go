// Package kpi exports the yearly indicators of the warehouse as CSV and JSON
// files plus a readable summary.
package kpi

import (
	"cmp"
	"slices"
	"strings"

	"budget_monitor/pkg/core/validate"
	"budget_monitor/pkg/models"

	"github.com/shopspring/decimal"
)

// Table is one KPI for one year. Cells hold int, string or decimal.Decimal;
// a nil cell is written empty.
type Table struct {
	Name   string
	Header []string
	Rows   [][]any
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// EXPENSES
// =============================================================================

// GlobalExecution sums the three stages over every entity of the year. The
// percentages are relative to the committed amount.
func GlobalExecution(snap *models.Snapshot, year int) Table {
	t := expenseTotal(snap, year)
	return Table{
		Name:   "execucao_global_anual",
		Header: []string{"ano", "empenhado", "liquidado", "pago", "pct_liquidado", "pct_pago"},
		Rows: [][]any{{year, t.Committed, t.Liquidated, t.Paid,
			percent(t.Liquidated, t.Committed), percent(t.Paid, t.Committed)}},
	}
}

// ExecutionByEntity lists the year's entities by paid amount, largest first.
func ExecutionByEntity(snap *models.Snapshot, year int) Table {
	byEntity := make(map[string]*models.ExpenseFact)
	var order []string
	for _, f := range snap.Expenses {
		if f.Year != year {
			continue
		}
		agg, ok := byEntity[f.Entity]
		if !ok {
			agg = &models.ExpenseFact{Year: year, Entity: f.Entity}
			byEntity[f.Entity] = agg
			order = append(order, f.Entity)
		}
		agg.Committed = agg.Committed.Add(f.Committed)
		agg.Liquidated = agg.Liquidated.Add(f.Liquidated)
		agg.Paid = agg.Paid.Add(f.Paid)
	}
	slices.SortStableFunc(order, func(a, b string) int {
		if c := byEntity[b].Paid.Cmp(byEntity[a].Paid); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	t := Table{Name: "execucao_por_entidade_anual", Header: []string{"ano", "entidade", "empenhado", "liquidado", "pago"}}
	for _, name := range order {
		f := byEntity[name]
		t.Rows = append(t.Rows, []any{year, name, f.Committed, f.Liquidated, f.Paid})
	}
	return t
}

// =============================================================================
// REVENUE
// =============================================================================

// PredictedVsCollected compares the year's revenue forecast with collection.
// gap is predicted minus collected.
func PredictedVsCollected(snap *models.Snapshot, year int) Table {
	r := revenueTotal(snap, year)
	return Table{
		Name:   "receita_prevista_arrecadada_anual",
		Header: []string{"ano", "previsto", "arrecadado", "gap", "pct_arrecadado"},
		Rows:   [][]any{{year, r.Predicted, r.Collected, r.Predicted.Sub(r.Collected), percent(r.Collected, r.Predicted)}},
	}
}

// SurplusDeficit sets collected revenue against paid expenses. A positive
// resultado is a surplus.
func SurplusDeficit(snap *models.Snapshot, year int) Table {
	e := expenseTotal(snap, year)
	r := revenueTotal(snap, year)
	return Table{
		Name: "superavit_deficit_anual",
		Header: []string{"ano", "pago", "arrecadado", "previsto", "resultado",
			"diff_arrecadado_previsto", "diff_previsto_arrecadado"},
		Rows: [][]any{{
			year, e.Paid, r.Collected, r.Predicted, r.Collected.Sub(e.Paid),
			r.Collected.Sub(r.Predicted), r.Predicted.Sub(r.Collected),
		}},
	}
}

// RevenueByCode groups the year's staged category rows by revenue code, most
// collected first. Each code is labelled with its first non-empty label.
func RevenueByCode(snap *models.Snapshot, year int) Table {
	type agg struct {
		code, label          string
		predicted, collected decimal.Decimal
	}
	byCode := make(map[string]*agg)
	var order []string
	for _, s := range snap.Staged {
		code := strings.TrimSpace(s.Code)
		if s.Year != year || s.Subitem != "" || code == "" || strings.EqualFold(code, "total") {
			continue
		}
		a, ok := byCode[code]
		if !ok {
			a = &agg{code: code}
			byCode[code] = a
			order = append(order, code)
		}
		if a.label == "" {
			a.label = strings.TrimSpace(s.Label)
		}
		if s.Predicted.Valid {
			a.predicted = a.predicted.Add(s.Predicted.Decimal)
		}
		if s.Collected.Valid {
			a.collected = a.collected.Add(s.Collected.Decimal)
		}
	}
	slices.SortStableFunc(order, func(x, y string) int {
		if c := byCode[y].collected.Cmp(byCode[x].collected); c != 0 {
			return c
		}
		return cmp.Compare(x, y)
	})

	t := Table{Name: "receita_por_codigo_anual", Header: []string{"codigo", "especificacao", "previsao", "arrecadacao"}}
	for _, code := range order {
		a := byCode[code]
		if a.label == "" {
			continue
		}
		t.Rows = append(t.Rows, []any{a.code, a.label, a.predicted, a.collected})
	}
	return t
}

// =============================================================================
// CONSISTENCY
// =============================================================================

// FactsVsStaging puts the year's fact totals next to the staging totals.
func FactsVsStaging(snap *models.Snapshot, year int, tolerance decimal.Decimal) Table {
	e := expenseTotal(snap, year)
	r := revenueTotal(snap, year)
	var s models.YearTotals
	for _, st := range snap.StagedTotals {
		if st.Year == year {
			s = st
		}
	}

	consistent := "OK"
	for _, pair := range [][2]decimal.Decimal{
		{e.Committed, s.Committed}, {e.Liquidated, s.Liquidated}, {e.Paid, s.Paid},
		{r.Predicted, s.Predicted}, {r.Collected, s.Collected},
	} {
		if validate.CheckTolerance(pair[0], pair[1], tolerance).Diverges {
			consistent = "DIVERGENTE"
		}
	}

	return Table{
		Name: "validations_fatos_vs_staging",
		Header: []string{"ano",
			"despesa_empenhado", "despesa_liquidado", "despesa_pago", "receita_previsto", "receita_arrecadado",
			"stg_empenhado", "stg_liquidado", "stg_pago", "stg_previsto", "stg_arrecadado", "status"},
		Rows: [][]any{{year,
			e.Committed, e.Liquidated, e.Paid, r.Predicted, r.Collected,
			s.Committed, s.Liquidated, s.Paid, s.Predicted, s.Collected, consistent}},
	}
}

// Coverage is the data_coverage_report.json document.
type Coverage struct {
	Year   int             `json:"ano"`
	Checks []CoverageCheck `json:"checks"`
}

// CoverageCheck is one named group of values.
type CoverageCheck struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

// YearCoverage summarizes what the warehouse holds for a year.
func YearCoverage(snap *models.Snapshot, year int) Coverage {
	e := expenseTotal(snap, year)
	r := revenueTotal(snap, year)

	entities, labels, staged := 0, 0, 0
	for _, f := range snap.Expenses {
		if f.Year == year {
			entities++
		}
	}
	for _, f := range snap.Revenue {
		if f.Year == year {
			labels++
		}
	}
	for _, s := range snap.Staged {
		if s.Year == year {
			staged++
		}
	}

	return Coverage{Year: year, Checks: []CoverageCheck{
		{Name: "fato_despesa_totais", Values: map[string]any{
			"empenhado": e.Committed, "liquidado": e.Liquidated, "pago": e.Paid, "linhas": entities,
		}},
		{Name: "fato_receita_totais", Values: map[string]any{
			"previsto": r.Predicted, "arrecadado": r.Collected, "linhas": labels,
		}},
		{Name: "stg_receitas", Values: map[string]any{"linhas": staged}},
	}}
}

// =============================================================================
// HELPERS
// =============================================================================

// percent returns part/whole*100 with two places, or nil when whole is zero.
func percent(part, whole decimal.Decimal) any {
	if whole.IsZero() {
		return nil
	}
	return part.Mul(hundred).DivRound(whole, 2)
}

func expenseTotal(snap *models.Snapshot, year int) models.YearTotals {
	t := models.YearTotals{Year: year}
	for _, f := range snap.Expenses {
		if f.Year == year {
			t.Committed = t.Committed.Add(f.Committed)
			t.Liquidated = t.Liquidated.Add(f.Liquidated)
			t.Paid = t.Paid.Add(f.Paid)
		}
	}
	return t
}

func revenueTotal(snap *models.Snapshot, year int) models.YearTotals {
	t := models.YearTotals{Year: year}
	for _, f := range snap.Revenue {
		if f.Year == year {
			t.Predicted = t.Predicted.Add(f.Predicted)
			t.Collected = t.Collected.Add(f.Collected)
		}
	}
	return t
}
