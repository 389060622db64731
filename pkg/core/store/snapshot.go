package store

import (
	"context"
	"fmt"

	"budget_monitor/pkg/models"

	"github.com/jackc/pgx/v5/pgtype"
)

// Warehouse bundles the repositories behind one value so the pipeline can
// depend on an interface.
type Warehouse struct {
	revenue  *RevenueRepo
	expenses *ExpenseRepo
}

// NewWarehouse creates a warehouse over the pool opened by InitDB.
func NewWarehouse() *Warehouse {
	return &Warehouse{revenue: NewRevenueRepo(), expenses: NewExpenseRepo()}
}

// EnsureSchema creates the staging tables, facts and views.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx)
}

// LoadRevenue replaces the dataset's year in stg_receitas.
func (w *Warehouse) LoadRevenue(ctx context.Context, ds *models.YearDataset) (int64, error) {
	return w.revenue.Load(ctx, ds)
}

// LoadExpenses replaces the entries' years in the stage table.
func (w *Warehouse) LoadExpenses(ctx context.Context, stage models.ExpenseStage, file string, entries []models.ExpenseEntry) (int64, error) {
	return w.expenses.Load(ctx, stage, file, entries)
}

// BuildFacts rebuilds the fact tables for years.
func (w *Warehouse) BuildFacts(ctx context.Context, years []int) (FactCounts, error) {
	return BuildFacts(ctx, years)
}

// Snapshot loads both fact tables and the revenue staging rows.
func (w *Warehouse) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	p, err := requirePool()
	if err != nil {
		return nil, err
	}
	snap := &models.Snapshot{}

	rows, err := p.Query(ctx, `
		SELECT exercicio, entidade, valor_empenhado, valor_liquidado, valor_pago
		FROM fato_despesa ORDER BY exercicio, entidade`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fato_despesa: %w", err)
	}
	for rows.Next() {
		var f models.ExpenseFact
		var emp, liq, pag pgtype.Numeric
		if err := rows.Scan(&f.Year, &f.Entity, &emp, &liq, &pag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan fato_despesa: %w", err)
		}
		f.Committed, f.Liquidated, f.Paid = fromNumeric(emp), fromNumeric(liq), fromNumeric(pag)
		snap.Expenses = append(snap.Expenses, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = p.Query(ctx, `
		SELECT exercicio, especificacao, previsao, arrecadacao
		FROM fato_receita ORDER BY exercicio, especificacao`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fato_receita: %w", err)
	}
	for rows.Next() {
		var f models.RevenueFact
		var prev, arr pgtype.Numeric
		if err := rows.Scan(&f.Year, &f.Label, &prev, &arr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan fato_receita: %w", err)
		}
		f.Predicted, f.Collected = fromNumeric(prev), fromNumeric(arr)
		snap.Revenue = append(snap.Revenue, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if snap.Staged, err = w.revenue.Staged(ctx); err != nil {
		return nil, err
	}
	if snap.StagedTotals, err = w.stagedTotals(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// sqlStagedTotals sums staging per year with the same filters as BuildFacts.
const sqlStagedTotals = `
WITH emp AS (SELECT ano, SUM(valor) AS v FROM stg_despesas_empenhadas GROUP BY ano),
     liq AS (SELECT ano, SUM(valor) AS v FROM stg_despesas_liquidadas GROUP BY ano),
     pag AS (SELECT ano, SUM(valor) AS v FROM stg_despesas_pagas GROUP BY ano),
     rec AS (
        SELECT ano, SUM(COALESCE(previsao, 0)) AS p, SUM(COALESCE(arrecadacao, 0)) AS a
        FROM stg_receitas
        WHERE NULLIF(TRIM(subitem), '') IS NULL AND NULLIF(TRIM(especificacao), '') IS NOT NULL
        GROUP BY ano
     ),
     anos AS (
        SELECT ano FROM emp UNION SELECT ano FROM liq UNION
        SELECT ano FROM pag UNION SELECT ano FROM rec
     )
SELECT anos.ano, COALESCE(emp.v, 0), COALESCE(liq.v, 0), COALESCE(pag.v, 0),
       COALESCE(rec.p, 0), COALESCE(rec.a, 0)
FROM anos
LEFT JOIN emp ON emp.ano = anos.ano
LEFT JOIN liq ON liq.ano = anos.ano
LEFT JOIN pag ON pag.ano = anos.ano
LEFT JOIN rec ON rec.ano = anos.ano
ORDER BY anos.ano`

func (w *Warehouse) stagedTotals(ctx context.Context) ([]models.YearTotals, error) {
	p, err := requirePool()
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx, sqlStagedTotals)
	if err != nil {
		return nil, fmt.Errorf("failed to total staging: %w", err)
	}
	defer rows.Close()

	var out []models.YearTotals
	for rows.Next() {
		var t models.YearTotals
		var emp, liq, pag, prev, arr pgtype.Numeric
		if err := rows.Scan(&t.Year, &emp, &liq, &pag, &prev, &arr); err != nil {
			return nil, fmt.Errorf("failed to scan staging totals: %w", err)
		}
		t.Committed, t.Liquidated, t.Paid = fromNumeric(emp), fromNumeric(liq), fromNumeric(pag)
		t.Predicted, t.Collected = fromNumeric(prev), fromNumeric(arr)
		out = append(out, t)
	}
	return out, rows.Err()
}
