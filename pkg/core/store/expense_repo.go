package store

import (
	"context"
	"fmt"

	"budget_monitor/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var expenseColumns = []string{"ano", "entidade", "coluna", "valor", "arquivo", "carga_id"}

// ExpenseRepo writes parsed expense exports to the stage staging tables.
type ExpenseRepo struct{}

// NewExpenseRepo creates a new repository instance.
func NewExpenseRepo() *ExpenseRepo {
	return &ExpenseRepo{}
}

// Load replaces the rows of the entries' years in the stage table and returns
// the number of rows copied.
func (r *ExpenseRepo) Load(ctx context.Context, stage models.ExpenseStage, file string, entries []models.ExpenseEntry) (int64, error) {
	if !models.ValidStage(string(stage)) {
		return 0, fmt.Errorf("unknown expense stage %q", stage)
	}
	p, err := requirePool()
	if err != nil {
		return 0, err
	}

	years := make([]int, 0, 1)
	seen := make(map[int]bool)
	loadID := uuid.New()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if !seen[e.Year] {
			seen[e.Year] = true
			years = append(years, e.Year)
		}
		rows = append(rows, []any{e.Year, e.Entity, e.Column, toNumeric(e.Value), file, loadID})
	}

	table := expenseTable(stage)
	tx, err := p.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ano = ANY($1)`, table), years); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", table, err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, expenseColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s rows: %w", stage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}
