package store

import (
	"context"
	"fmt"

	"budget_monitor/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

var revenueColumns = []string{
	"ano", "codigo", "especificacao", "subitem", "secao",
	"previsao", "arrecadacao", "para_mais", "para_menos",
	"pagina", "linha", "carga_id",
}

// RevenueRepo writes assembled revenue datasets to stg_receitas.
type RevenueRepo struct{}

// NewRevenueRepo creates a new repository instance.
func NewRevenueRepo() *RevenueRepo {
	return &RevenueRepo{}
}

// revenueRows flattens records into stg_receitas rows. Subitems keep their
// label in subitem and leave especificacao empty.
func revenueRows(ds *models.YearDataset, loadID uuid.UUID) [][]any {
	rows := make([][]any, 0, len(ds.Records))
	for _, r := range ds.Records {
		var label, sub *string
		category := r.Category
		if r.Subitem {
			sub = &category
		} else {
			label = &category
		}
		rows = append(rows, []any{
			r.Year, r.Code, label, sub, r.Section,
			toNullNumeric(r.Predicted), toNullNumeric(r.Collected),
			toNullNumeric(r.Surplus), toNullNumeric(r.Shortfall),
			r.Page, r.Row, loadID,
		})
	}
	return rows
}

// Load replaces the dataset's year in stg_receitas within one transaction and
// returns the number of rows copied.
func (r *RevenueRepo) Load(ctx context.Context, ds *models.YearDataset) (int64, error) {
	p, err := requirePool()
	if err != nil {
		return 0, err
	}

	loadID, err := uuid.Parse(ds.RunID)
	if err != nil {
		loadID = uuid.New()
	}

	tx, err := p.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM stg_receitas WHERE ano = $1`, ds.Year); err != nil {
		return 0, fmt.Errorf("failed to clear year %d: %w", ds.Year, err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"stg_receitas"}, revenueColumns, pgx.CopyFromRows(revenueRows(ds, loadID)))
	if err != nil {
		return 0, fmt.Errorf("failed to copy revenue rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// Staged returns every stg_receitas row, ordered by year and position.
func (r *RevenueRepo) Staged(ctx context.Context) ([]models.StagedRevenue, error) {
	p, err := requirePool()
	if err != nil {
		return nil, err
	}

	rows, err := p.Query(ctx, `
		SELECT ano, codigo, COALESCE(especificacao, ''), COALESCE(subitem, ''), previsao, arrecadacao
		FROM stg_receitas
		ORDER BY ano, pagina NULLS LAST, linha NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stg_receitas: %w", err)
	}
	defer rows.Close()

	var out []models.StagedRevenue
	for rows.Next() {
		var s models.StagedRevenue
		var prev, arr pgtype.Numeric
		if err := rows.Scan(&s.Year, &s.Code, &s.Label, &s.Subitem, &prev, &arr); err != nil {
			return nil, fmt.Errorf("failed to scan stg_receitas: %w", err)
		}
		s.Predicted = fromNullNumeric(prev)
		s.Collected = fromNullNumeric(arr)
		out = append(out, s)
	}
	return out, rows.Err()
}
