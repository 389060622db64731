package store

import (
	"context"
	"fmt"
)

// sqlExpenseFacts joins the three stage measures per (year, entity). An entity
// missing from a stage counts as zero for it.
const sqlExpenseFacts = `
WITH emp AS (
    SELECT ano AS exercicio, entidade, SUM(valor) AS v FROM stg_despesas_empenhadas
    WHERE ano = ANY($1) GROUP BY 1, 2
), liq AS (
    SELECT ano AS exercicio, entidade, SUM(valor) AS v FROM stg_despesas_liquidadas
    WHERE ano = ANY($1) GROUP BY 1, 2
), pag AS (
    SELECT ano AS exercicio, entidade, SUM(valor) AS v FROM stg_despesas_pagas
    WHERE ano = ANY($1) GROUP BY 1, 2
)
INSERT INTO fato_despesa (exercicio, entidade, valor_empenhado, valor_liquidado, valor_pago)
SELECT COALESCE(emp.exercicio, liq.exercicio, pag.exercicio),
       COALESCE(emp.entidade, liq.entidade, pag.entidade),
       COALESCE(emp.v, 0), COALESCE(liq.v, 0), COALESCE(pag.v, 0)
FROM emp
FULL JOIN liq ON liq.exercicio = emp.exercicio AND liq.entidade = emp.entidade
FULL JOIN pag ON pag.exercicio = COALESCE(emp.exercicio, liq.exercicio)
             AND pag.entidade = COALESCE(emp.entidade, liq.entidade)`

// sqlRevenueFacts keeps category rows only; subitems detail them.
const sqlRevenueFacts = `
INSERT INTO fato_receita (exercicio, especificacao, previsao, arrecadacao)
SELECT ano, TRIM(especificacao), SUM(COALESCE(previsao, 0)), SUM(COALESCE(arrecadacao, 0))
FROM stg_receitas
WHERE ano = ANY($1)
  AND NULLIF(TRIM(subitem), '') IS NULL
  AND NULLIF(TRIM(especificacao), '') IS NOT NULL
GROUP BY 1, 2`

// FactCounts reports how many fact rows a rebuild produced.
type FactCounts struct {
	Expenses int64
	Revenue  int64
}

// BuildFacts rebuilds fato_despesa and fato_receita for the given years from
// staging, in one transaction.
func BuildFacts(ctx context.Context, years []int) (FactCounts, error) {
	var counts FactCounts
	p, err := requirePool()
	if err != nil {
		return counts, err
	}
	if len(years) == 0 {
		return counts, fmt.Errorf("no years to build")
	}

	tx, err := p.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"fato_despesa", "fato_receita"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE exercicio = ANY($1)`, years); err != nil {
			return counts, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	tag, err := tx.Exec(ctx, sqlExpenseFacts, years)
	if err != nil {
		return counts, fmt.Errorf("failed to build fato_despesa: %w", err)
	}
	counts.Expenses = tag.RowsAffected()

	tag, err = tx.Exec(ctx, sqlRevenueFacts, years)
	if err != nil {
		return counts, fmt.Errorf("failed to build fato_receita: %w", err)
	}
	counts.Revenue = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return counts, fmt.Errorf("failed to commit: %w", err)
	}
	return counts, nil
}
