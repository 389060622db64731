package store

import (
	"context"
	"fmt"

	"budget_monitor/pkg/models"
)

const ddlRevenueStaging = `
CREATE TABLE IF NOT EXISTS stg_receitas (
    ano           INTEGER     NOT NULL,
    codigo        TEXT        NOT NULL DEFAULT '',
    especificacao TEXT        NULL,
    subitem       TEXT        NULL,
    secao         TEXT        NULL,
    previsao      NUMERIC     NULL,
    arrecadacao   NUMERIC     NULL,
    para_mais     NUMERIC     NULL,
    para_menos    NUMERIC     NULL,
    pagina        INTEGER     NULL,
    linha         INTEGER     NULL,
    carga_id      UUID        NOT NULL,
    carregado_em  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_stg_receitas_ano ON stg_receitas(ano);
CREATE INDEX IF NOT EXISTS idx_stg_receitas_codigo ON stg_receitas(codigo);
CREATE INDEX IF NOT EXISTS idx_stg_receitas_especificacao ON stg_receitas(especificacao);
CREATE INDEX IF NOT EXISTS idx_stg_receitas_subitem ON stg_receitas(subitem);
`

const ddlExpenseStaging = `
CREATE TABLE IF NOT EXISTS %[1]s (
    ano          INTEGER     NOT NULL,
    entidade     TEXT        NOT NULL,
    coluna       TEXT        NOT NULL,
    valor        NUMERIC     NOT NULL,
    arquivo      TEXT        NULL,
    carga_id     UUID        NOT NULL,
    carregado_em TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_ano ON %[1]s(ano);
`

const ddlFacts = `
CREATE TABLE IF NOT EXISTS fato_despesa (
    exercicio       INTEGER NOT NULL,
    entidade        TEXT    NOT NULL,
    valor_empenhado NUMERIC NOT NULL DEFAULT 0,
    valor_liquidado NUMERIC NOT NULL DEFAULT 0,
    valor_pago      NUMERIC NOT NULL DEFAULT 0,
    PRIMARY KEY (exercicio, entidade)
);
CREATE TABLE IF NOT EXISTS fato_receita (
    exercicio     INTEGER NOT NULL,
    especificacao TEXT    NOT NULL,
    previsao      NUMERIC NOT NULL DEFAULT 0,
    arrecadacao   NUMERIC NOT NULL DEFAULT 0,
    PRIMARY KEY (exercicio, especificacao)
);
`

const ddlViews = `
CREATE OR REPLACE VIEW vw_receita_por_tipo AS
SELECT ano,
       LPAD(codigo, 2, '0') AS codigo,
       TRIM(especificacao)  AS especificacao,
       SUM(previsao)        AS previsao,
       SUM(arrecadacao)     AS arrecadacao,
       SUM(para_mais)       AS para_mais,
       SUM(para_menos)      AS para_menos
FROM stg_receitas
WHERE NULLIF(TRIM(subitem), '') IS NULL
  AND NULLIF(TRIM(especificacao), '') IS NOT NULL
GROUP BY ano, LPAD(codigo, 2, '0'), TRIM(especificacao);

CREATE OR REPLACE VIEW vw_receita_por_subitem AS
SELECT ano,
       LPAD(codigo, 2, '0')              AS codigo,
       TRIM(COALESCE(especificacao, '')) AS especificacao_pai,
       TRIM(subitem)                     AS subitem,
       SUM(previsao)                     AS previsao,
       SUM(arrecadacao)                  AS arrecadacao,
       SUM(para_mais)                    AS para_mais,
       SUM(para_menos)                   AS para_menos
FROM stg_receitas
WHERE NULLIF(TRIM(subitem), '') IS NOT NULL
GROUP BY ano, LPAD(codigo, 2, '0'), TRIM(COALESCE(especificacao, '')), TRIM(subitem);

CREATE OR REPLACE VIEW vw_receita_resumo_anual AS
SELECT ano,
       SUM(previsao)    AS previsao_total,
       SUM(arrecadacao) AS arrecadacao_total,
       SUM(para_mais)   AS para_mais_total,
       SUM(para_menos)  AS para_menos_total
FROM stg_receitas
WHERE NULLIF(TRIM(subitem), '') IS NULL
GROUP BY ano;
`

// expenseTable is the staging table of a stage.
func expenseTable(stage models.ExpenseStage) string {
	return "stg_despesas_" + string(stage)
}

// EnsureSchema creates the staging tables, facts and views when missing.
func EnsureSchema(ctx context.Context) error {
	p, err := requirePool()
	if err != nil {
		return err
	}

	statements := []string{ddlRevenueStaging}
	for _, st := range models.ExpenseStages {
		statements = append(statements, fmt.Sprintf(ddlExpenseStaging, expenseTable(st)))
	}
	statements = append(statements, ddlFacts, ddlViews)

	for _, stmt := range statements {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
