// Package quality runs the warehouse consistency rules over a snapshot and
// writes one CSV report per rule that found something.
package quality

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"budget_monitor/pkg/core/assemble"
	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/core/validate"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// Rule identifies one check.
type Rule string

const (
	RuleInequality Rule = "R1"
	RuleNegatives  Rule = "R2"
	RuleDuplicates Rule = "R3"
	RuleReconcile  Rule = "R4"
	RuleCoverage   Rule = "R5"
	RuleYoY        Rule = "R6"
	RuleTotalRows  Rule = "R7"
)

// criticalRules fail the run when they report anything.
var criticalRules = []Rule{RuleInequality, RuleReconcile}

// Severity returns "critico" for rules that fail a run and "alerta" otherwise.
func (r Rule) Severity() string {
	if slices.Contains(criticalRules, r) {
		return "critico"
	}
	return "alerta"
}

var reportFiles = map[Rule]string{
	RuleInequality: "R1_inequalities.csv",
	RuleNegatives:  "R2_negativos.csv",
	RuleDuplicates: "R3_duplicatas_staging.csv",
	RuleReconcile:  "R4_reconcile_fatos_vs_staging.csv",
	RuleCoverage:   "R5_cobertura_anos.csv",
	RuleYoY:        "R6_yoy_anomalias.csv",
	RuleTotalRows:  "R7_receita_linhas_TOTAL.csv",
}

// SummaryFile lists the rule counts of a run.
const SummaryFile = "SUMMARY.csv"

// Source provides the warehouse snapshot the rules run on.
type Source interface {
	Snapshot(ctx context.Context) (*models.Snapshot, error)
}

// Options tunes the checks.
type Options struct {
	Years              []int           // Expected years; empty disables R5 and keeps every year in R4
	OrderTolerance     decimal.Decimal // Slack allowed by R1 between stages
	ReconcileThreshold decimal.Decimal // Minimum |fact - staging| flagged by R4
	YoYThreshold       decimal.Decimal // Minimum |YoY ratio| flagged by R6
	NegativeAllowlist  []string        // Folded revenue label fragments allowed to be negative
}

// DefaultOptions returns the thresholds used by the pipeline.
func DefaultOptions() Options {
	return Options{
		OrderTolerance:     decimal.RequireFromString("0.01"),
		ReconcileThreshold: decimal.NewFromInt(1),
		YoYThreshold:       decimal.RequireFromString("0.30"),
		NegativeAllowlist:  assemble.DefaultNegativeAllowlist,
	}
}

// Table is the output of one rule.
type Table struct {
	Rule   Rule
	Header []string
	Rows   [][]string
}

// Report collects the tables of every rule that found something.
type Report struct {
	Tables []Table
}

// Count returns the number of rows reported by a rule.
func (r *Report) Count(rule Rule) int {
	for _, t := range r.Tables {
		if t.Rule == rule {
			return len(t.Rows)
		}
	}
	return 0
}

// Critical reports whether any critical rule found a violation.
func (r *Report) Critical() bool {
	for _, rule := range criticalRules {
		if r.Count(rule) > 0 {
			return true
		}
	}
	return false
}

// Checker runs the rules.
type Checker struct {
	opts   Options
	logger *log.Logger
}

// NewChecker creates a checker.
func NewChecker(opts Options, logger *log.Logger) *Checker {
	return &Checker{opts: opts, logger: logger}
}

// Check loads a snapshot from src and runs the rules on it.
func (c *Checker) Check(ctx context.Context, src Source) (*Report, error) {
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return c.Run(snap), nil
}

// Run evaluates R1 to R7 against the snapshot.
func (c *Checker) Run(snap *models.Snapshot) *Report {
	report := &Report{}
	add := func(t Table) {
		c.logger.Info("rule checked", "rule", t.Rule, "rows", len(t.Rows))
		if len(t.Rows) > 0 {
			report.Tables = append(report.Tables, t)
		}
	}
	add(c.inequalities(snap))
	add(c.negatives(snap))
	add(c.duplicates(snap))
	add(c.reconcile(snap))
	add(c.coverage(snap))
	add(c.yoy(snap))
	add(c.totalRows(snap))
	return report
}

// =============================================================================
// RULES
// =============================================================================

func (c *Checker) inequalities(snap *models.Snapshot) Table {
	t := Table{Rule: RuleInequality, Header: []string{"exercicio", "entidade", "valor_empenhado", "valor_liquidado", "valor_pago"}}
	for _, f := range snap.Expenses {
		if broken := validate.CheckExecutionOrder(f.Committed, f.Liquidated, f.Paid, c.opts.OrderTolerance); len(broken) > 0 {
			c.logger.Debug("execution order broken", "year", f.Year, "entity", f.Entity, "detail", strings.Join(broken, "; "))
			t.Rows = append(t.Rows, []string{itoa(f.Year), f.Entity, money(f.Committed), money(f.Liquidated), money(f.Paid)})
		}
	}
	return t
}

func (c *Checker) negatives(snap *models.Snapshot) Table {
	t := Table{Rule: RuleNegatives, Header: []string{"tabela", "exercicio", "entidade", "especificacao", "campo", "valor"}}
	for _, f := range snap.Expenses {
		for _, m := range []struct {
			field string
			v     decimal.Decimal
		}{{"valor_empenhado", f.Committed}, {"valor_liquidado", f.Liquidated}, {"valor_pago", f.Paid}} {
			if m.v.IsNegative() {
				t.Rows = append(t.Rows, []string{"fato_despesa", itoa(f.Year), f.Entity, "", m.field, money(m.v)})
			}
		}
	}
	for _, f := range snap.Revenue {
		if c.allowNegative(f.Label) {
			continue
		}
		if f.Predicted.IsNegative() {
			t.Rows = append(t.Rows, []string{"fato_receita", itoa(f.Year), "", f.Label, "previsao", money(f.Predicted)})
		}
		if f.Collected.IsNegative() {
			t.Rows = append(t.Rows, []string{"fato_receita", itoa(f.Year), "", f.Label, "arrecadacao", money(f.Collected)})
		}
	}
	return t
}

func (c *Checker) allowNegative(label string) bool {
	k := normalize.Fold(label)
	for _, allowed := range c.opts.NegativeAllowlist {
		if strings.Contains(k, allowed) {
			return true
		}
	}
	return false
}

// duplicates counts stg_receitas rows sharing year, code, label and subitem.
func (c *Checker) duplicates(snap *models.Snapshot) Table {
	t := Table{Rule: RuleDuplicates, Header: []string{"tabela", "chave", "qtd"}}
	type key struct {
		year               int
		code, label, subit string
	}
	counts := make(map[key]int)
	var order []key
	for _, s := range snap.Staged {
		k := key{s.Year, s.Code, s.Label, s.Subitem}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	for _, k := range order {
		if n := counts[k]; n > 1 {
			label := k.label
			if label == "" {
				label = k.subit
			}
			t.Rows = append(t.Rows, []string{"stg_receitas", fmt.Sprintf("%d|%s|%s", k.year, k.code, label), itoa(n)})
		}
	}
	return t
}

// reconcile compares fact and staging sums per year. A metric is compared only
// when both sides have the year.
func (c *Checker) reconcile(snap *models.Snapshot) Table {
	t := Table{Rule: RuleReconcile, Header: []string{
		"exercicio",
		"fato_empenhado", "stg_empenhado", "fato_liquidado", "stg_liquidado", "fato_pago", "stg_pago",
		"fato_previsao", "stg_previsao", "fato_arrecadacao", "stg_arrecadacao",
		"diff_emp", "diff_liq", "diff_pag", "diff_prev", "diff_arr",
	}}

	exp := expenseTotals(snap.Expenses)
	rev := revenueTotals(snap.Revenue)
	stg := make(map[int]models.YearTotals, len(snap.StagedTotals))
	for _, s := range snap.StagedTotals {
		stg[s.Year] = s
	}

	years := unionYears(exp, rev, stg)
	if len(c.opts.Years) > 0 {
		years = slices.DeleteFunc(years, func(y int) bool { return !slices.Contains(c.opts.Years, y) })
	}

	for _, y := range years {
		fe, hasExp := exp[y]
		fr, hasRev := rev[y]
		s, hasStg := stg[y]

		cells := []string{
			itoa(y),
			optMoney(fe.Committed, hasExp), optMoney(s.Committed, hasStg),
			optMoney(fe.Liquidated, hasExp), optMoney(s.Liquidated, hasStg),
			optMoney(fe.Paid, hasExp), optMoney(s.Paid, hasStg),
			optMoney(fr.Predicted, hasRev), optMoney(s.Predicted, hasStg),
			optMoney(fr.Collected, hasRev), optMoney(s.Collected, hasStg),
		}
		flagged := false
		for _, pair := range []struct {
			fact, staged decimal.Decimal
			ok           bool
		}{
			{fe.Committed, s.Committed, hasExp && hasStg},
			{fe.Liquidated, s.Liquidated, hasExp && hasStg},
			{fe.Paid, s.Paid, hasExp && hasStg},
			{fr.Predicted, s.Predicted, hasRev && hasStg},
			{fr.Collected, s.Collected, hasRev && hasStg},
		} {
			if !pair.ok {
				cells = append(cells, "")
				continue
			}
			check := validate.CheckTolerance(pair.fact, pair.staged, c.opts.ReconcileThreshold)
			flagged = flagged || check.Diverges
			cells = append(cells, money(check.Difference))
		}
		if flagged {
			t.Rows = append(t.Rows, cells)
		}
	}
	return t
}

func (c *Checker) coverage(snap *models.Snapshot) Table {
	t := Table{Rule: RuleCoverage, Header: []string{"tabela", "ano_ausente"}}
	exp := expenseTotals(snap.Expenses)
	rev := revenueTotals(snap.Revenue)
	staged := make(map[int]bool, len(snap.StagedTotals))
	for _, s := range snap.StagedTotals {
		staged[s.Year] = true
	}
	for _, y := range c.opts.Years {
		if _, ok := exp[y]; !ok {
			t.Rows = append(t.Rows, []string{"fato_despesa", itoa(y)})
		}
		if _, ok := rev[y]; !ok {
			t.Rows = append(t.Rows, []string{"fato_receita", itoa(y)})
		}
		if !staged[y] {
			t.Rows = append(t.Rows, []string{"staging", itoa(y)})
		}
	}
	return t
}

func (c *Checker) yoy(snap *models.Snapshot) Table {
	t := Table{Rule: RuleYoY, Header: []string{"tabela", "exercicio", "yoy_abs", "valor", "valor_ano_anterior"}}
	exp := expenseTotals(snap.Expenses)
	rev := revenueTotals(snap.Revenue)

	series := []struct {
		label string
		src   map[int]models.YearTotals
		pick  func(models.YearTotals) decimal.Decimal
	}{
		{"fato_despesa_empenhado", exp, func(v models.YearTotals) decimal.Decimal { return v.Committed }},
		{"fato_despesa_liquidado", exp, func(v models.YearTotals) decimal.Decimal { return v.Liquidated }},
		{"fato_despesa_pago", exp, func(v models.YearTotals) decimal.Decimal { return v.Paid }},
		{"fato_receita_previsao", rev, func(v models.YearTotals) decimal.Decimal { return v.Predicted }},
		{"fato_receita_arrecadacao", rev, func(v models.YearTotals) decimal.Decimal { return v.Collected }},
	}
	for _, s := range series {
		values := make(map[int]decimal.Decimal, len(s.src))
		for y, v := range s.src {
			values[y] = s.pick(v)
		}
		for _, res := range validate.YoYSeries(values, s.label, c.opts.YoYThreshold) {
			t.Rows = append(t.Rows, []string{
				res.Label, itoa(res.CurrentYear), res.Ratio.Abs().StringFixed(4),
				money(res.CurrentValue), money(res.PriorValue),
			})
		}
	}
	return t
}

func (c *Checker) totalRows(snap *models.Snapshot) Table {
	t := Table{Rule: RuleTotalRows, Header: []string{"ano", "codigo", "especificacao", "subitem", "previsao", "arrecadacao"}}
	for _, s := range snap.Staged {
		if !isTotal(s.Code) && !isTotal(s.Label) {
			continue
		}
		t.Rows = append(t.Rows, []string{
			itoa(s.Year), s.Code, s.Label, s.Subitem, nullMoney(s.Predicted), nullMoney(s.Collected),
		})
	}
	return t
}

// =============================================================================
// OUTPUT
// =============================================================================

// WriteReports writes each reported table and SUMMARY.csv into dir and
// returns the written paths. A clean report writes nothing.
func WriteReports(dir string, r *Report) ([]string, error) {
	if len(r.Tables) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}

	var paths []string
	summary := [][]string{}
	for _, t := range r.Tables {
		path := filepath.Join(dir, reportFiles[t.Rule])
		if err := writeCSV(path, t.Header, t.Rows); err != nil {
			return paths, err
		}
		paths = append(paths, path)
		summary = append(summary, []string{string(t.Rule), t.Rule.Severity(), itoa(len(t.Rows))})
	}

	path := filepath.Join(dir, SummaryFile)
	if err := writeCSV(path, []string{"regra", "severidade", "qtd_registros"}, summary); err != nil {
		return paths, err
	}
	return append(paths, path), nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expenseTotals(facts []models.ExpenseFact) map[int]models.YearTotals {
	out := make(map[int]models.YearTotals)
	for _, f := range facts {
		t := out[f.Year]
		t.Year = f.Year
		t.Committed = t.Committed.Add(f.Committed)
		t.Liquidated = t.Liquidated.Add(f.Liquidated)
		t.Paid = t.Paid.Add(f.Paid)
		out[f.Year] = t
	}
	return out
}

func revenueTotals(facts []models.RevenueFact) map[int]models.YearTotals {
	out := make(map[int]models.YearTotals)
	for _, f := range facts {
		t := out[f.Year]
		t.Year = f.Year
		t.Predicted = t.Predicted.Add(f.Predicted)
		t.Collected = t.Collected.Add(f.Collected)
		out[f.Year] = t
	}
	return out
}

func unionYears(maps ...map[int]models.YearTotals) []int {
	var years []int
	for _, m := range maps {
		for y := range m {
			if !slices.Contains(years, y) {
				years = append(years, y)
			}
		}
	}
	slices.Sort(years)
	return years
}

func isTotal(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "total")
}

func itoa(n int) string { return strconv.Itoa(n) }

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func optMoney(d decimal.Decimal, ok bool) string {
	if !ok {
		return ""
	}
	return money(d)
}

func nullMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return money(d.Decimal)
}
