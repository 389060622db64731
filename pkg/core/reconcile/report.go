package reconcile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Report file names.
const (
	ExpenseReportFile = "D_despesas_reconcile.csv"
	ColumnsReportFile = "D_columns_used.csv"
	RevenueReportFile = "R_receita_reconcile.csv"
	SummaryFile       = "SUMMARY.csv"
)

// Summary counts the differences at or above the threshold.
type Summary struct {
	Years            string
	ExpenseDiffs     int
	PredictedDiffs   int
	CollectedDiffs   int
	Threshold        decimal.Decimal
	MissingRawInputs int
	PortalFailures   int
}

// Summarize counts the divergent rows of a result.
func (res *Result) Summarize(threshold decimal.Decimal) Summary {
	s := Summary{Years: yearSpan(res.Years), Threshold: threshold}
	for _, e := range res.Expenses {
		if e.Diff.Valid && e.Diff.Decimal.GreaterThanOrEqual(threshold) {
			s.ExpenseDiffs++
		}
		s.count(e.Status)
	}
	for _, r := range res.Revenue {
		if r.Status != StatusOK && r.Status != StatusDivergent {
			s.count(r.Status)
			continue
		}
		if r.DiffPredicted.GreaterThanOrEqual(threshold) {
			s.PredictedDiffs++
		}
		if r.DiffCollected.GreaterThanOrEqual(threshold) {
			s.CollectedDiffs++
		}
	}
	return s
}

func (s *Summary) count(status string) {
	switch status {
	case StatusRawMissing:
		s.MissingRawInputs++
	case StatusPortalError:
		s.PortalFailures++
	}
}

// Divergent reports whether any comparison crossed the threshold.
func (s Summary) Divergent() bool {
	return s.ExpenseDiffs+s.PredictedDiffs+s.CollectedDiffs > 0
}

// WriteReports writes the expense, column, revenue and summary CSVs into dir.
// The revenue report is written only when revenue was reconciled.
func WriteReports(dir string, res *Result, threshold decimal.Decimal) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	var paths []string
	write := func(name string, header []string, rows [][]string) error {
		path := filepath.Join(dir, name)
		if err := writeCSV(path, header, rows); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	}

	var rows [][]string
	for _, e := range res.Expenses {
		rows = append(rows, []string{
			strconv.Itoa(e.Year), string(e.Stage), e.RawFile, e.PortalFile,
			nullMoney(e.RawTotal), nullMoney(e.PortalTotal), nullMoney(e.Diff), e.Status,
		})
	}
	if err := write(ExpenseReportFile, []string{
		"exercicio", "stage", "raw_file", "portal_file", "raw_total", "portal_total", "diff_abs", "status",
	}, rows); err != nil {
		return paths, err
	}

	rows = rows[:0]
	for _, c := range res.Columns {
		rows = append(rows, []string{
			strconv.Itoa(c.Year), string(c.Stage), c.Side, c.File,
			strings.Join(c.Columns, ";"), strconv.Itoa(c.TotalRemove),
		})
	}
	if err := write(ColumnsReportFile, []string{
		"exercicio", "stage", "lado", "arquivo", "cols_usadas", "linhas_total_removidas",
	}, rows); err != nil {
		return paths, err
	}

	if len(res.Revenue) > 0 {
		rows = rows[:0]
		for _, r := range res.Revenue {
			compared := r.Status == StatusOK || r.Status == StatusDivergent
			rows = append(rows, []string{
				strconv.Itoa(r.Year), r.RawFile, r.PortalFile,
				optMoney(r.RawPredicted, compared), optMoney(r.PortalPredicted, compared), optMoney(r.DiffPredicted, compared),
				optMoney(r.RawCollected, compared), optMoney(r.PortalCollected, compared), optMoney(r.DiffCollected, compared),
				r.Status,
			})
		}
		if err := write(RevenueReportFile, []string{
			"exercicio", "raw_csv", "portal_pdf",
			"raw_previsao", "portal_previsao", "diff_previsao",
			"raw_arrecadacao", "portal_arrecadacao", "diff_arrecadacao", "status",
		}, rows); err != nil {
			return paths, err
		}
	}

	s := res.Summarize(threshold)
	err := write(SummaryFile, []string{
		"anos", "desp_diffs_ge_thr", "rec_prev_diffs_ge_thr", "rec_arr_diffs_ge_thr",
		"raw_nao_encontrado", "portal_falhou", "threshold_abs",
	}, [][]string{{
		s.Years, strconv.Itoa(s.ExpenseDiffs), strconv.Itoa(s.PredictedDiffs), strconv.Itoa(s.CollectedDiffs),
		strconv.Itoa(s.MissingRawInputs), strconv.Itoa(s.PortalFailures), threshold.String(),
	}})
	return paths, err
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

func yearSpan(years []int) string {
	switch len(years) {
	case 0:
		return ""
	case 1:
		return strconv.Itoa(years[0])
	}
	return fmt.Sprintf("%d-%d", years[0], years[len(years)-1])
}

func nullMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}

func optMoney(d decimal.Decimal, ok bool) string {
	if !ok {
		return ""
	}
	return d.StringFixed(2)
}
