// Package reconcile compares the files already on disk with a fresh download
// from the transparency portal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"budget_monitor/pkg/core/dataset"
	"budget_monitor/pkg/core/expense"
	"budget_monitor/pkg/core/fetch"
	"budget_monitor/pkg/core/validate"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// Status values of a reconcile row.
const (
	StatusOK          = "OK"
	StatusDivergent   = "DIVERGENTE"
	StatusRawMissing  = "RAW_NAO_ENCONTRADO"
	StatusPortalError = "PORTAL_FALHOU"
)

// Portal downloads fresh copies of the sources.
type Portal interface {
	Expenses(ctx context.Context, stage models.ExpenseStage, year int) ([]byte, error)
	Anexo10(ctx context.Context, year int) ([]byte, error)
}

// PDFParser turns an Anexo 10 PDF into a dataset.
type PDFParser interface {
	ParsePDF(year int, data []byte) (*models.YearDataset, error)
}

// Options configures a run.
type Options struct {
	RawDir         string // Expense exports live under RawDir/<stage>/
	RevenueDir     string // Anexo 10 CSVs
	OutDir         string // Reports and portal snapshots
	Stages         []models.ExpenseStage
	IncludeRevenue bool
	Threshold      decimal.Decimal
	Pause          time.Duration // Between portal requests
}

// DefaultOptions mirrors the on-disk layout of the fetch and extract stages.
func DefaultOptions() Options {
	return Options{
		RawDir:     "raw",
		RevenueDir: filepath.Join("raw", "receitas"),
		OutDir:     filepath.Join("outputs", "reconcile_raw_vs_portal"),
		Stages:     models.ExpenseStages,
		Threshold:  decimal.NewFromInt(1),
		Pause:      600 * time.Millisecond,
	}
}

// ExpenseRow compares one stage of one year.
type ExpenseRow struct {
	Year        int
	Stage       models.ExpenseStage
	RawFile     string
	PortalFile  string
	RawTotal    decimal.NullDecimal
	PortalTotal decimal.NullDecimal
	Diff        decimal.NullDecimal
	Status      string
}

// ColumnsRow records which columns were summed on one side.
type ColumnsRow struct {
	Year        int
	Stage       models.ExpenseStage
	Side        string // RAW or PORTAL
	File        string
	Columns     []string
	TotalRemove int
}

// RevenueRow compares the revenue totals of one year.
type RevenueRow struct {
	Year            int
	RawFile         string
	PortalFile      string
	RawPredicted    decimal.Decimal
	PortalPredicted decimal.Decimal
	DiffPredicted   decimal.Decimal
	RawCollected    decimal.Decimal
	PortalCollected decimal.Decimal
	DiffCollected   decimal.Decimal
	Status          string
}

// Result holds every comparison of a run.
type Result struct {
	Years    []int
	Expenses []ExpenseRow
	Columns  []ColumnsRow
	Revenue  []RevenueRow
}

// Reconciler runs the comparisons.
type Reconciler struct {
	portal Portal
	parser PDFParser
	opts   Options
	logger *log.Logger
}

// NewReconciler creates a reconciler. parser may be nil when revenue is not
// included.
func NewReconciler(portal Portal, parser PDFParser, opts Options, logger *log.Logger) *Reconciler {
	return &Reconciler{portal: portal, parser: parser, opts: opts, logger: logger}
}

// Run compares every configured stage and, optionally, revenue for each year.
// Per-year problems become row statuses; only cancellation stops the run.
func (r *Reconciler) Run(ctx context.Context, years []int) (*Result, error) {
	if err := os.MkdirAll(r.opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	res := &Result{Years: years}

	for _, year := range years {
		for _, stage := range r.opts.Stages {
			row, cols, err := r.expense(ctx, stage, year)
			if err != nil {
				return res, err
			}
			res.Expenses = append(res.Expenses, row)
			res.Columns = append(res.Columns, cols...)
		}
	}

	if r.opts.IncludeRevenue {
		if r.parser == nil {
			return res, errors.New("revenue reconcile needs a PDF parser")
		}
		for _, year := range years {
			row, err := r.revenue(ctx, year)
			if err != nil {
				return res, err
			}
			res.Revenue = append(res.Revenue, row)
		}
	}
	return res, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

// FindRawExpense returns the last CSV under RawDir/<stage>/ whose name holds
// the year, or "" when there is none.
func FindRawExpense(rawDir string, stage models.ExpenseStage, year int) string {
	matches, _ := filepath.Glob(filepath.Join(rawDir, string(stage), fmt.Sprintf("*%d*.csv", year)))
	if len(matches) == 0 {
		return ""
	}
	slices.Sort(matches)
	return matches[len(matches)-1]
}

func (r *Reconciler) expense(ctx context.Context, stage models.ExpenseStage, year int) (ExpenseRow, []ColumnsRow, error) {
	row := ExpenseRow{Year: year, Stage: stage}

	row.RawFile = FindRawExpense(r.opts.RawDir, stage, year)
	if row.RawFile == "" {
		r.logger.Warn("raw export not found", "stage", stage, "year", year)
		row.Status = StatusRawMissing
		return row, nil, nil
	}
	data, err := os.ReadFile(row.RawFile)
	if err != nil {
		return row, nil, fmt.Errorf("failed to read %s: %w", row.RawFile, err)
	}
	rawTotal, rawCols, rawDropped, err := sheetTotal(data, stage)
	if err != nil {
		r.logger.Warn("raw export unusable", "file", row.RawFile, "err", err)
	} else {
		row.RawTotal = decimal.NewNullDecimal(rawTotal)
	}

	fresh, err := r.portal.Expenses(ctx, stage, year)
	if err != nil {
		if ctx.Err() != nil {
			return row, nil, ctx.Err()
		}
		r.logger.Error("portal export failed", "stage", stage, "year", year, "err", err)
		row.Status = StatusPortalError
		return row, nil, nil
	}
	row.PortalFile = filepath.Join(r.opts.OutDir, fetch.ExpenseFileName(stage, year))
	if err := writeFile(row.PortalFile, fresh); err != nil {
		return row, nil, err
	}
	portalTotal, portalCols, portalDropped, err := sheetTotal(fresh, stage)
	if err != nil {
		r.logger.Warn("portal export unusable", "stage", stage, "year", year, "err", err)
	} else {
		row.PortalTotal = decimal.NewNullDecimal(portalTotal)
	}

	row.Status = StatusOK
	if row.RawTotal.Valid && row.PortalTotal.Valid {
		check := validate.CheckTolerance(row.PortalTotal.Decimal, row.RawTotal.Decimal, r.opts.Threshold)
		row.Diff = decimal.NewNullDecimal(check.Difference)
		if check.Diverges {
			row.Status = StatusDivergent
		}
	} else {
		row.Status = StatusDivergent
	}
	r.logger.Info("expense reconciled", "stage", stage, "year", year, "status", row.Status)

	cols := []ColumnsRow{
		{Year: year, Stage: stage, Side: "RAW", File: row.RawFile, Columns: rawCols, TotalRemove: rawDropped},
		{Year: year, Stage: stage, Side: "PORTAL", File: row.PortalFile, Columns: portalCols, TotalRemove: portalDropped},
	}
	r.pause(ctx)
	return row, cols, nil
}

func sheetTotal(data []byte, stage models.ExpenseStage) (decimal.Decimal, []string, int, error) {
	s, err := expense.Parse(data)
	if err != nil {
		return decimal.Zero, nil, 0, err
	}
	total, used, err := s.Total(stage)
	return total, used, s.Dropped, err
}

// =============================================================================
// REVENUE
// =============================================================================

func (r *Reconciler) revenue(ctx context.Context, year int) (RevenueRow, error) {
	row := RevenueRow{Year: year, RawFile: filepath.Join(r.opts.RevenueDir, dataset.FileName(year))}

	records, err := dataset.Load(r.opts.RevenueDir, year)
	if err != nil {
		r.logger.Warn("raw revenue CSV not found", "year", year, "err", err)
		row.Status = StatusRawMissing
		return row, nil
	}
	row.RawPredicted, row.RawCollected = dataset.Totals(records)

	pdf, err := r.portal.Anexo10(ctx, year)
	if err != nil {
		if ctx.Err() != nil {
			return row, ctx.Err()
		}
		r.logger.Error("portal Anexo 10 failed", "year", year, "err", err)
		row.Status = StatusPortalError
		return row, nil
	}
	row.PortalFile = filepath.Join(r.opts.OutDir, "raw_snapshots", fetch.Anexo10FileName(year))
	if err := writeFile(row.PortalFile, pdf); err != nil {
		return row, err
	}

	ds, err := r.parser.ParsePDF(year, pdf)
	if err != nil && ds == nil {
		r.logger.Error("portal Anexo 10 unreadable", "year", year, "err", err)
		row.Status = StatusPortalError
		return row, nil
	}
	row.PortalPredicted, row.PortalCollected = dataset.Totals(ds.Records)

	prev := validate.CheckTolerance(row.PortalPredicted, row.RawPredicted, r.opts.Threshold)
	arr := validate.CheckTolerance(row.PortalCollected, row.RawCollected, r.opts.Threshold)
	row.DiffPredicted, row.DiffCollected = prev.Difference, arr.Difference
	row.Status = StatusOK
	if prev.Diverges || arr.Diverges {
		row.Status = StatusDivergent
	}
	r.logger.Info("revenue reconciled", "year", year, "status", row.Status)
	r.pause(ctx)
	return row, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) pause(ctx context.Context) {
	if r.opts.Pause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.opts.Pause):
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
