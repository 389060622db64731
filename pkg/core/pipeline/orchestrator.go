// Package pipeline runs the ETL stages in order: fetch, extract, load, build,
// quality and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"budget_monitor/pkg/core/assemble"
	"budget_monitor/pkg/core/dataset"
	"budget_monitor/pkg/core/expense"
	"budget_monitor/pkg/core/kpi"
	"budget_monitor/pkg/core/quality"
	"budget_monitor/pkg/core/reconcile"
	"budget_monitor/pkg/core/store"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Fetcher saves portal downloads to disk.
type Fetcher interface {
	SaveAnexo10(ctx context.Context, year int, dir string) (string, error)
	SaveExpenses(ctx context.Context, stage models.ExpenseStage, year int, dir string) (string, error)
}

// Warehouse is the Postgres side of the pipeline. *store.Warehouse
// implements it.
type Warehouse interface {
	EnsureSchema(ctx context.Context) error
	LoadRevenue(ctx context.Context, ds *models.YearDataset) (int64, error)
	LoadExpenses(ctx context.Context, stage models.ExpenseStage, file string, entries []models.ExpenseEntry) (int64, error)
	BuildFacts(ctx context.Context, years []int) (store.FactCounts, error)
	Snapshot(ctx context.Context) (*models.Snapshot, error)
}

// Settings locate the files of every stage.
type Settings struct {
	Years      []int
	PDFDir     string // Anexo 10 PDFs
	RevenueDir string // anexo10_prev_arrec_<year>.csv
	RawDir     string // Expense exports under RawDir/<stage>/
	QualityDir string
	KPIDir     string
	Format     dataset.Format
	Workers    int
	Stages     []models.ExpenseStage
	Quality    quality.Options
}

// Orchestrator wires the stages together.
type Orchestrator struct {
	settings  Settings
	fetcher   Fetcher
	parser    *Parser
	warehouse Warehouse
	logger    *log.Logger
}

// NewOrchestrator creates an orchestrator. fetcher may be nil when the fetch
// stage is not used; warehouse may be nil for extract-only runs.
func NewOrchestrator(settings Settings, fetcher Fetcher, parser *Parser, warehouse Warehouse, logger *log.Logger) *Orchestrator {
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	if len(settings.Stages) == 0 {
		settings.Stages = models.ExpenseStages
	}
	return &Orchestrator{
		settings:  settings,
		fetcher:   fetcher,
		parser:    parser,
		warehouse: warehouse,
		logger:    logger,
	}
}

// =============================================================================
// FETCH
// =============================================================================

// FetchSummary lists what a fetch run saved and what failed.
type FetchSummary struct {
	Saved  []string
	Failed []string
}

// Fetch downloads the Anexo 10 PDF and every expense stage export of each
// year. A failed download is logged and skipped; the run fails only when
// nothing was saved or the context is cancelled.
func (o *Orchestrator) Fetch(ctx context.Context) (*FetchSummary, error) {
	if o.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	sum := &FetchSummary{}
	record := func(what, path string, err error) error {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("download failed", "what", what, "err", err)
			sum.Failed = append(sum.Failed, what)
			return nil
		}
		sum.Saved = append(sum.Saved, path)
		return nil
	}

	for _, year := range o.settings.Years {
		path, err := o.fetcher.SaveAnexo10(ctx, year, o.settings.PDFDir)
		if err := record(fmt.Sprintf("anexo10 %d", year), path, err); err != nil {
			return sum, err
		}
		for _, stage := range o.settings.Stages {
			path, err := o.fetcher.SaveExpenses(ctx, stage, year, o.settings.RawDir)
			if err := record(fmt.Sprintf("%s %d", stage, year), path, err); err != nil {
				return sum, err
			}
		}
	}
	if len(sum.Saved) == 0 && len(sum.Failed) > 0 {
		return sum, fmt.Errorf("all %d downloads failed", len(sum.Failed))
	}
	return sum, nil
}

// =============================================================================
// EXTRACT
// =============================================================================

// ExtractResult is the outcome of one PDF.
type ExtractResult struct {
	Year        int
	Source      string
	Output      string // CSV written, empty when the year failed
	Records     int
	Diagnostics int
	Err         error
}

// Extract parses every PDF of PDFDir whose year is selected, in parallel up to
// Workers, and saves each dataset into RevenueDir. A year that cannot be parsed
// (assemble.ErrNoRows included) is reported in its result and does not stop
// the other years. Write failures abort the run.
func (o *Orchestrator) Extract(ctx context.Context) ([]ExtractResult, error) {
	jobs, skipped, err := DiscoverPDFs(o.settings.PDFDir)
	if err != nil {
		return nil, err
	}
	for _, name := range skipped {
		o.logger.Warn("no year in file name, skipped", "file", name)
	}
	if len(o.settings.Years) > 0 {
		jobs = slices.DeleteFunc(jobs, func(j PDFJob) bool {
			return !slices.Contains(o.settings.Years, j.Year)
		})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no PDFs to extract in %s", o.settings.PDFDir)
	}

	results := make([]ExtractResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := o.extractOne(job)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	o.logger.Info("extraction finished", "years", len(results), "ok", ok, "failed", len(results)-ok)
	return results, nil
}

func (o *Orchestrator) extractOne(job PDFJob) (ExtractResult, error) {
	res := ExtractResult{Year: job.Year, Source: job.Path}
	start := time.Now()

	ds, err := o.parser.ParseFile(job.Year, job.Path)
	if ds != nil {
		res.Diagnostics = len(ds.Diagnostics)
	}
	if err != nil {
		if errors.Is(err, assemble.ErrNoRows) {
			o.logger.Warn("no rows extracted", "year", job.Year, "file", job.Path, "diagnostics", res.Diagnostics)
		} else {
			o.logger.Error("extraction failed", "year", job.Year, "file", job.Path, "err", err)
		}
		res.Err = err
		return res, nil
	}

	out, err := dataset.Save(o.settings.RevenueDir, ds, o.settings.Format)
	if err != nil {
		return res, fmt.Errorf("year %d: %w", job.Year, err)
	}
	res.Output = out
	res.Records = len(ds.Records)
	o.logger.Info("year extracted", "year", job.Year, "records", res.Records,
		"diagnostics", res.Diagnostics, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// =============================================================================
// LOAD AND BUILD
// =============================================================================

// LoadSummary counts the rows written to staging.
type LoadSummary struct {
	RevenueRows int64
	ExpenseRows int64
	Missing     []string
}

// Load writes the extracted revenue CSVs and the raw expense exports of each
// year into staging. Missing files are listed, not errors.
func (o *Orchestrator) Load(ctx context.Context) (*LoadSummary, error) {
	if o.warehouse == nil {
		return nil, errors.New("no warehouse configured")
	}
	if err := o.warehouse.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	sum := &LoadSummary{}
	for _, year := range o.settings.Years {
		n, err := o.loadRevenue(ctx, year)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			sum.Missing = append(sum.Missing, filepath.Join(o.settings.RevenueDir, dataset.FileName(year)))
		case err != nil:
			return sum, err
		default:
			sum.RevenueRows += n
		}

		for _, stage := range o.settings.Stages {
			path := reconcile.FindRawExpense(o.settings.RawDir, stage, year)
			if path == "" {
				sum.Missing = append(sum.Missing, filepath.Join(o.settings.RawDir, string(stage), fmt.Sprintf("*%d*.csv", year)))
				continue
			}
			n, err := o.loadExpenses(ctx, stage, year, path)
			if err != nil {
				return sum, err
			}
			sum.ExpenseRows += n
		}
	}
	for _, m := range sum.Missing {
		o.logger.Warn("input not found", "path", m)
	}
	o.logger.Info("staging loaded", "revenue_rows", sum.RevenueRows, "expense_rows", sum.ExpenseRows)
	return sum, nil
}

func (o *Orchestrator) loadRevenue(ctx context.Context, year int) (int64, error) {
	records, err := dataset.Load(o.settings.RevenueDir, year)
	if err != nil {
		return 0, err
	}
	ds := &models.YearDataset{Year: year, Records: records, Source: dataset.FileName(year)}
	n, err := o.warehouse.LoadRevenue(ctx, ds)
	if err != nil {
		return 0, fmt.Errorf("revenue %d: %w", year, err)
	}
	return n, nil
}

func (o *Orchestrator) loadExpenses(ctx context.Context, stage models.ExpenseStage, year int, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	sheet, err := expense.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	entries, bad, err := sheet.Entries(stage, year)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if bad > 0 {
		o.logger.Warn("unparseable amounts loaded as zero", "file", path, "cells", bad)
	}
	n, err := o.warehouse.LoadExpenses(ctx, stage, filepath.Base(path), entries)
	if err != nil {
		return 0, fmt.Errorf("%s %d: %w", stage, year, err)
	}
	return n, nil
}

// Build rebuilds the fact tables of the configured years.
func (o *Orchestrator) Build(ctx context.Context) (store.FactCounts, error) {
	if o.warehouse == nil {
		return store.FactCounts{}, errors.New("no warehouse configured")
	}
	counts, err := o.warehouse.BuildFacts(ctx, o.settings.Years)
	if err != nil {
		return counts, err
	}
	o.logger.Info("facts built", "fato_despesa", counts.Expenses, "fato_receita", counts.Revenue)
	return counts, nil
}

// =============================================================================
// QUALITY AND EXPORT
// =============================================================================

// Quality runs the rules over the warehouse and writes their reports.
func (o *Orchestrator) Quality(ctx context.Context) (*quality.Report, error) {
	if o.warehouse == nil {
		return nil, errors.New("no warehouse configured")
	}
	opts := o.settings.Quality
	if opts.Years == nil {
		opts.Years = o.settings.Years
	}
	r, err := quality.NewChecker(opts, o.logger).Check(ctx, o.warehouse)
	if err != nil {
		return nil, err
	}
	paths, err := quality.WriteReports(o.settings.QualityDir, r)
	if err != nil {
		return r, err
	}
	o.logger.Info("quality reports written", "files", len(paths), "dir", o.settings.QualityDir, "critical", r.Critical())
	return r, nil
}

// Export writes the yearly KPI files.
func (o *Orchestrator) Export(ctx context.Context) ([]string, error) {
	if o.warehouse == nil {
		return nil, errors.New("no warehouse configured")
	}
	snap, err := o.warehouse.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return kpi.NewExporter(o.settings.KPIDir, o.logger).Export(snap, o.settings.Years)
}

// =============================================================================
// FULL RUN
// =============================================================================

// RunOptions select the optional stages of Run.
type RunOptions struct {
	Fetch   bool
	Extract bool
}

// RunReport is what a full run produced.
type RunReport struct {
	Fetch   *FetchSummary
	Extract []ExtractResult
	Load    *LoadSummary
	Facts   store.FactCounts
	Quality *quality.Report
	KPIs    []string
}

// Run executes the stages in order. Quality violations do not stop the
// export; the caller decides what a critical report means.
func (o *Orchestrator) Run(ctx context.Context, ro RunOptions) (*RunReport, error) {
	start := time.Now()
	o.logger.Info("pipeline started", "years", len(o.settings.Years))
	rep := &RunReport{}
	var err error

	if ro.Fetch {
		if rep.Fetch, err = o.Fetch(ctx); err != nil {
			return rep, fmt.Errorf("fetch: %w", err)
		}
	}
	if ro.Extract {
		if rep.Extract, err = o.Extract(ctx); err != nil {
			return rep, fmt.Errorf("extract: %w", err)
		}
	}
	if rep.Load, err = o.Load(ctx); err != nil {
		return rep, fmt.Errorf("load: %w", err)
	}
	if rep.Facts, err = o.Build(ctx); err != nil {
		return rep, fmt.Errorf("build: %w", err)
	}
	if rep.Quality, err = o.Quality(ctx); err != nil {
		return rep, fmt.Errorf("quality: %w", err)
	}
	if rep.KPIs, err = o.Export(ctx); err != nil {
		return rep, fmt.Errorf("export: %w", err)
	}

	o.logger.Info("pipeline completed", "elapsed", time.Since(start).Round(time.Millisecond))
	return rep, nil
}
