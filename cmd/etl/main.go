// Command etl runs the Londrina budget pipeline: download the portal reports,
// extract the Anexo 10 revenue table, load Postgres, check quality, reconcile
// against the portal and export yearly KPIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"budget_monitor/pkg/core/config"
	"budget_monitor/pkg/core/extract"
	"budget_monitor/pkg/core/fetch"
	"budget_monitor/pkg/core/logging"
	"budget_monitor/pkg/core/pipeline"
	"budget_monitor/pkg/core/reconcile"
	"budget_monitor/pkg/core/store"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// errFindings makes the process exit with status 1 after a successful run
// that found critical problems.
var errFindings = errors.New("critical findings")

type app struct {
	configPath string
	years      string
	verbose    bool

	cfg    *config.Config
	logger *log.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFindings) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "etl",
		Short:         "Londrina budget transparency ETL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "YAML configuration file")
	root.PersistentFlags().StringVarP(&a.years, "years", "y", "", `years to process, e.g. "2018-2024" or "2019,2021"`)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.fetchCmd(),
		a.extractCmd(),
		a.loadCmd(),
		a.buildCmd(),
		a.qualityCmd(),
		a.reconcileCmd(),
		a.exportCmd(),
		a.runCmd(),
	)
	return root
}

// setup loads .env and the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	envLoaded := config.LoadEnv()

	cfg, err := config.LoadConfig(a.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return err
	}
	if a.years != "" {
		cfg.Years = a.years
		if _, err := cfg.YearList(); err != nil {
			return err
		}
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = logging.New(os.Stderr, cfg.Log.Level)

	if !envLoaded {
		a.logger.Debug(".env not found, using the process environment")
	}
	a.logger.Debug("configuration loaded", "path", a.configPath, "years", cfg.Years)
	return nil
}

// orchestrator builds the pipeline. withDB opens the warehouse pool; the
// returned cleanup closes it.
func (a *app) orchestrator(ctx context.Context, withDB bool) (*pipeline.Orchestrator, func(), error) {
	years, err := a.cfg.YearList()
	if err != nil {
		return nil, nil, err
	}
	qopts, err := a.cfg.QualityOptions()
	if err != nil {
		return nil, nil, err
	}

	settings := pipeline.Settings{
		Years:      years,
		PDFDir:     a.cfg.Paths.PDFs,
		RevenueDir: a.cfg.Paths.Revenue,
		RawDir:     a.cfg.Paths.Raw,
		QualityDir: a.cfg.QualityDir(),
		KPIDir:     a.cfg.Paths.KPIs,
		Format:     a.cfg.Format(),
		Workers:    a.cfg.Extract.Workers,
		Quality:    qopts,
	}
	client := fetch.NewClient(a.cfg.FetchOptions(), logging.Component(a.logger, "fetch"))

	cleanup := func() {}
	var wh pipeline.Warehouse
	if withDB {
		if err := store.InitDB(ctx); err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		wh = store.NewWarehouse()
		cleanup = store.Close
	}
	return pipeline.NewOrchestrator(settings, client, a.parser(), wh, logging.Component(a.logger, "pipeline")), cleanup, nil
}

func (a *app) parser() *pipeline.Parser {
	return pipeline.NewParser(extract.DefaultOptions(), a.cfg.AssembleOptions(), logging.Component(a.logger, "extract"))
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download Anexo 10 PDFs and expense CSV exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer done()
			sum, err := o.Fetch(cmd.Context())
			if sum != nil {
				a.logger.Info("fetch finished", "saved", len(sum.Saved), "failed", len(sum.Failed))
				for _, f := range sum.Failed {
					a.logger.Warn("not downloaded", "item", f)
				}
			}
			return err
		},
	}
}

func (a *app) extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract the revenue table of each Anexo 10 PDF into CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer done()
			results, err := o.Extract(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					a.logger.Error("year not extracted", "year", r.Year, "err", r.Err)
					continue
				}
				fmt.Printf("%d\t%d records\t%d diagnostics\t%s\n", r.Year, r.Records, r.Diagnostics, r.Output)
			}
			if failed == len(results) {
				return fmt.Errorf("no year extracted")
			}
			return nil
		},
	}
}

func (a *app) loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load revenue CSVs and expense exports into staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()
			_, err = o.Load(cmd.Context())
			return err
		},
	}
}

func (a *app) buildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild fato_despesa and fato_receita from staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()
			_, err = o.Build(cmd.Context())
			return err
		},
	}
}

func (a *app) qualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Run quality rules R1-R7; exits 1 on critical findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()
			r, err := o.Quality(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range r.Tables {
				fmt.Printf("%s\t%s\t%d\n", t.Rule, t.Rule.Severity(), len(t.Rows))
			}
			if r.Critical() {
				a.logger.Error("critical quality findings", "dir", a.cfg.QualityDir())
				return errFindings
			}
			return nil
		},
	}
}

func (a *app) reconcileCmd() *cobra.Command {
	var failOnDiff bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare RAW files on disk with fresh portal data",
		RunE: func(cmd *cobra.Command, args []string) error {
			years, err := a.cfg.YearList()
			if err != nil {
				return err
			}
			opts := a.cfg.ReconcileOptions()
			client := fetch.NewClient(a.cfg.FetchOptions(), logging.Component(a.logger, "fetch"))
			rec := reconcile.NewReconciler(client, a.parser(), opts, logging.Component(a.logger, "reconcile"))

			res, err := rec.Run(cmd.Context(), years)
			if err != nil {
				return err
			}
			if _, err := reconcile.WriteReports(opts.OutDir, res, opts.Threshold); err != nil {
				return err
			}
			sum := res.Summarize(opts.Threshold)
			a.logger.Info("reconcile finished", "dir", opts.OutDir,
				"expense_diffs", sum.ExpenseDiffs, "predicted_diffs", sum.PredictedDiffs, "collected_diffs", sum.CollectedDiffs,
				"raw_missing", sum.MissingRawInputs, "portal_failed", sum.PortalFailures)
			if failOnDiff && sum.Divergent() {
				return errFindings
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnDiff, "fail-on-diff", false, "exit 1 when any total diverges")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export yearly KPIs as CSV, JSON and a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()
			paths, err := o.Export(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("kpis exported", "files", len(paths), "dir", a.cfg.Paths.KPIs)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var ro pipeline.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run load, build, quality and export (optionally fetch and extract first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()
			rep, err := o.Run(cmd.Context(), ro)
			if err != nil {
				return err
			}
			if rep.Quality != nil && rep.Quality.Critical() {
				a.logger.Error("critical quality findings", "dir", a.cfg.QualityDir())
				return errFindings
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ro.Fetch, "fetch", false, "download portal data first")
	cmd.Flags().BoolVar(&ro.Extract, "extract", true, "extract the PDFs before loading")
	return cmd
}
