// Package config loads the ETL settings from config/etl.yaml and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"budget_monitor/pkg/core/assemble"
	"budget_monitor/pkg/core/dataset"
	"budget_monitor/pkg/core/fetch"
	"budget_monitor/pkg/core/quality"
	"budget_monitor/pkg/core/reconcile"
	"budget_monitor/pkg/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// DefaultPath is where the CLI looks for the configuration.
const DefaultPath = "config/etl.yaml"

type PortalConfig struct {
	BaseURL     string            `yaml:"base_url"`
	TimeoutSec  int               `yaml:"timeout_sec"`
	MaxRetries  int               `yaml:"max_retries"`
	BackoffMS   int               `yaml:"backoff_ms"`
	Stages      map[string]string `yaml:"stages"`
	EntityCodes []int             `yaml:"entity_codes"`
	Entities    []fetch.Entity    `yaml:"entities"`
	PauseMS     int               `yaml:"pause_ms"`
}

type PathsConfig struct {
	Raw       string `yaml:"raw"`
	PDFs      string `yaml:"pdfs"`
	Revenue   string `yaml:"revenue"`
	Outputs   string `yaml:"outputs"`
	KPIs      string `yaml:"kpis"`
	HTMLDebug string `yaml:"html_debug"`
}

type ExtractConfig struct {
	PtBR    bool `yaml:"pt_br"`
	Workers int  `yaml:"workers"`
}

type QualityConfig struct {
	OrderTolerance     string   `yaml:"order_tolerance"`
	ReconcileThreshold string   `yaml:"reconcile_threshold"`
	YoYThreshold       string   `yaml:"yoy_threshold"`
	NegativeAllowlist  []string `yaml:"negative_allowlist"`
}

type ReconcileConfig struct {
	Threshold      string `yaml:"threshold"`
	IncludeRevenue bool   `yaml:"include_revenue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the whole file.
type Config struct {
	Years     string          `yaml:"years"`
	Portal    PortalConfig    `yaml:"portal"`
	Paths     PathsConfig     `yaml:"paths"`
	Extract   ExtractConfig   `yaml:"extract"`
	Quality   QualityConfig   `yaml:"quality"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		Years: fmt.Sprintf("2018-%d", time.Now().Year()-1),
		Portal: PortalConfig{
			BaseURL:    fetch.DefaultBaseURL,
			TimeoutSec: 180,
			MaxRetries: 6,
			BackoffMS:  2000,
			Stages:     fetch.DefaultStagePaths(),
			PauseMS:    600,
		},
		Paths: PathsConfig{
			Raw:       "raw",
			PDFs:      "raw/anexo10",
			Revenue:   "raw/receitas",
			Outputs:   "outputs",
			KPIs:      "data/kpis",
			HTMLDebug: "raw/_html_debug",
		},
		Extract: ExtractConfig{Workers: 4},
		Quality: QualityConfig{
			OrderTolerance:     "0.01",
			ReconcileThreshold: "1.0",
			YoYThreshold:       "0.30",
		},
		Reconcile: ReconcileConfig{Threshold: "1.0", IncludeRevenue: true},
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults. Keys absent from the file
// keep their default value.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv reads .env into the process environment. A missing file is not an
// error; the returned bool reports whether one was loaded.
func LoadEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// Validate checks the values that cannot be defaulted later.
func (c *Config) Validate() error {
	if _, err := ParseYears(c.Years); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"quality.order_tolerance":     c.Quality.OrderTolerance,
		"quality.reconcile_threshold": c.Quality.ReconcileThreshold,
		"quality.yoy_threshold":       c.Quality.YoYThreshold,
		"reconcile.threshold":         c.Reconcile.Threshold,
	} {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("%s: %q is not a number", name, v)
		}
	}
	for stage := range c.Portal.Stages {
		if !models.ValidStage(stage) {
			return fmt.Errorf("portal.stages: unknown stage %q", stage)
		}
	}
	if c.Extract.Workers < 1 {
		return fmt.Errorf("extract.workers must be at least 1")
	}
	return nil
}

// =============================================================================
// YEARS
// =============================================================================

// ParseYears accepts "2018-2025", "2018,2019,2021" or a mix such as
// "2015,2018-2020". The result is sorted and without duplicates.
func ParseYears(s string) ([]int, error) {
	seen := make(map[int]bool)
	var years []int
	add := func(y int) {
		if !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseYear(lo)
		if err != nil {
			return nil, err
		}
		if !isRange {
			add(from)
			continue
		}
		to, err := parseYear(hi)
		if err != nil {
			return nil, err
		}
		if to < from {
			return nil, fmt.Errorf("year range %q is reversed", part)
		}
		for y := from; y <= to; y++ {
			add(y)
		}
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no years in %q", s)
	}
	slices.Sort(years)
	return years, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < 1900 || y > 2100 {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	return y, nil
}

// YearList parses Years.
func (c *Config) YearList() ([]int, error) {
	return ParseYears(c.Years)
}

// =============================================================================
// STAGE OPTIONS
// =============================================================================

// FetchOptions builds the portal client settings.
func (c *Config) FetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	if c.Portal.BaseURL != "" {
		opts.BaseURL = c.Portal.BaseURL
	}
	if c.Portal.TimeoutSec > 0 {
		opts.Timeout = time.Duration(c.Portal.TimeoutSec) * time.Second
	}
	if c.Portal.MaxRetries > 0 {
		opts.Retries = c.Portal.MaxRetries
	}
	if c.Portal.BackoffMS > 0 {
		opts.Backoff = time.Duration(c.Portal.BackoffMS) * time.Millisecond
	}
	for stage, path := range c.Portal.Stages {
		opts.StagePaths[stage] = path
	}
	entities := opts.Entities
	if len(c.Portal.Entities) > 0 {
		entities = c.Portal.Entities
	}
	opts.Entities = fetch.SelectEntities(entities, c.Portal.EntityCodes)
	if c.Paths.HTMLDebug != "" {
		opts.DebugDir = c.Paths.HTMLDebug
	}
	return opts
}

// Format is the revenue CSV style.
func (c *Config) Format() dataset.Format {
	return dataset.Format{PtBR: c.Extract.PtBR}
}

// QualityOptions builds the checker settings for the configured years.
func (c *Config) QualityOptions() (quality.Options, error) {
	opts := quality.DefaultOptions()
	years, err := c.YearList()
	if err != nil {
		return opts, err
	}
	opts.Years = years
	opts.OrderTolerance = decimal.RequireFromString(c.Quality.OrderTolerance)
	opts.ReconcileThreshold = decimal.RequireFromString(c.Quality.ReconcileThreshold)
	opts.YoYThreshold = decimal.RequireFromString(c.Quality.YoYThreshold)
	if len(c.Quality.NegativeAllowlist) > 0 {
		opts.NegativeAllowlist = c.Quality.NegativeAllowlist
	}
	return opts, nil
}

// AssembleOptions builds the record assembler settings.
func (c *Config) AssembleOptions() assemble.Options {
	opts := assemble.DefaultOptions()
	if len(c.Quality.NegativeAllowlist) > 0 {
		opts.NegativeAllowlist = c.Quality.NegativeAllowlist
	}
	return opts
}

// ReconcileOptions builds the reconciler settings.
func (c *Config) ReconcileOptions() reconcile.Options {
	opts := reconcile.DefaultOptions()
	opts.RawDir = c.Paths.Raw
	opts.RevenueDir = c.Paths.Revenue
	opts.OutDir = filepath.Join(c.Paths.Outputs, "reconcile_raw_vs_portal")
	opts.IncludeRevenue = c.Reconcile.IncludeRevenue
	opts.Threshold = decimal.RequireFromString(c.Reconcile.Threshold)
	if c.Portal.PauseMS >= 0 {
		opts.Pause = time.Duration(c.Portal.PauseMS) * time.Millisecond
	}
	return opts
}

// QualityDir is where the rule reports are written.
func (c *Config) QualityDir() string {
	return filepath.Join(c.Paths.Outputs, "quality")
}
