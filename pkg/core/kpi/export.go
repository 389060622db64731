package kpi

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/core/utils"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// PreviewRows is how many rows the JSON companion of a CSV carries.
const PreviewRows = 5

// Exporter writes the KPI files under OutDir/<year>/.
type Exporter struct {
	outDir    string
	tolerance decimal.Decimal
	logger    *log.Logger
}

// NewExporter creates an exporter.
func NewExporter(outDir string, logger *log.Logger) *Exporter {
	return &Exporter{outDir: outDir, tolerance: decimal.NewFromInt(1), logger: logger}
}

// Export writes every KPI for each year. No years means every year present in
// the snapshot.
func (e *Exporter) Export(snap *models.Snapshot, years []int) ([]string, error) {
	if len(years) == 0 {
		years = snap.Years()
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no years to export")
	}

	var paths []string
	for _, year := range years {
		p, err := e.ExportYear(snap, year)
		paths = append(paths, p...)
		if err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// ExportYear writes the KPI tables, the coverage report and the summary of one
// year.
func (e *Exporter) ExportYear(snap *models.Snapshot, year int) ([]string, error) {
	dir := filepath.Join(e.outDir, strconv.Itoa(year))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tables := []Table{
		GlobalExecution(snap, year),
		ExecutionByEntity(snap, year),
		PredictedVsCollected(snap, year),
		SurplusDeficit(snap, year),
		RevenueByCode(snap, year),
		FactsVsStaging(snap, year, e.tolerance),
	}

	var paths []string
	for _, t := range tables {
		csvPath := filepath.Join(dir, t.Name+".csv")
		jsonPath := filepath.Join(dir, t.Name+".json")
		if err := writeTableCSV(csvPath, t); err != nil {
			return paths, err
		}
		if err := writeJSON(jsonPath, preview(t)); err != nil {
			return paths, err
		}
		paths = append(paths, csvPath, jsonPath)
		e.logger.Debug("kpi written", "year", year, "kpi", t.Name, "rows", len(t.Rows))
	}

	cov := YearCoverage(snap, year)
	for i := range cov.Checks {
		for k, v := range cov.Checks[i].Values {
			cov.Checks[i].Values[k] = jsonValue(v)
		}
	}
	covPath := filepath.Join(dir, "data_coverage_report.json")
	if err := writeJSON(covPath, cov); err != nil {
		return paths, err
	}
	paths = append(paths, covPath)

	md := Summary(year, tables)
	mdPath := filepath.Join(dir, "resumo.md")
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		return paths, fmt.Errorf("failed to write %s: %w", mdPath, err)
	}
	paths = append(paths, mdPath)

	html, err := utils.RenderHTML(fmt.Sprintf("Resumo %d", year), md)
	if err != nil {
		return paths, err
	}
	htmlPath := filepath.Join(dir, "resumo.html")
	if err := os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
		return paths, fmt.Errorf("failed to write %s: %w", htmlPath, err)
	}
	paths = append(paths, htmlPath)

	e.logger.Info("kpis exported", "year", year, "files", len(paths))
	return paths, nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary renders the year's tables as Markdown with pt-BR numbers.
func Summary(year int, tables []Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Resumo da execução orçamentária %d\n\n", year)
	for _, t := range tables {
		if len(t.Rows) == 0 {
			continue
		}
		rows := make([][]string, len(t.Rows))
		for i, row := range t.Rows {
			rows[i] = make([]string, len(row))
			for j, v := range row {
				rows[i][j] = formatBR(v)
			}
		}
		fmt.Fprintf(&b, "## %s\n\n", title(t.Name))
		b.WriteString(utils.MarkdownTable(t.Header, rows))
		b.WriteString("\n")
	}
	return b.String()
}

func title(name string) string {
	words := strings.Split(strings.TrimSuffix(name, "_anual"), "_")
	if len(words) > 0 && words[0] != "" {
		words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	}
	return strings.Join(words, " ")
}

// =============================================================================
// FILES
// =============================================================================

type previewDoc struct {
	Rows   int              `json:"rows"`
	Cols   []string         `json:"cols"`
	Sample []map[string]any `json:"sample"`
}

func preview(t Table) previewDoc {
	doc := previewDoc{Rows: len(t.Rows), Cols: t.Header, Sample: []map[string]any{}}
	for i, row := range t.Rows {
		if i == PreviewRows {
			break
		}
		rec := make(map[string]any, len(row))
		for j, v := range row {
			rec[t.Header[j]] = jsonValue(v)
		}
		doc.Sample = append(doc.Sample, rec)
	}
	return doc
}

func writeTableCSV(path string, t Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = format(v)
		}
		if err := w.Write(cells); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case decimal.Decimal:
		return x.StringFixed(2)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func formatBR(v any) string {
	if d, ok := v.(decimal.Decimal); ok {
		return normalize.FormatBR(d, 2)
	}
	return format(v)
}

// jsonValue writes decimals as JSON numbers with two places.
func jsonValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return json.Number(d.StringFixed(2))
	}
	return v
}
