// Package dataset reads and writes the per-year revenue files consumed by the
// warehouse loader: anexo10_prev_arrec_<year>.csv plus a diagnostics JSON.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"budget_monitor/pkg/core/normalize"
	"budget_monitor/pkg/models"

	"github.com/shopspring/decimal"
)

// Columns is the header of the revenue CSV.
var Columns = []string{"ano", "codigo", "especificacao", "subitem", "previsao", "arrecadacao", "para_mais", "para_menos", "secao"}

// Format selects the number style of the CSV.
type Format struct {
	PtBR bool // ";" separated, "1.234,56" numbers, UTF-8 BOM
}

// FileName returns the CSV name for a year.
func FileName(year int) string {
	return fmt.Sprintf("anexo10_prev_arrec_%d.csv", year)
}

// DiagnosticsName returns the diagnostics file name for a year.
func DiagnosticsName(year int) string {
	return fmt.Sprintf("anexo10_prev_arrec_%d.diagnostics.json", year)
}

// =============================================================================
// WRITE
// =============================================================================

// Write writes the records as CSV.
func Write(w io.Writer, records []models.RevenueRecord, f Format) error {
	if f.PtBR {
		if _, err := io.WriteString(w, "\ufeff"); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(w)
	if f.PtBR {
		cw.Comma = ';'
	}
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range records {
		label, sub := r.Category, ""
		if r.Subitem {
			label, sub = "", r.Category
		}
		row := []string{
			strconv.Itoa(r.Year),
			r.Code,
			label,
			sub,
			formatAmount(r.Predicted, f),
			formatAmount(r.Collected, f),
			formatAmount(r.Surplus, f),
			formatAmount(r.Shortfall, f),
			r.Section,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatAmount(v decimal.NullDecimal, f Format) string {
	if !v.Valid {
		return ""
	}
	if f.PtBR {
		return normalize.FormatBR(v.Decimal, 2)
	}
	return v.Decimal.StringFixed(2)
}

// Save writes the year's CSV and diagnostics into dir and returns the CSV path.
func Save(dir string, ds *models.YearDataset, f Format) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(ds.Year))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(file, ds.Records, f); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	diag, err := json.MarshalIndent(struct {
		Year        int                 `json:"year"`
		RunID       string              `json:"run_id"`
		Source      string              `json:"source,omitempty"`
		Records     int                 `json:"records"`
		Diagnostics []models.Diagnostic `json:"diagnostics"`
	}{ds.Year, ds.RunID, ds.Source, len(ds.Records), ds.Diagnostics}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DiagnosticsName(ds.Year)), diag, 0644); err != nil {
		return "", fmt.Errorf("failed to write diagnostics: %w", err)
	}
	return path, nil
}

// =============================================================================
// READ
// =============================================================================

// Read parses a revenue CSV in either format. The delimiter is taken from the
// header line.
func Read(r io.Reader) ([]models.RevenueRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	firstLine, _, _ := strings.Cut(text, "\n")

	cr := csv.NewReader(strings.NewReader(text))
	if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		cr.Comma = ';'
	}
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	idx := make(map[string]int)
	for i, h := range rows[0] {
		idx[normalize.Key(h)] = i
	}
	for _, required := range []string{"ano", "previsao", "arrecadacao"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []models.RevenueRecord
	for n, row := range rows[1:] {
		year, err := strconv.Atoi(get(row, "ano"))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid year %q", n+2, get(row, "ano"))
		}
		rec := models.RevenueRecord{
			Year:      year,
			Code:      get(row, "codigo"),
			Category:  get(row, "especificacao"),
			Section:   get(row, "secao"),
			Predicted: parseAmount(get(row, "previsao")),
			Collected: parseAmount(get(row, "arrecadacao")),
			Surplus:   parseAmount(get(row, "para_mais")),
			Shortfall: parseAmount(get(row, "para_menos")),
			Row:       n,
		}
		if sub := get(row, "subitem"); sub != "" {
			rec.Category = sub
			rec.Subitem = true
		}
		out = append(out, rec)
	}
	return out, nil
}

// parseAmount accepts both "1234.56" and "1.234,56".
func parseAmount(s string) decimal.NullDecimal {
	return normalize.Lenient(s).Nullable()
}

// Load reads the CSV of one year from dir.
func Load(dir string, year int) ([]models.RevenueRecord, error) {
	f, err := os.Open(filepath.Join(dir, FileName(year)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Totals sums predicted and collected amounts of the category rows. Subitems
// detail their category and TOTAL rows repeat the sum, so both are skipped.
func Totals(records []models.RevenueRecord) (predicted, collected decimal.Decimal) {
	for _, r := range records {
		if r.Subitem || strings.EqualFold(r.Code, "total") || strings.EqualFold(r.Category, "total") {
			continue
		}
		if r.Predicted.Valid {
			predicted = predicted.Add(r.Predicted.Decimal)
		}
		if r.Collected.Valid {
			collected = collected.Add(r.Collected.Decimal)
		}
	}
	return predicted, collected
}
