package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"budget_monitor/pkg/core/assemble"
	"budget_monitor/pkg/core/extract"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
)

// =============================================================================
// PDF PARSER
// =============================================================================

// Parser turns Anexo 10 PDFs into yearly datasets.
type Parser struct {
	extractor *extract.Extractor
	assembler *assemble.Assembler
	logger    *log.Logger
}

// NewParser creates a parser with the Anexo 10 column mapping.
func NewParser(eopts extract.Options, aopts assemble.Options, logger *log.Logger) *Parser {
	return &Parser{
		extractor: extract.NewExtractor(eopts, logger),
		assembler: assemble.NewAssembler(assemble.Anexo10Mapping(), aopts, logger),
		logger:    logger,
	}
}

// ParsePDF parses a PDF held in memory. On assemble.ErrNoRows the dataset is
// still returned with its diagnostics.
func (p *Parser) ParsePDF(year int, data []byte) (*models.YearDataset, error) {
	doc, err := extract.NewPDFDocument(data)
	if err != nil {
		return nil, err
	}
	return p.Parse(year, doc, "")
}

// ParseFile parses a PDF on disk.
func (p *Parser) ParseFile(year int, path string) (*models.YearDataset, error) {
	doc, err := extract.OpenPDF(path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return p.Parse(year, doc, filepath.Base(path))
}

// Parse runs extraction then assembly over any Document. Extraction
// diagnostics come first in the dataset.
func (p *Parser) Parse(year int, doc extract.Document, source string) (*models.YearDataset, error) {
	tables, diags := p.extractor.Tables(doc, year)
	ds, err := p.assembler.Assemble(year, tables)
	if ds != nil {
		ds.Source = source
		ds.Diagnostics = append(diags, ds.Diagnostics...)
	}
	return ds, err
}

// =============================================================================
// DISCOVERY
// =============================================================================

var (
	closingDate = regexp.MustCompile(`(\d{4})[-_]12[-_]31`)
	anyYear     = regexp.MustCompile(`(?:19|20)\d{2}`)
)

// InferYear reads the fiscal year from a file name: the year of a
// "<yyyy>-12-31" date when present, otherwise the first 19xx/20xx.
func InferYear(name string) (int, bool) {
	base := filepath.Base(name)
	if m := closingDate.FindStringSubmatch(base); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y, true
	}
	if m := anyYear.FindString(base); m != "" {
		y, _ := strconv.Atoi(m)
		return y, true
	}
	return 0, false
}

// PDFJob is one PDF to extract.
type PDFJob struct {
	Path string
	Year int
}

// DiscoverPDFs lists the PDFs of dir with their year, sorted by year. Files
// without a year are returned in skipped. When several files share a year the
// last one by name wins.
func DiscoverPDFs(dir string) (jobs []PDFJob, skipped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	byYear := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		year, ok := InferYear(e.Name())
		if !ok {
			skipped = append(skipped, e.Name())
			continue
		}
		byYear[year] = filepath.Join(dir, e.Name())
	}
	for y, path := range byYear {
		jobs = append(jobs, PDFJob{Path: path, Year: y})
	}
	slices.SortFunc(jobs, func(a, b PDFJob) int { return a.Year - b.Year })
	return jobs, skipped, nil
}
