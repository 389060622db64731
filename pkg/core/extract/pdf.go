package extract

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFDocument reads page text with positions from a PDF.
type PDFDocument struct {
	reader *pdf.Reader
	file   *os.File
}

// OpenPDF opens a PDF file. Close releases it.
func OpenPDF(path string) (*PDFDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat PDF: %w", err)
	}
	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}
	return &PDFDocument{reader: r, file: f}, nil
}

// NewPDFDocument reads a PDF held in memory.
func NewPDFDocument(data []byte) (*PDFDocument, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}
	return &PDFDocument{reader: r}, nil
}

// Close releases the underlying file, if any.
func (d *PDFDocument) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// NumPages returns the page count.
func (d *PDFDocument) NumPages() int {
	return d.reader.NumPage()
}

// Page returns the text fragments of page n. The PDF library panics on some
// malformed content streams; that is reported as an error for the page.
func (d *PDFDocument) Page(n int) (page Page, err error) {
	page.Number = n
	p := d.reader.Page(n)
	if p.V.IsNull() {
		return page, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: malformed content: %v", n, r)
		}
	}()
	page.Fragments = mergeGlyphs(p.Content().Text)
	return page, nil
}

// baselineTolerance is how far apart two glyphs may sit vertically and still
// share a baseline.
const baselineTolerance = 0.5

// mergeGlyphs joins the per-glyph text items of a page into word runs.
// Glyphs are first clustered by baseline, then read left to right; glyphs
// that nearly touch are one run, a gap wider than a fraction of the font size
// inserts a space and a wide gap starts a new run.
func mergeGlyphs(glyphs []pdf.Text) []Fragment {
	items := make([]pdf.Text, 0, len(glyphs))
	for _, g := range glyphs {
		if g.S != "" {
			items = append(items, g)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Y > items[j].Y })

	var lines [][]pdf.Text
	var anchor float64
	for _, g := range items {
		if len(lines) == 0 || math.Abs(anchor-g.Y) > baselineTolerance {
			lines = append(lines, nil)
			anchor = g.Y
		}
		lines[len(lines)-1] = append(lines[len(lines)-1], g)
	}

	var out []Fragment
	for _, line := range lines {
		sort.SliceStable(line, func(i, j int) bool { return line[i].X < line[j].X })
		out = append(out, mergeLine(line)...)
	}
	return out
}

func mergeLine(line []pdf.Text) []Fragment {
	var out []Fragment
	var b strings.Builder
	var cur Fragment
	var lastEnd, lastSize float64
	flush := func() {
		if b.Len() > 0 {
			cur.Text = strings.TrimSpace(b.String())
			cur.W = lastEnd - cur.X
			if cur.Text != "" {
				out = append(out, cur)
			}
		}
		b.Reset()
	}

	for _, g := range line {
		size := g.FontSize
		if size <= 0 {
			size = 8
		}
		if b.Len() > 0 {
			gap := g.X - lastEnd
			switch {
			case gap > lastSize*0.8:
				flush()
			case gap > lastSize*0.15 && g.S != " ":
				b.WriteByte(' ')
			}
		}
		if b.Len() == 0 {
			cur = Fragment{X: g.X, Y: g.Y}
		}
		b.WriteString(g.S)
		lastEnd = g.X + g.W
		lastSize = size
	}
	flush()
	return out
}
