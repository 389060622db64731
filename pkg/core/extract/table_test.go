package extract

import (
	"io"
	"reflect"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/ledongthuc/pdf"
)

// Column anchors of the synthetic report used across the tests.
var (
	xCode      = 20.0
	xLabel     = 60.0
	xPredicted = 300.0
	xCollected = 400.0
)

func frag(x, y float64, text string) Fragment {
	return Fragment{X: x, Y: y, W: float64(len(text)) * 4, Text: text}
}

func headerLine(y float64) []Fragment {
	return []Fragment{
		frag(xCode, y, "CÓDIGO"),
		frag(xLabel, y, "ESPECIFICAÇÃO"),
		frag(xPredicted, y, "PREVISÃO"),
		frag(xCollected, y, "ARRECADAÇÃO"),
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestLocate_RowsInsideRegion(t *testing.T) {
	var frags []Fragment
	frags = append(frags, frag(200, 800, "ANEXO 10 - Comparativo da Receita"))
	frags = append(frags, headerLine(760)...)
	frags = append(frags,
		frag(xCode, 740, "11"), frag(xLabel, 740, "Receita Tributária"),
		frag(xPredicted, 740, "1.000,00"), frag(xCollected, 740, "900,00"),
		// Slightly offset baseline still belongs to the same line
		frag(xLabel, 720.8, "IPTU"), frag(xPredicted, 720, "500,00"), frag(xCollected, 721, "450,00"),
		frag(40, 40, "Página 1 de 2"),
		frag(xLabel, 20, "Texto depois do rodapé"),
	)

	e := NewExtractor(DefaultOptions(), testLogger())
	table, ok := e.Locate(Page{Number: 1, Fragments: frags})
	if !ok {
		t.Fatal("expected a table")
	}
	if len(table.Columns) != 4 {
		t.Fatalf("columns = %v, want 4", table.Labels())
	}

	var got [][]string
	for row := range table.Rows() {
		got = append(got, row.Texts())
	}
	want := [][]string{
		{"11", "Receita Tributária", "1.000,00", "900,00"},
		{"", "IPTU", "500,00", "450,00"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rows = %q\nwant   %q", got, want)
	}
}

func TestLocate_PadsMissingCells(t *testing.T) {
	frags := append(headerLine(700),
		frag(xLabel, 680, "Taxas"), frag(xPredicted, 680, "10,00"),
	)
	opts := DefaultOptions()
	opts.Padding = "-"
	e := NewExtractor(opts, testLogger())

	var rows []Row
	for row := range e.Rows(Page{Number: 3, Fragments: frags}) {
		rows = append(rows, row)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	cells := rows[0].Cells
	if len(cells) != 4 {
		t.Fatalf("row has %d cells, want 4", len(cells))
	}
	if !cells[0].Padded || cells[0].Text != "-" {
		t.Errorf("code cell = %+v, want padded placeholder", cells[0])
	}
	if !cells[3].Padded || cells[3].Text != "-" {
		t.Errorf("collected cell = %+v, want padded placeholder", cells[3])
	}
	if cells[1].Padded || cells[1].Page != 3 || cells[1].Col != 1 {
		t.Errorf("label cell = %+v", cells[1])
	}
}

func TestLocate_NoTableIsEmptySequence(t *testing.T) {
	page := Page{Number: 2, Fragments: []Fragment{
		frag(100, 700, "Notas explicativas"),
		frag(100, 680, "Sem tabela nesta página"),
	}}
	e := NewExtractor(DefaultOptions(), testLogger())

	if _, ok := e.Locate(page); ok {
		t.Fatal("did not expect a table")
	}
	n := 0
	for range e.Rows(page) {
		n++
	}
	if n != 0 {
		t.Errorf("got %d rows from a page without a table", n)
	}
}

func TestRows_Restartable(t *testing.T) {
	frags := append(headerLine(700),
		frag(xLabel, 680, "A"), frag(xPredicted, 680, "1,00"),
		frag(xLabel, 660, "B"), frag(xPredicted, 660, "2,00"),
		frag(xLabel, 640, "C"), frag(xPredicted, 640, "3,00"),
	)
	e := NewExtractor(DefaultOptions(), testLogger())
	table, ok := e.Locate(Page{Number: 1, Fragments: frags})
	if !ok {
		t.Fatal("expected a table")
	}

	collect := func() []string {
		var labels []string
		for row := range table.Rows() {
			labels = append(labels, row.Cells[1].Text)
		}
		return labels
	}
	first, second := collect(), collect()
	if !reflect.DeepEqual(first, second) || len(first) != 3 {
		t.Errorf("iterations differ: %v vs %v", first, second)
	}

	// Early break stops the sequence
	n := 0
	for range table.Rows() {
		n++
		if n == 1 {
			break
		}
	}
	if n != 1 {
		t.Errorf("break did not stop iteration")
	}
}

func TestColumnsFromHeader_MergesCloseWords(t *testing.T) {
	line := []Fragment{
		{X: 10, W: 30, Text: "CÓDIGO"},
		{X: 300, W: 20, Text: "PARA"},
		{X: 322, W: 20, Text: "MAIS"},
		{X: 400, W: 20, Text: "PARA"},
		{X: 422, W: 24, Text: "MENOS"},
	}
	cols := columnsFromHeader(line, 4)
	if len(cols) != 3 {
		t.Fatalf("got %d columns: %+v", len(cols), cols)
	}
	if cols[1].Label != "PARA MAIS" || cols[2].Label != "PARA MENOS" {
		t.Errorf("labels = %q, %q", cols[1].Label, cols[2].Label)
	}
	if cols[1].Left != (40+300)/2.0 || cols[1].Right != (342+400)/2.0 {
		t.Errorf("boundaries = [%v, %v)", cols[1].Left, cols[1].Right)
	}
}

type fakeDocument struct {
	pages []Page
}

func (d fakeDocument) NumPages() int { return len(d.pages) }

func (d fakeDocument) Page(n int) (Page, error) { return d.pages[n-1], nil }

func TestTables_ReportsEmptyPages(t *testing.T) {
	doc := fakeDocument{pages: []Page{
		{Number: 1, Fragments: append(headerLine(700), frag(xLabel, 680, "A"), frag(xPredicted, 680, "1,00"))},
		{Number: 2, Fragments: []Fragment{frag(100, 700, "Assinaturas")}},
	}}
	e := NewExtractor(DefaultOptions(), testLogger())
	tables, diags := e.Tables(doc, 2023)
	if len(tables) != 1 || tables[0].Page != 1 {
		t.Fatalf("tables = %d", len(tables))
	}
	if len(diags) != 1 || diags[0].Page != 2 || diags[0].Kind != "ExtractionEmpty" {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestMergeGlyphs(t *testing.T) {
	glyphs := []pdf.Text{
		// "IPTU" glyph by glyph
		{X: 60, Y: 700, W: 4, FontSize: 8, S: "I"},
		{X: 64, Y: 700, W: 4, FontSize: 8, S: "P"},
		{X: 68, Y: 700, W: 4, FontSize: 8, S: "T"},
		{X: 72, Y: 700, W: 4, FontSize: 8, S: "U"},
		// word gap inside the label
		{X: 78, Y: 700, W: 4, FontSize: 8, S: "X"},
		// far to the right, new run
		{X: 300, Y: 700, W: 4, FontSize: 8, S: "1"},
		{X: 304, Y: 700, W: 4, FontSize: 8, S: "0"},
		// next line
		{X: 60, Y: 690, W: 4, FontSize: 8, S: "Z"},
	}
	got := mergeGlyphs(glyphs)
	want := []string{"IPTU X", "10", "Z"}
	if len(got) != len(want) {
		t.Fatalf("got %d fragments: %+v", len(got), got)
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, got[i].Text, want[i])
		}
	}
	if got[1].X != 300 || got[1].W != 8 {
		t.Errorf("run geometry = x %v w %v", got[1].X, got[1].W)
	}
}

func TestMergeGlyphs_SkewedBaseline(t *testing.T) {
	glyphs := []pdf.Text{
		{X: 68, Y: 700.3, W: 4, FontSize: 8, S: "S"},
		{X: 60, Y: 700.4, W: 4, FontSize: 8, S: "I"},
		{X: 72, Y: 699.9, W: 4, FontSize: 8, S: "S"},
		{X: 64, Y: 700.0, W: 4, FontSize: 8, S: "S"},
		{X: 60, Y: 690, W: 4, FontSize: 8, S: "Z"},
	}
	for run := 0; run < 3; run++ {
		got := mergeGlyphs(glyphs)
		if len(got) != 2 || got[0].Text != "ISSS" || got[1].Text != "Z" {
			t.Fatalf("fragments = %+v, want ISSS then Z", got)
		}
		if got[0].X != 60 || got[0].W != 16 {
			t.Errorf("run geometry = x %v w %v", got[0].X, got[0].W)
		}
		glyphs[0], glyphs[3] = glyphs[3], glyphs[0]
	}
}
