package assemble

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"testing"

	"budget_monitor/pkg/core/extract"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// Mapping for a four column layout: CÓDIGO | ENTIDADE | PREVISÃO | ARRECADAÇÃO
var fourCols = ColumnMapping{Section: 0, Label: 1, Predicted: 2, Collected: 3, Surplus: -1, Shortfall: -1}

func quiet() *log.Logger {
	return log.New(io.Discard)
}

func rowsOf(page int, lines ...[]string) iter.Seq[extract.Row] {
	return func(yield func(extract.Row) bool) {
		for i, texts := range lines {
			row := extract.Row{Page: page, Index: i}
			for col, text := range texts {
				row.Cells = append(row.Cells, models.RawCell{Page: page, Row: i, Col: col, Text: text})
			}
			if !yield(row) {
				return
			}
		}
	}
}

func assembleLines(t *testing.T, opts Options, lines ...[]string) *models.YearDataset {
	t.Helper()
	a := NewAssembler(fourCols, opts, quiet())
	ds := &models.YearDataset{Year: 2023}
	a.AssembleRows(2023, rowsOf(1, lines...), fourCols, Carry{}, ds)
	ds.Diagnostics = append(ds.Diagnostics, duplicates(2023, ds.Records)...)
	return ds
}

func TestAssemble_SectionCarryForward(t *testing.T) {
	ds := assembleLines(t, DefaultOptions(),
		[]string{"Tributos", "", "", ""},
		[]string{"", "Prefeitura", "1.000,00", "900,00"},
		[]string{"", "Câmara", "200,00", "210,00"},
		[]string{"Transferências", "", "", ""},
		[]string{"", "Fundo de Saúde", "50,00", "-"},
	)

	if len(ds.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(ds.Records))
	}
	wantSections := []string{"Tributos", "Tributos", "Transferências"}
	for i, rec := range ds.Records {
		if rec.Section != wantSections[i] {
			t.Errorf("record %q section = %q, want %q", rec.Category, rec.Section, wantSections[i])
		}
	}
	if ds.Records[2].Collected.Valid {
		t.Errorf("placeholder collected amount should be null")
	}
	if len(ds.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %+v", ds.Diagnostics)
	}
}

func TestAssemble_SectionNameFromFirstTextCell(t *testing.T) {
	m := ColumnMapping{Section: -1, Label: 0, Predicted: 1, Collected: 2, Surplus: -1, Shortfall: -1}
	a := NewAssembler(m, DefaultOptions(), quiet())
	ds := &models.YearDataset{Year: 2020}
	acc := a.AssembleRows(2020, rowsOf(1,
		[]string{"", "", "", "Receitas Correntes"},
		[]string{"IPTU", "10,00", "12,00", ""},
	), m, Carry{}, ds)

	if len(ds.Records) != 1 || ds.Records[0].Section != "Receitas Correntes" {
		t.Fatalf("records = %+v", ds.Records)
	}
	if acc.section != "Receitas Correntes" {
		t.Errorf("carry section = %q", acc.section)
	}
}

func TestAssemble_BothAmountsMissingIsExcluded(t *testing.T) {
	ds := assembleLines(t, DefaultOptions(),
		[]string{"", "Sem valores", "-", ""},
		[]string{"", "Com valor", "", "5,00"},
	)
	if len(ds.Records) != 1 || ds.Records[0].Category != "Com valor" {
		t.Fatalf("records = %+v", ds.Records)
	}
	if ds.Records[0].Predicted.Valid {
		t.Errorf("blank predicted should be null")
	}
	if len(ds.Diagnostics) != 0 {
		t.Errorf("excluded rows must not raise diagnostics: %+v", ds.Diagnostics)
	}
}

func TestAssemble_MalformedCellIsDiagnosed(t *testing.T) {
	ds := assembleLines(t, DefaultOptions(),
		[]string{"", "Prefeitura", "1.000,00", "9O0,00"},
		[]string{"", "Autarquia", "abc", "xyz"},
	)
	if len(ds.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(ds.Records))
	}
	if ds.Records[0].Collected.Valid {
		t.Errorf("malformed collected amount must be null, never zero")
	}
	if n := ds.Count(models.NormalizationFailure); n != 3 {
		t.Fatalf("NormalizationFailure = %d, want 3", n)
	}
	d := ds.Diagnostics[0]
	if d.Raw != "9O0,00" || d.Row != 0 || d.Col != 3 {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestAssemble_DuplicateKeysAreAllReported(t *testing.T) {
	ds := assembleLines(t, DefaultOptions(),
		[]string{"", "Prefeitura", "1,00", "1,00"},
		[]string{"", "Câmara", "2,00", "2,00"},
		[]string{"", "Prefeitura", "3,00", "3,00"},
	)

	if len(ds.Records) != 3 {
		t.Errorf("duplicates must not be dropped: got %d records", len(ds.Records))
	}
	if n := ds.Count(models.DuplicateKey); n != 1 {
		t.Fatalf("DuplicateKey diagnostics = %d, want 1", n)
	}
	var dup models.Diagnostic
	for _, d := range ds.Diagnostics {
		if d.Kind == models.DuplicateKey {
			dup = d
		}
	}
	if len(dup.Occurrences) != 2 || dup.Occurrences[0].Row != 0 || dup.Occurrences[1].Row != 2 {
		t.Errorf("occurrences = %+v, want rows 0 and 2", dup.Occurrences)
	}
}

func TestAssemble_SameLabelUnderDifferentCodesIsNotDuplicate(t *testing.T) {
	m := Anexo10Mapping()
	a := NewAssembler(m, DefaultOptions(), quiet())
	ds := &models.YearDataset{Year: 2021}
	a.AssembleRows(2021, rowsOf(1,
		[]string{"11", "Receita Tributária", "1,00", "1,00", "", ""},
		[]string{"", "Outras Receitas", "2,00", "2,00", "", ""},
		[]string{"19", "Outras Receitas Correntes", "3,00", "3,00", "", ""},
		[]string{"", "Outras Receitas", "4,00", "4,00", "", ""},
	), m, Carry{}, ds)
	ds.Diagnostics = append(ds.Diagnostics, duplicates(2021, ds.Records)...)

	if len(ds.Records) != 4 {
		t.Fatalf("got %d records, want 4", len(ds.Records))
	}
	if ds.Records[1].Key() == ds.Records[3].Key() {
		t.Errorf("keys collide: %+v", ds.Records[1].Key())
	}
	if n := ds.Count(models.DuplicateKey); n != 0 {
		t.Errorf("DuplicateKey = %d, want 0", n)
	}
}

func TestAssemble_CodeCarriesToSubitems(t *testing.T) {
	m := Anexo10Mapping()
	a := NewAssembler(m, DefaultOptions(), quiet())
	ds := &models.YearDataset{Year: 2019}
	a.AssembleRows(2019, rowsOf(1,
		[]string{"11", "Receita Tributária", "1.000,00", "1.100,00", "100,00", "0,00"},
		[]string{"", "IPTU", "600,00", "650,00", "50,00", "0,00"},
		[]string{"", "ISS", "400,00", "450,00", "50,00", "0,00"},
		[]string{"13", "Receita Patrimonial", "10,00", "8,00", "0,00", "2,00"},
		[]string{"", "Outras Receitas", "10,00", "8,00", "0,00", "2,00"},
		[]string{"TOTAL", "", "1.010,00", "1.108,00", "", ""},
	), m, Carry{}, ds)

	if len(ds.Records) != 5 {
		t.Fatalf("got %d records, want 5 (TOTAL excluded)", len(ds.Records))
	}
	want := []struct {
		code    string
		subitem bool
	}{{"11", false}, {"11", true}, {"11", true}, {"13", false}, {"13", true}}
	for i, w := range want {
		r := ds.Records[i]
		if r.Code != w.code || r.Subitem != w.subitem {
			t.Errorf("%s: code=%q subitem=%v, want %q %v", r.Category, r.Code, r.Subitem, w.code, w.subitem)
		}
	}
	if !ds.Records[0].Surplus.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("surplus = %s", ds.Records[0].Surplus.Decimal)
	}
}

func TestAssemble_WrappedDescriptionIsMerged(t *testing.T) {
	m := Anexo10Mapping()
	a := NewAssembler(m, DefaultOptions(), quiet())
	ds := &models.YearDataset{Year: 2020}
	a.AssembleRows(2020, rowsOf(1,
		[]string{"11", "Receita Tributária de", "", "", "", ""},
		[]string{"", "Impostos e Taxas", "1.000,00", "1.100,00", "100,00", "0,00"},
		[]string{"", "IPTU e", "", "", "", ""},
		[]string{"", "Taxas Urbanas", "600,00", "650,00", "50,00", "0,00"},
		[]string{"13", "Receita Patrimonial", "10,00", "8,00", "0,00", "2,00"},
	), m, Carry{}, ds)

	want := []struct {
		category string
		code     string
		subitem  bool
	}{
		{"Receita Tributária de Impostos e Taxas", "11", false},
		{"IPTU e Taxas Urbanas", "11", true},
		{"Receita Patrimonial", "13", false},
	}
	if len(ds.Records) != len(want) {
		t.Fatalf("got %d records, want %d: %+v", len(ds.Records), len(want), ds.Records)
	}
	predicted := decimal.Zero
	for i, w := range want {
		r := ds.Records[i]
		if r.Category != w.category || r.Code != w.code || r.Subitem != w.subitem {
			t.Errorf("record %d = %q code=%q subitem=%v, want %q %q %v", i, r.Category, r.Code, r.Subitem, w.category, w.code, w.subitem)
		}
		if !r.Subitem {
			predicted = predicted.Add(r.Predicted.Decimal)
		}
	}
	if !predicted.Equal(decimal.NewFromInt(1010)) {
		t.Errorf("category predicted total = %s, want 1010", predicted)
	}
	if len(ds.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %+v", ds.Diagnostics)
	}
}

func TestAssemble_NegativeAmounts(t *testing.T) {
	ds := assembleLines(t, DefaultOptions(),
		[]string{"", "Restituições de Receitas", "-10,00", "-12,00"},
		[]string{"", "Estorno", "(5,00)", "(5,00)"},
		[]string{"", "Taxa de Lixo", "-3,00", "4,00"},
	)
	if len(ds.Records) != 3 {
		t.Fatalf("got %d records", len(ds.Records))
	}
	if n := ds.Count(models.UnexpectedNegative); n != 1 {
		t.Fatalf("UnexpectedNegative = %d, want 1: %+v", n, ds.Diagnostics)
	}
	if ds.Diagnostics[0].Row != 2 {
		t.Errorf("flagged row %d, want 2", ds.Diagnostics[0].Row)
	}
	if !ds.Records[1].Predicted.Decimal.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("parenthesized amount = %s, want -5", ds.Records[1].Predicted.Decimal)
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	lines := [][]string{
		{"Tributos", "", "", ""},
		{"", "Prefeitura", "1.234,56", "1.000,00"},
		{"", "Câmara", "10,00", "bad"},
		{"", "Prefeitura", "1,00", "2,00"},
	}
	first := assembleLines(t, DefaultOptions(), lines...)
	second := assembleLines(t, DefaultOptions(), lines...)

	a, _ := json.Marshal(first.Records)
	b, _ := json.Marshal(second.Records)
	if string(a) != string(b) {
		t.Errorf("records differ between runs:\n%s\n%s", a, b)
	}
	da, _ := json.Marshal(first.Diagnostics)
	db, _ := json.Marshal(second.Diagnostics)
	if string(da) != string(db) {
		t.Errorf("diagnostics differ between runs")
	}
}

func TestColumnMapping_Validate(t *testing.T) {
	if err := Anexo10Mapping().Validate(6); err != nil {
		t.Errorf("anexo 10 mapping on 6 columns: %v", err)
	}
	if err := Anexo10Mapping().Validate(4); err == nil {
		t.Errorf("expected mismatch for 4 columns")
	}
	if err := fourCols.Validate(4); err != nil {
		t.Errorf("four column mapping: %v", err)
	}
}

func TestResolveMapping(t *testing.T) {
	m, err := ResolveMapping([]string{"CÓDIGO", "ESPECIFICAÇÃO", "PREVISÃO", "ARRECADAÇÃO", "PARA MAIS", "PARA MENOS"})
	if err != nil {
		t.Fatal(err)
	}
	if m != Anexo10Mapping() {
		t.Errorf("mapping = %+v", m)
	}
	if _, err := ResolveMapping([]string{"CÓDIGO", "VALOR"}); err == nil {
		t.Errorf("expected error for header without amount columns")
	}
}

// =============================================================================
// END TO END: positioned fragments → extractor → assembler
// =============================================================================

type pagesDoc []extract.Page

func (d pagesDoc) NumPages() int                    { return len(d) }
func (d pagesDoc) Page(n int) (extract.Page, error) { return d[n-1], nil }

func header(y float64) []extract.Fragment {
	return []extract.Fragment{
		{X: 20, Y: y, W: 30, Text: "CÓDIGO"},
		{X: 80, Y: y, W: 50, Text: "ENTIDADE"},
		{X: 300, Y: y, W: 40, Text: "PREVISÃO"},
		{X: 400, Y: y, W: 50, Text: "ARRECADAÇÃO"},
	}
}

func TestEndToEnd_TwoPageReport(t *testing.T) {
	page1 := append([]extract.Fragment{
		{X: 150, Y: 800, W: 200, Text: "ANEXO 10 - Receita Prevista x Arrecadada"},
	}, header(760)...)
	page1 = append(page1,
		extract.Fragment{X: 20, Y: 740, W: 40, Text: "Tributos"},
		extract.Fragment{X: 80, Y: 720, W: 60, Text: "Prefeitura"},
		extract.Fragment{X: 300, Y: 720, W: 40, Text: "1.234.567,89"},
		extract.Fragment{X: 400, Y: 720, W: 40, Text: "1.200.000,00"},
		extract.Fragment{X: 40, Y: 30, W: 60, Text: "Página 1 de 2"},
	)
	page2 := append(header(760),
		extract.Fragment{X: 80, Y: 740, W: 60, Text: "Câmara"},
		extract.Fragment{X: 300, Y: 740, W: 40, Text: "(1.000,00)"},
		extract.Fragment{X: 400, Y: 740, W: 40, Text: "12,3x4"},
		extract.Fragment{X: 40, Y: 30, W: 60, Text: "Página 2 de 2"},
	)
	doc := pagesDoc{{Number: 1, Fragments: page1}, {Number: 2, Fragments: page2}}

	ex := extract.NewExtractor(extract.DefaultOptions(), quiet())
	tables, extractionDiags := ex.Tables(doc, 2022)

	a := NewAssembler(fourCols, DefaultOptions(), quiet())
	ds, err := a.Assemble(2022, tables)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	ds.Diagnostics = append(extractionDiags, ds.Diagnostics...)

	if len(ds.Records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(ds.Records), ds.Records)
	}
	for _, r := range ds.Records {
		if r.Section != "Tributos" {
			t.Errorf("%s section = %q, want Tributos", r.Category, r.Section)
		}
	}
	if !ds.Records[0].Predicted.Decimal.Equal(decimal.RequireFromString("1234567.89")) {
		t.Errorf("predicted = %s", ds.Records[0].Predicted.Decimal)
	}
	if !ds.Records[1].Predicted.Decimal.Equal(decimal.NewFromInt(-1000)) {
		t.Errorf("parenthesized predicted = %s", ds.Records[1].Predicted.Decimal)
	}

	if n := ds.Count(models.NormalizationFailure); n != 1 {
		t.Errorf("NormalizationFailure = %d, want 1", n)
	}
	if n := ds.Count(models.ExtractionEmpty); n != 0 {
		t.Errorf("ExtractionEmpty = %d, want 0", n)
	}
	if n := ds.Count(models.DuplicateKey); n != 0 {
		t.Errorf("DuplicateKey = %d, want 0", n)
	}
	if len(ds.Diagnostics) != 1 {
		t.Errorf("diagnostics = %+v", ds.Diagnostics)
	}
	t.Logf("✓ %d records, %d diagnostic(s), run %s", len(ds.Records), len(ds.Diagnostics), ds.RunID)
}

func TestAssemble_NoRowsIsHardFailure(t *testing.T) {
	doc := pagesDoc{{Number: 1, Fragments: []extract.Fragment{{X: 10, Y: 10, W: 10, Text: "vazio"}}}}
	ex := extract.NewExtractor(extract.DefaultOptions(), quiet())
	tables, _ := ex.Tables(doc, 2018)

	_, err := NewAssembler(fourCols, DefaultOptions(), quiet()).Assemble(2018, tables)
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("err = %v, want ErrNoRows", err)
	}
}

func TestAssemble_SchemaMismatchSkipsPage(t *testing.T) {
	narrow := []extract.Fragment{
		{X: 20, Y: 700, W: 30, Text: "CÓDIGO"},
		{X: 300, Y: 700, W: 40, Text: "PREVISÃO"},
		{X: 20, Y: 680, W: 30, Text: "Prefeitura"},
		{X: 300, Y: 680, W: 30, Text: "1,00"},
	}
	wide := append(header(760),
		extract.Fragment{X: 80, Y: 740, W: 60, Text: "Câmara"},
		extract.Fragment{X: 300, Y: 740, W: 40, Text: "2,00"},
	)
	doc := pagesDoc{{Number: 1, Fragments: narrow}, {Number: 2, Fragments: wide}}
	ex := extract.NewExtractor(extract.DefaultOptions(), quiet())
	tables, _ := ex.Tables(doc, 2021)

	ds, err := NewAssembler(fourCols, DefaultOptions(), quiet()).Assemble(2021, tables)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if ds.Count(models.SchemaMismatch) != 1 || ds.Diagnostics[0].Page != 1 {
		t.Errorf("diagnostics = %+v", ds.Diagnostics)
	}
	if len(ds.Records) != 1 || ds.Records[0].Category != "Câmara" {
		t.Errorf("records = %+v", ds.Records)
	}
}
