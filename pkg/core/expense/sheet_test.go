package expense

import (
	"reflect"
	"testing"

	"budget_monitor/pkg/models"

	"github.com/shopspring/decimal"
)

const paidCSV = "\ufeffExercício;Entidade;Pago Orçamento;Pago Restos a Pagar;Observação\n" +
	"2023;Prefeitura do Município de Londrina;1.000,50;200,00;\n" +
	"2023;Câmara Municipal de Londrina;(10,00);;ajuste\n" +
	";;;;\n" +
	"TOTAL;;990,50;200,00;\n"

func TestParse_KeysAndTotals(t *testing.T) {
	s, err := Parse([]byte(paidCSV))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	wantKeys := []string{"exercicio", "entidade", "pago_orcamento", "pago_restos_a_pagar", "observacao"}
	if !reflect.DeepEqual(s.Keys, wantKeys) {
		t.Errorf("keys = %v, want %v", s.Keys, wantKeys)
	}
	if len(s.Rows) != 2 || s.Dropped != 1 {
		t.Errorf("rows = %d dropped = %d, want 2 and 1", len(s.Rows), s.Dropped)
	}
	if s.YearColumn() != 0 || s.EntityColumn() != 1 {
		t.Errorf("year col %d entity col %d", s.YearColumn(), s.EntityColumn())
	}
}

func TestParse_CommaDelimited(t *testing.T) {
	s, err := Parse([]byte("Ano,Órgão,Valor Empenhado\n2020,PML,\"1.234,56\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(s.Columns) != 3 || s.EntityColumn() != 1 {
		t.Errorf("columns = %q", s.Columns)
	}
	total, used, err := s.Total(models.StageCommitted)
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("1234.56")) || used[0] != "Valor Empenhado" {
		t.Errorf("total = %s used = %v", total, used)
	}
}

func TestTotal_MixedDecimalStyles(t *testing.T) {
	s, err := Parse([]byte("Exercício;Entidade;Empenhado\n2020;Prefeitura;1234.56\n2020;Câmara;1.234,56\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	total, _, err := s.Total(models.StageCommitted)
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("2469.12")) {
		t.Errorf("total = %s, want 2469.12", total)
	}
	entries, bad, err := s.Entries(models.StageCommitted, 2020)
	if err != nil || bad != 0 || len(entries) != 2 {
		t.Fatalf("entries = %+v bad = %d err = %v", entries, bad, err)
	}
	if !entries[0].Value.Equal(entries[1].Value) {
		t.Errorf("dot and comma decimals differ: %s vs %s", entries[0].Value, entries[1].Value)
	}
}

func TestMeasureColumns(t *testing.T) {
	tests := []struct {
		name    string
		header  []string
		stage   models.ExpenseStage
		want    []int
		wantErr bool
	}{
		{"committed prefers net", []string{"entidade", "empenhado", "anulado", "liquido"}, models.StageCommitted, []int{3}, false},
		{"committed fallback", []string{"entidade", "valor_empenhado"}, models.StageCommitted, []int{1}, false},
		{"liquidated budget and rap", []string{"entidade", "liquidado_orcamento", "liquidado_restos", "outros"}, models.StageLiquidated, []int{1, 2}, false},
		{"liquidated fallback", []string{"entidade", "valor_liquidado"}, models.StageLiquidated, []int{1}, false},
		{"paid synonyms", []string{"entidade", "pagamento_orc", "pago_rap"}, models.StagePaid, []int{1, 2}, false},
		{"no value column", []string{"entidade", "observacao"}, models.StagePaid, nil, true},
		{"unknown stage", []string{"entidade"}, models.ExpenseStage("outra"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sheet{Columns: tt.header, Keys: tt.header}
			got, err := s.MeasureColumns(tt.stage)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("columns = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntries(t *testing.T) {
	s, err := Parse([]byte(paidCSV))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	entries, bad, err := s.Entries(models.StagePaid, 1999)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if bad != 0 {
		t.Errorf("bad = %d", bad)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries", len(entries))
	}
	first := entries[0]
	if first.Year != 2023 || first.Entity != "Prefeitura do Município de Londrina" || first.Column != "pago_orcamento" {
		t.Errorf("first entry = %+v", first)
	}
	if !entries[2].Value.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("parenthesized value = %s", entries[2].Value)
	}

	total, _, _ := s.Total(models.StagePaid)
	if !total.Equal(decimal.RequireFromString("1190.50")) {
		t.Errorf("total = %s", total)
	}
	t.Logf("✓ %d entries, total %s", len(entries), total)
}

func TestEntries_FallbackYearAndBadCells(t *testing.T) {
	s, err := Parse([]byte("Entidade;Empenhado\nPML;abc\nAMS;5,00\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	entries, bad, err := s.Entries(models.StageCommitted, 2021)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if bad != 1 {
		t.Errorf("bad = %d, want 1", bad)
	}
	if entries[0].Year != 2021 || !entries[0].Value.IsZero() {
		t.Errorf("entry = %+v", entries[0])
	}
}
