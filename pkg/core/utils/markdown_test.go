package utils

import (
	"strings"
	"testing"
)

func TestMarkdownTable(t *testing.T) {
	got := MarkdownTable([]string{"ano", "entidade", "pago"}, [][]string{
		{"2023", "Fundo A|B", "1.000,00"},
		{"2022"},
	})
	want := "| ano | entidade | pago |\n" +
		"|---|---|---|\n" +
		"| 2023 | Fundo A/B | 1.000,00 |\n" +
		"| 2022 |  |  |\n"
	if got != want {
		t.Errorf("MarkdownTable =\n%s\nwant\n%s", got, want)
	}
	if MarkdownTable(nil, nil) != "" {
		t.Error("empty header should render nothing")
	}
}

func TestRenderHTML_Table(t *testing.T) {
	md := "# Resumo 2023\n\n" + MarkdownTable([]string{"ano", "pago"}, [][]string{{"2023", "1.000,00"}})
	if n := CountTables(md); n != 1 {
		t.Fatalf("CountTables = %d, want 1", n)
	}
	html, err := RenderHTML("Resumo <2023>", md)
	if err != nil {
		t.Fatalf("RenderHTML failed: %v", err)
	}
	for _, want := range []string{"<h1>Resumo 2023</h1>", "<table>", "<td>1.000,00</td>", "<title>Resumo &lt;2023&gt;</title>"} {
		if !strings.Contains(html, want) {
			t.Errorf("output lacks %q", want)
		}
	}
	t.Logf("✓ rendered %d bytes", len(html))
}
