package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonKey = regexp.MustCompile(`[^a-z0-9]+`)

// Fold lowercases s, drops accents and collapses whitespace.
// "  Restituições  de Receita" → "restituicoes de receita"
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// Key turns a column header into an ASCII snake key.
// "Liquidado - Orçamento" → "liquidado_orcamento"
func Key(s string) string {
	k := nonKey.ReplaceAllString(Fold(strings.TrimPrefix(s, "\ufeff")), "_")
	return strings.Trim(k, "_")
}
