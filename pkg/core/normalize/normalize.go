// Package normalize converts Brazilian-formatted amounts such as
// "1.234.567,89", "(1.000,00)" or "R$ 500,00" into exact decimals.
//
// The conversion is an ordered string rewrite and never consults the host
// locale.
package normalize

import (
	"regexp"
	"strings"

	"budget_monitor/pkg/models"

	"github.com/shopspring/decimal"
)

// placeholders are cell values that mean "no amount".
var placeholders = map[string]bool{
	"-":   true,
	"--":  true,
	"—":   true,
	"–":   true,
	"N/A": true,
	"n/a": true,
	"NA":  true,
}

var currencySymbols = []string{"R$", "US$", "$"}

// canonical accepts what is left after separators are rewritten.
var canonical = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)

// Normalize parses one raw cell.
//
//	"1.234.567,89" → 1234567.89
//	"(1.000,00)"   → -1000.00 (parenthesized)
//	"R$ 500,00"    → 500.00
//	"-" or ""      → blank
//	"abc"          → unparseable, raw kept
func Normalize(raw string) models.NormalizedAmount {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\u00a0", " "))
	if isBlank(s) {
		return models.NormalizedAmount{Status: models.AmountBlank, Raw: raw}
	}

	s = stripCurrency(s)
	if isBlank(s) {
		return models.NormalizedAmount{Status: models.AmountBlank, Raw: raw}
	}

	negative := false
	parenthesized := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		parenthesized = true
		negative = true
		s = stripCurrency(s[1 : len(s)-1])
		if isBlank(s) {
			return models.NormalizedAmount{Status: models.AmountBlank, Raw: raw}
		}
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = stripCurrency(s[1:])
	}

	// Thousands separators go first, otherwise "1.234.567,89" loses its groups.
	s = strings.ReplaceAll(s, ".", "")
	if i := strings.LastIndex(s, ","); i >= 0 {
		s = s[:i] + "." + s[i+1:]
	}

	if !canonical.MatchString(s) {
		return models.NormalizedAmount{Status: models.AmountUnparseable, Raw: raw}
	}
	value, err := decimal.NewFromString(s)
	if err != nil {
		return models.NormalizedAmount{Status: models.AmountUnparseable, Raw: raw}
	}

	if negative {
		value = value.Neg()
	}
	return models.NormalizedAmount{
		Value:         value,
		Status:        models.AmountOK,
		Raw:           raw,
		Parenthesized: parenthesized,
	}
}

// Lenient parses cells of portal exports that mix "1.234,56" and "1234.56".
// Without a comma a single dot is the decimal point; everything else goes
// through Normalize.
func Lenient(raw string) models.NormalizedAmount {
	if !strings.Contains(raw, ",") && strings.Count(raw, ".") == 1 {
		a := Normalize(strings.Replace(raw, ".", ",", 1))
		a.Raw = raw
		return a
	}
	return Normalize(raw)
}

func isBlank(s string) bool {
	return s == "" || placeholders[s]
}

func stripCurrency(s string) string {
	s = strings.TrimSpace(s)
	for _, sym := range currencySymbols {
		if strings.HasPrefix(s, sym) {
			s = strings.TrimSpace(strings.TrimPrefix(s, sym))
		}
		if strings.HasSuffix(s, sym) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sym))
		}
	}
	return s
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatBR renders a decimal with "." thousands and "," decimal separators.
// Negative values get a leading minus.
func FormatBR(v decimal.Decimal, places int32) string {
	fixed := v.Abs().StringFixed(places)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if v.IsNegative() && !v.Abs().Round(places).IsZero() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte(',')
		b.WriteString(frac)
	}
	return b.String()
}
