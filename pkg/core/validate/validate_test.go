package validate

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Paid expenses per year, in BRL (rounded)
var paidByYear = map[int]decimal.Decimal{
	2019: d("2150000000"),
	2020: d("2300000000"),
	2021: d("2410000000"),
	2022: d("3300000000"), // +36.9%
	2024: d("3500000000"), // 2023 missing
}

// =============================================================================
// YoY TESTS
// =============================================================================

func TestCalculateYoY(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		prior    string
		expected string
		ok       bool
	}{
		{"Positive growth", "110", "100", "0.1", true},
		{"Negative growth", "90", "100", "-0.1", true},
		{"Zero growth", "100", "100", "0", true},
		{"Double", "200", "100", "1", true},
		{"Zero base", "50", "0", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := CalculateYoY(d(tt.current), d(tt.prior))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !result.Equal(d(tt.expected)) {
				t.Errorf("CalculateYoY(%s, %s) = %s, want %s", tt.current, tt.prior, result, tt.expected)
			}
		})
	}
}

func TestYoYFromMap(t *testing.T) {
	result, err := YoYFromMap(paidByYear, 2021, 2020, "pago")
	if err != nil {
		t.Fatalf("YoYFromMap failed: %v", err)
	}
	t.Logf("Paid YoY 2021: %s", result.Ratio.StringFixed(4))

	if !result.ChangeAbs.Equal(d("110000000")) {
		t.Errorf("ChangeAbs = %s", result.ChangeAbs)
	}
	if result.Ratio.StringFixed(4) != "0.0478" {
		t.Errorf("Ratio = %s, want 0.0478", result.Ratio.StringFixed(4))
	}

	if _, err := YoYFromMap(paidByYear, 2023, 2022, "pago"); err == nil {
		t.Error("expected error for missing year")
	}
}

func TestYoYSeries_FlagsOnlyLargeConsecutiveChanges(t *testing.T) {
	got := YoYSeries(paidByYear, "pago", d("0.30"))
	if len(got) != 1 {
		t.Fatalf("flagged %d changes, want 1: %+v", len(got), got)
	}
	if got[0].CurrentYear != 2022 || got[0].PriorYear != 2021 {
		t.Errorf("flagged %d vs %d", got[0].CurrentYear, got[0].PriorYear)
	}
	t.Logf("✓ 2022 flagged at %s, gap before 2024 skipped", got[0].Ratio.StringFixed(4))
}

// =============================================================================
// TOLERANCE AND ORDER TESTS
// =============================================================================

func TestCheckTolerance(t *testing.T) {
	tol := d("1.0")

	if c := CheckTolerance(d("100"), d("100.99"), tol); c.Diverges {
		t.Error("difference below tolerance flagged")
	}
	if c := CheckTolerance(d("100"), d("101"), tol); !c.Diverges {
		t.Error("difference equal to tolerance not flagged")
	}
	c := CheckTolerance(d("50"), d("80"), tol)
	if !c.Diverges || !c.Difference.Equal(d("30")) {
		t.Errorf("got %+v", c)
	}
}

func TestCheckExecutionOrder(t *testing.T) {
	cent := d("0.01")
	if broken := CheckExecutionOrder(d("100"), d("80"), d("80"), cent); len(broken) != 0 {
		t.Errorf("valid order flagged: %v", broken)
	}
	if broken := CheckExecutionOrder(d("100"), d("100.01"), d("80"), cent); len(broken) != 0 {
		t.Errorf("rounding within a cent flagged: %v", broken)
	}
	broken := CheckExecutionOrder(d("100"), d("120"), d("130"), cent)
	if len(broken) != 2 {
		t.Fatalf("broken = %v", broken)
	}
	t.Logf("✓ %v", broken)
}
