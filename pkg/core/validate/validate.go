// Package validate provides the reusable numeric checks behind the quality
// rules and the reconcile reports.
package validate

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// =============================================================================
// YEAR-OVER-YEAR (YoY) CALCULATIONS
// =============================================================================

// YoYResult holds the result of a YoY calculation.
type YoYResult struct {
	CurrentYear  int
	PriorYear    int
	CurrentValue decimal.Decimal
	PriorValue   decimal.Decimal
	ChangeAbs    decimal.Decimal // Absolute change
	Ratio        decimal.Decimal // (current - prior) / prior
	Label        string          // e.g. "fato_despesa_pago"
}

// CalculateYoY returns (current - prior) / prior. ok is false when prior is
// zero, where the ratio is undefined.
func CalculateYoY(current, prior decimal.Decimal) (ratio decimal.Decimal, ok bool) {
	if prior.IsZero() {
		return decimal.Zero, false
	}
	return current.Sub(prior).DivRound(prior, 8), true
}

// YoYFromMap calculates YoY change from a year->value map.
func YoYFromMap(years map[int]decimal.Decimal, currentYear, priorYear int, label string) (*YoYResult, error) {
	current, okCur := years[currentYear]
	prior, okPri := years[priorYear]

	if !okCur {
		return nil, fmt.Errorf("missing data for year %d", currentYear)
	}
	if !okPri {
		return nil, fmt.Errorf("missing data for year %d", priorYear)
	}
	ratio, ok := CalculateYoY(current, prior)
	if !ok {
		return nil, fmt.Errorf("zero base in year %d", priorYear)
	}

	return &YoYResult{
		CurrentYear:  currentYear,
		PriorYear:    priorYear,
		CurrentValue: current,
		PriorValue:   prior,
		ChangeAbs:    current.Sub(prior),
		Ratio:        ratio,
		Label:        label,
	}, nil
}

// YoYSeries walks consecutive years of the map and returns every change whose
// absolute ratio reaches threshold. Gaps in the years break the chain.
func YoYSeries(years map[int]decimal.Decimal, label string, threshold decimal.Decimal) []YoYResult {
	keys := make([]int, 0, len(years))
	for y := range years {
		keys = append(keys, y)
	}
	slices.Sort(keys)

	var out []YoYResult
	for i := 1; i < len(keys); i++ {
		if keys[i]-keys[i-1] != 1 {
			continue
		}
		res, err := YoYFromMap(years, keys[i], keys[i-1], label)
		if err != nil {
			continue
		}
		if res.Ratio.Abs().GreaterThanOrEqual(threshold) {
			out = append(out, *res)
		}
	}
	return out
}

// =============================================================================
// TOLERANCE CHECKS
// =============================================================================

// ToleranceCheck compares two totals that should agree.
type ToleranceCheck struct {
	Left       decimal.Decimal
	Right      decimal.Decimal
	Difference decimal.Decimal // |Left - Right|
	Tolerance  decimal.Decimal
	Diverges   bool
}

// CheckTolerance flags the pair when |left - right| >= tolerance.
func CheckTolerance(left, right, tolerance decimal.Decimal) *ToleranceCheck {
	diff := left.Sub(right).Abs()
	return &ToleranceCheck{
		Left:       left,
		Right:      right,
		Difference: diff,
		Tolerance:  tolerance,
		Diverges:   diff.GreaterThanOrEqual(tolerance),
	}
}

// =============================================================================
// EXECUTION ORDER
// =============================================================================

// CheckExecutionOrder verifies paid <= liquidated <= committed, allowing each
// side to exceed the next by tolerance, and returns a message for each broken
// inequality.
func CheckExecutionOrder(committed, liquidated, paid, tolerance decimal.Decimal) []string {
	var broken []string
	if paid.Sub(liquidated).GreaterThan(tolerance) {
		broken = append(broken, fmt.Sprintf("pago %s > liquidado %s", paid.StringFixed(2), liquidated.StringFixed(2)))
	}
	if liquidated.Sub(committed).GreaterThan(tolerance) {
		broken = append(broken, fmt.Sprintf("liquidado %s > empenhado %s", liquidated.StringFixed(2), committed.StringFixed(2)))
	}
	return broken
}
