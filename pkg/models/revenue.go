// Package models holds the records shared by the extraction, warehouse and
// export stages.
package models

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// EXTRACTION RECORDS
// =============================================================================

// RawCell is a single text token taken from a table page.
type RawCell struct {
	Page   int    `json:"page"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Text   string `json:"text"`
	Padded bool   `json:"padded,omitempty"` // Cell was missing on the page
}

// AmountStatus tells whether a cell produced a usable number.
type AmountStatus string

const (
	AmountOK          AmountStatus = "ok"
	AmountBlank       AmountStatus = "blank"
	AmountUnparseable AmountStatus = "unparseable"
)

// NormalizedAmount is the numeric reading of one RawCell.
type NormalizedAmount struct {
	Value         decimal.Decimal `json:"value"`
	Status        AmountStatus    `json:"status"`
	Raw           string          `json:"raw"`
	Parenthesized bool            `json:"parenthesized,omitempty"` // "(1.000,00)"
}

// OK reports whether the amount parsed.
func (a NormalizedAmount) OK() bool {
	return a.Status == AmountOK
}

// Nullable converts the amount to a nullable decimal (blank and unparseable are null).
func (a NormalizedAmount) Nullable() decimal.NullDecimal {
	if !a.OK() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(a.Value)
}

// =============================================================================
// REVENUE RECORD
// =============================================================================

// RevenueRecord is one line of the predicted vs collected revenue table.
// Predicted and Collected are independently nullable.
type RevenueRecord struct {
	Year      int                 `json:"year"`
	Code      string              `json:"code,omitempty"`    // Revenue code ("11"), carried to subitems
	Category  string              `json:"category"`          // Entity or category label
	Section   string              `json:"section,omitempty"` // Last section header seen
	Subitem   bool                `json:"subitem,omitempty"` // Inherited its code from a parent row
	Predicted decimal.NullDecimal `json:"predicted"`
	Collected decimal.NullDecimal `json:"collected"`
	Surplus   decimal.NullDecimal `json:"surplus"`   // "para mais"
	Shortfall decimal.NullDecimal `json:"shortfall"` // "para menos"
	Page      int                 `json:"page"`
	Row       int                 `json:"row"`
}

// RecordKey identifies a record inside one year. It is wider than
// (year, category): Code qualifies the label, so two rows with the same label
// under different codes are distinct and never reported as DuplicateKey.
// Rows without a code fall back to (year, category).
type RecordKey struct {
	Year     int    `json:"year"`
	Code     string `json:"code,omitempty"`
	Category string `json:"category"`
}

// Key returns the uniqueness key of the record.
func (r RevenueRecord) Key() RecordKey {
	return RecordKey{Year: r.Year, Code: r.Code, Category: r.Category}
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticKind classifies a non-fatal data problem.
type DiagnosticKind string

const (
	ExtractionEmpty      DiagnosticKind = "ExtractionEmpty"
	NormalizationFailure DiagnosticKind = "NormalizationFailure"
	DuplicateKey         DiagnosticKind = "DuplicateKey"
	SchemaMismatch       DiagnosticKind = "SchemaMismatch"
	UnexpectedNegative   DiagnosticKind = "UnexpectedNegative"
)

// CellRef points at a row (and optionally a column) of the source document.
type CellRef struct {
	Page int `json:"page"`
	Row  int `json:"row"`
	Col  int `json:"col"`
}

// Diagnostic is attached to a YearDataset instead of failing the run.
type Diagnostic struct {
	Kind        DiagnosticKind `json:"kind"`
	Year        int            `json:"year"`
	Page        int            `json:"page,omitempty"`
	Row         int            `json:"row,omitempty"`
	Col         int            `json:"col,omitempty"`
	Raw         string         `json:"raw,omitempty"`
	Message     string         `json:"message"`
	Occurrences []CellRef      `json:"occurrences,omitempty"` // DuplicateKey only
}

// YearDataset is the output of one extraction run for one fiscal year.
type YearDataset struct {
	Year        int             `json:"year"`
	RunID       string          `json:"run_id"`
	Source      string          `json:"source,omitempty"`
	Records     []RevenueRecord `json:"records"`
	Diagnostics []Diagnostic    `json:"diagnostics"`
}

// Count returns how many diagnostics of the given kind were collected.
func (d *YearDataset) Count(kind DiagnosticKind) int {
	n := 0
	for _, diag := range d.Diagnostics {
		if diag.Kind == kind {
			n++
		}
	}
	return n
}
