package reconcile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"budget_monitor/pkg/core/dataset"
	"budget_monitor/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// --- Mocks ---

type MockPortal struct {
	ExpensesFunc func(stage models.ExpenseStage, year int) ([]byte, error)
	Anexo10Func  func(year int) ([]byte, error)
	calls        int
}

func (m *MockPortal) Expenses(ctx context.Context, stage models.ExpenseStage, year int) ([]byte, error) {
	m.calls++
	if m.ExpensesFunc != nil {
		return m.ExpensesFunc(stage, year)
	}
	return nil, errors.New("not configured")
}

func (m *MockPortal) Anexo10(ctx context.Context, year int) ([]byte, error) {
	m.calls++
	if m.Anexo10Func != nil {
		return m.Anexo10Func(year)
	}
	return nil, errors.New("not configured")
}

type MockParser struct {
	ParseFunc func(year int, data []byte) (*models.YearDataset, error)
}

func (m *MockParser) ParsePDF(year int, data []byte) (*models.YearDataset, error) {
	return m.ParseFunc(year, data)
}

// --- Fixtures ---

const rawPaid = "Exercício;Entidade;Pago Orçamento;Pago Restos a Pagar\n" +
	"2023;Prefeitura;1.000,50;200,00\n" +
	"2023;Câmara;(10,00);\n" +
	"TOTAL;;990,50;200,00\n"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testOptions(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	opts := DefaultOptions()
	opts.RawDir = filepath.Join(root, "raw")
	opts.RevenueDir = filepath.Join(root, "raw", "receitas")
	opts.OutDir = filepath.Join(root, "out")
	opts.Stages = []models.ExpenseStage{models.StagePaid}
	opts.Pause = 0
	return opts
}

func writeRaw(t *testing.T, opts Options, stage models.ExpenseStage, year int, content string) {
	t.Helper()
	dir := filepath.Join(opts.RawDir, string(stage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, fmt.Sprintf("equiplano_%s_ano%d.csv", stage, year))
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func revenueDataset(year int, predicted, collected string) *models.YearDataset {
	return &models.YearDataset{Year: year, Records: []models.RevenueRecord{
		{Year: year, Code: "11", Category: "Receita Tributária",
			Predicted: decimal.NewNullDecimal(d(predicted)), Collected: decimal.NewNullDecimal(d(collected))},
		{Year: year, Code: "11", Category: "IPTU", Subitem: true,
			Collected: decimal.NewNullDecimal(d("999"))},
	}}
}

// --- Tests ---

func TestRun_ExpensesDivergentAndMissing(t *testing.T) {
	opts := testOptions(t)
	writeRaw(t, opts, models.StagePaid, 2023, rawPaid)

	portal := &MockPortal{ExpensesFunc: func(stage models.ExpenseStage, year int) ([]byte, error) {
		return []byte("Exercício;Entidade;Pago Orçamento;Pago Restos a Pagar\n2023;Prefeitura;1.000,50;200,00\n"), nil
	}}
	r := NewReconciler(portal, nil, opts, log.New(io.Discard))

	res, err := r.Run(context.Background(), []int{2023, 2024})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Expenses) != 2 {
		t.Fatalf("expense rows = %d", len(res.Expenses))
	}
	if portal.calls != 1 {
		t.Errorf("portal called %d times, want 1", portal.calls)
	}

	got := res.Expenses[0]
	if !got.RawTotal.Decimal.Equal(d("1190.50")) || !got.PortalTotal.Decimal.Equal(d("1200.50")) {
		t.Errorf("totals raw=%s portal=%s", got.RawTotal.Decimal, got.PortalTotal.Decimal)
	}
	if got.Status != StatusDivergent || !got.Diff.Decimal.Equal(d("10")) {
		t.Errorf("status=%s diff=%s", got.Status, got.Diff.Decimal)
	}
	if _, err := os.Stat(got.PortalFile); err != nil {
		t.Errorf("portal snapshot not saved: %v", err)
	}
	if res.Expenses[1].Status != StatusRawMissing {
		t.Errorf("2024 status = %s", res.Expenses[1].Status)
	}

	if len(res.Columns) != 2 || res.Columns[0].TotalRemove != 1 || res.Columns[1].TotalRemove != 0 {
		t.Errorf("columns = %+v", res.Columns)
	}
	if len(res.Columns[0].Columns) != 2 {
		t.Errorf("RAW columns used = %v", res.Columns[0].Columns)
	}

	s := res.Summarize(opts.Threshold)
	if s.ExpenseDiffs != 1 || s.MissingRawInputs != 1 || !s.Divergent() {
		t.Errorf("summary = %+v", s)
	}
	t.Logf("✓ %s vs %s flagged", got.RawTotal.Decimal, got.PortalTotal.Decimal)
}

func TestRun_PortalFailureIsRecorded(t *testing.T) {
	opts := testOptions(t)
	writeRaw(t, opts, models.StagePaid, 2023, rawPaid)

	portal := &MockPortal{ExpensesFunc: func(models.ExpenseStage, int) ([]byte, error) {
		return nil, errors.New("export failed")
	}}
	res, err := NewReconciler(portal, nil, opts, log.New(io.Discard)).Run(context.Background(), []int{2023})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Expenses[0].Status != StatusPortalError {
		t.Errorf("status = %s", res.Expenses[0].Status)
	}
}

func TestRun_CancelledContextStops(t *testing.T) {
	opts := testOptions(t)
	writeRaw(t, opts, models.StagePaid, 2023, rawPaid)

	ctx, cancel := context.WithCancel(context.Background())
	portal := &MockPortal{ExpensesFunc: func(models.ExpenseStage, int) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	}}
	_, err := NewReconciler(portal, nil, opts, log.New(io.Discard)).Run(ctx, []int{2023})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRun_Revenue(t *testing.T) {
	opts := testOptions(t)
	opts.Stages = nil
	opts.IncludeRevenue = true
	if _, err := dataset.Save(opts.RevenueDir, revenueDataset(2023, "1000.00", "900.00"), dataset.Format{}); err != nil {
		t.Fatal(err)
	}

	portal := &MockPortal{Anexo10Func: func(int) ([]byte, error) { return []byte("%PDF-1.4"), nil }}
	parser := &MockParser{ParseFunc: func(year int, _ []byte) (*models.YearDataset, error) {
		return revenueDataset(year, "1000.00", "905.00"), nil
	}}
	res, err := NewReconciler(portal, parser, opts, log.New(io.Discard)).Run(context.Background(), []int{2023, 2022})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Revenue) != 2 {
		t.Fatalf("revenue rows = %d", len(res.Revenue))
	}

	row := res.Revenue[0]
	if !row.DiffPredicted.IsZero() || !row.DiffCollected.Equal(d("5")) {
		t.Errorf("diffs = %s / %s", row.DiffPredicted, row.DiffCollected)
	}
	if row.Status != StatusDivergent {
		t.Errorf("status = %s", row.Status)
	}
	if res.Revenue[1].Status != StatusRawMissing {
		t.Errorf("2022 status = %s", res.Revenue[1].Status)
	}

	s := res.Summarize(opts.Threshold)
	if s.PredictedDiffs != 0 || s.CollectedDiffs != 1 || s.MissingRawInputs != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRun_RevenueNeedsParser(t *testing.T) {
	opts := testOptions(t)
	opts.Stages = nil
	opts.IncludeRevenue = true
	if _, err := NewReconciler(&MockPortal{}, nil, opts, log.New(io.Discard)).Run(context.Background(), []int{2023}); err == nil {
		t.Error("expected error without parser")
	}
}

func TestWriteReports(t *testing.T) {
	dir := t.TempDir()
	res := &Result{
		Years: []int{2022, 2023},
		Expenses: []ExpenseRow{
			{Year: 2022, Stage: models.StagePaid, Status: StatusRawMissing},
			{Year: 2023, Stage: models.StagePaid, RawTotal: decimal.NewNullDecimal(d("10")),
				PortalTotal: decimal.NewNullDecimal(d("10.5")), Diff: decimal.NewNullDecimal(d("0.5")), Status: StatusOK},
		},
	}
	paths, err := WriteReports(dir, res, d("1"))
	if err != nil {
		t.Fatalf("WriteReports: %v", err)
	}
	if len(paths) != 3 {
		t.Errorf("paths = %v, want expenses, columns and summary", paths)
	}

	f, err := os.Open(filepath.Join(dir, SummaryFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2022-2023", "0", "0", "0", "1", "0", "1"}
	for i, v := range want {
		if rows[1][i] != v {
			t.Errorf("summary[%d] = %q, want %q", i, rows[1][i], v)
		}
	}
}
