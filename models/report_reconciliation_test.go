package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/shopspring/decimal"
)

func d(value string) decimal.Decimal {
	out, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return out
}

func TestBuildReconciliation_MissingSurplusAndExactMatch(t *testing.T) {
	items := []*models.CatalogItem{
		{ProductCode: "A", Barcode: "111", Description: "Widget A", BaselineQty: d("100")},
		{ProductCode: "B", Barcode: "222", Description: "Widget B", BaselineQty: d("50")},
	}
	// A was counted in three passes, partly by barcode. B was never touched.
	// X was counted but is not in the catalog.
	counted := map[string]decimal.Decimal{
		"A":   d("70"),
		"111": d("30"),
		"X":   d("5"),
	}

	createdAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	finalizedAt := createdAt.Add(90 * time.Minute)
	recon := models.BuildReconciliation(items, counted, 3, createdAt, finalizedAt)

	if recon.TotalItems != 2 {
		t.Fatalf("TotalItems = %d, want 2", recon.TotalItems)
	}
	if recon.TotalCounted != 1 {
		t.Errorf("TotalCounted = %d, want 1 (only A was counted)", recon.TotalCounted)
	}
	if recon.TotalMissing != 1 {
		t.Errorf("TotalMissing = %d, want 1 (B)", recon.TotalMissing)
	}
	if recon.ParticipantCount != 3 {
		t.Errorf("ParticipantCount = %d, want 3", recon.ParticipantCount)
	}
	if recon.Duration != 90*time.Minute {
		t.Errorf("Duration = %s, want 90m", recon.Duration)
	}

	if len(recon.Rows) != 3 {
		t.Fatalf("len(Rows) = %d, want 3 (A, B, surplus X)", len(recon.Rows))
	}

	rowA := recon.Rows[0]
	if rowA.ProductCode != "A" || !rowA.Counted.Equal(d("100")) || !rowA.Difference.IsZero() {
		t.Errorf("row A = %+v, want counted 100 with zero difference", rowA)
	}
	rowB := recon.Rows[1]
	if rowB.ProductCode != "B" || !rowB.Counted.IsZero() || !rowB.Difference.Equal(d("-50")) {
		t.Errorf("row B = %+v, want counted 0 with difference -50", rowB)
	}
	rowX := recon.Rows[2]
	if rowX.ProductCode != "X" || !rowX.Unregistered || !rowX.Difference.Equal(d("5")) {
		t.Errorf("row X = %+v, want unregistered surplus of 5", rowX)
	}

	// Discrepancies: B (-50) before X (+5), A absent.
	if len(recon.Discrepancies) != 2 {
		t.Fatalf("len(Discrepancies) = %d, want 2", len(recon.Discrepancies))
	}
	if recon.Discrepancies[0].ProductCode != "B" || recon.Discrepancies[1].ProductCode != "X" {
		t.Errorf("discrepancy order = [%s %s], want [B X]",
			recon.Discrepancies[0].ProductCode, recon.Discrepancies[1].ProductCode)
	}
}

func TestBuildReconciliation_NegativeCorrectionsNetOut(t *testing.T) {
	items := []*models.CatalogItem{
		{ProductCode: "A", BaselineQty: d("10")},
	}
	counted := map[string]decimal.Decimal{
		"A": d("12").Add(d("-2")),
	}

	recon := models.BuildReconciliation(items, counted, 1, time.Now(), time.Now())
	if !recon.Rows[0].Counted.Equal(d("10")) || !recon.Rows[0].Difference.IsZero() {
		t.Errorf("row = %+v, want net 10 with zero difference", recon.Rows[0])
	}
	if len(recon.Discrepancies) != 0 {
		t.Errorf("got %d discrepancies, want none", len(recon.Discrepancies))
	}
}

func TestBuildReconciliation_ItemCountedToZeroIsNotMissing(t *testing.T) {
	// A zero *net* from compensating movements still has no stock on hand,
	// so it counts as missing: the classification keys off the net quantity.
	items := []*models.CatalogItem{
		{ProductCode: "A", BaselineQty: d("10")},
	}
	counted := map[string]decimal.Decimal{
		"A": d("3").Add(d("-3")),
	}

	recon := models.BuildReconciliation(items, counted, 1, time.Now(), time.Now())
	if recon.TotalMissing != 1 || recon.TotalCounted != 0 {
		t.Errorf("TotalMissing=%d TotalCounted=%d, want 1/0 for a net-zero item",
			recon.TotalMissing, recon.TotalCounted)
	}
}

func TestBuildReconciliation_FractionalDeltasSumExactly(t *testing.T) {
	// 0.1 + 0.2 + 0.7 is not 1 in binary floating point. The decimal
	// aggregate must land on exactly 1 and a zero difference.
	items := []*models.CatalogItem{
		{ProductCode: "A", BaselineQty: d("1")},
	}
	counted := map[string]decimal.Decimal{
		"A": d("0.1").Add(d("0.2")).Add(d("0.7")),
	}

	recon := models.BuildReconciliation(items, counted, 1, time.Now(), time.Now())
	rowA := recon.Rows[0]
	if !rowA.Counted.Equal(d("1")) {
		t.Errorf("counted = %s, want exactly 1", rowA.Counted)
	}
	if rowA.Counted.String() != "1" {
		t.Errorf("counted renders as %q, want %q", rowA.Counted.String(), "1")
	}
	if !rowA.Difference.IsZero() {
		t.Errorf("difference = %s, want exactly zero", rowA.Difference)
	}
	if len(recon.Discrepancies) != 0 {
		t.Errorf("got %d discrepancies, want none", len(recon.Discrepancies))
	}
}

func TestExportDelimited(t *testing.T) {
	rows := []models.ReconRow{
		{Barcode: "111", ProductCode: "A", Description: "Widget A", Baseline: d("100"), Counted: d("100"), Difference: d("0")},
		{Barcode: "X", ProductCode: "X", Baseline: d("0"), Counted: d("5"), Difference: d("5"), Unregistered: true},
	}

	out := models.ExportDelimited(rows)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows", len(lines))
	}
	if lines[0] != "barcode;productCode;description;baseline;counted;difference" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "111;A;Widget A;100;100;0" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if lines[2] != "X;X;;0;5;5" {
		t.Errorf("row 2 = %q", lines[2])
	}
}
