package settlement

import (
	"testing"

	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

func TestCalculateLineItems(t *testing.T) {
	rec := workrecord.Record{
		PricePerUnit:    1_500,
		DeliveredCount:  120,
		ReturnedCount:   10,
		EtcCount:        5,
		EtcPricePerUnit: 1_800,
	}
	items, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items.DeliveryReturnAmount != 195_000 {
		t.Fatalf("delivery/return amount = %d, want 195000", items.DeliveryReturnAmount)
	}
	if items.EtcAmount != 9_000 {
		t.Fatalf("etc amount = %d, want 9000", items.EtcAmount)
	}
	if items.SupplyAmount != 204_000 {
		t.Fatalf("supply amount = %d, want 204000", items.SupplyAmount)
	}
	if items.VATAmount != 20_400 {
		t.Fatalf("vat amount = %d, want 20400", items.VATAmount)
	}
	if items.TotalAmount != 224_400 {
		t.Fatalf("total amount = %d, want 224400", items.TotalAmount)
	}
}

func TestCalculateLineItemsExtraCosts(t *testing.T) {
	rec := workrecord.Record{
		PricePerUnit:   1_000,
		DeliveredCount: 10,
		ExtraCosts: []workrecord.ExtraCost{
			{Name: "toll", Amount: 4_400},
			{Name: "parking", Amount: 3_000, VATExempt: true},
		},
	}
	items, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items.SupplyAmount != 14_400 {
		t.Fatalf("supply amount = %d, want 14400", items.SupplyAmount)
	}
	if items.VATAmount != 1_440 {
		t.Fatalf("vat amount = %d, want 1440", items.VATAmount)
	}
	// exempt extras bypass VAT and land directly on the total
	if items.TotalAmount != items.SupplyAmount+items.VATAmount+3_000 {
		t.Fatalf("total amount = %d, want %d", items.TotalAmount, items.SupplyAmount+items.VATAmount+3_000)
	}
}

func TestCalculateLineItemsRoundsVATHalfUp(t *testing.T) {
	// supply 1005 -> raw vat 100.5, half-up to 101
	rec := workrecord.Record{PricePerUnit: 201, DeliveredCount: 5}
	items, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items.SupplyAmount != 1_005 {
		t.Fatalf("supply amount = %d, want 1005", items.SupplyAmount)
	}
	if items.VATAmount != 101 {
		t.Fatalf("vat amount = %d, want 101", items.VATAmount)
	}
}

func TestCalculateLineItemsRejectsNegativePricing(t *testing.T) {
	if _, err := CalculateLineItems(workrecord.Record{PricePerUnit: -1}); err != ErrInvalidPricing {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
	if _, err := CalculateLineItems(workrecord.Record{EtcPricePerUnit: -500}); err != ErrInvalidPricing {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
	if _, err := CalculateLineItems(workrecord.Record{DeliveredCount: -3}); err != ErrInvalidPricing {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func TestCalculateLineItemsRejectsNegativeExtraCost(t *testing.T) {
	rec := workrecord.Record{
		PricePerUnit:   1_000,
		DeliveredCount: 1,
		ExtraCosts:     []workrecord.ExtraCost{{Name: "toll", Amount: -100}},
	}
	if _, err := CalculateLineItems(rec); err != ErrInvalidExtraCost {
		t.Fatalf("expected ErrInvalidExtraCost, got %v", err)
	}
}

func TestCalculatePayout(t *testing.T) {
	rec := workrecord.Record{
		PricePerUnit:    1_500,
		DeliveredCount:  120,
		ReturnedCount:   10,
		EtcCount:        5,
		EtcPricePerUnit: 1_800,
	}
	items, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rates := rate.Config{CommissionRateBps: 500, InsuranceRateBps: 70}
	applied := []deduction.Deduction{{Amount: 20_000, Status: deduction.StatusApplied}}

	p := CalculatePayout(items, rates, applied)
	if p.CommissionAmount != 11_220 {
		t.Fatalf("commission = %d, want 11220", p.CommissionAmount)
	}
	if p.InsuranceDeduction != 785 {
		t.Fatalf("insurance deduction = %d, want 785", p.InsuranceDeduction)
	}
	if p.OtherDeductions != 20_000 {
		t.Fatalf("other deductions = %d, want 20000", p.OtherDeductions)
	}
	if p.NetAmount != 192_395 {
		t.Fatalf("net amount = %d, want 192395", p.NetAmount)
	}
	if p.NegativePayout {
		t.Fatal("payout should not be flagged negative")
	}
}

func TestCalculatePayoutIgnoresNonAppliedDeductions(t *testing.T) {
	items := LineItems{TotalAmount: 100_000}
	applied := []deduction.Deduction{
		{Amount: 10_000, Status: deduction.StatusApplied},
		{Amount: 5_000, Status: deduction.StatusPending},
		{Amount: 7_000, Status: deduction.StatusCancelled},
	}
	p := CalculatePayout(items, rate.Config{}, applied)
	if p.OtherDeductions != 10_000 {
		t.Fatalf("other deductions = %d, want 10000", p.OtherDeductions)
	}
}

func TestCalculatePayoutNegativeNotClamped(t *testing.T) {
	items := LineItems{TotalAmount: 10_000}
	rates := rate.Config{CommissionRateBps: 500, InsuranceRateBps: 70}
	applied := []deduction.Deduction{{Amount: 50_000, Status: deduction.StatusApplied}}

	p := CalculatePayout(items, rates, applied)
	if !p.NegativePayout {
		t.Fatal("expected negative payout flag")
	}
	want := int64(10_000) - p.CommissionAmount - p.InsuranceDeduction - 50_000
	if p.NetAmount != want {
		t.Fatalf("net amount = %d, want %d (not clamped to zero)", p.NetAmount, want)
	}
	if p.NetAmount >= 0 {
		t.Fatalf("net amount = %d, expected a negative value", p.NetAmount)
	}
}

func TestCalculatePayoutIdempotent(t *testing.T) {
	rec := workrecord.Record{
		ID:              uuid.New(),
		PricePerUnit:    2_200,
		DeliveredCount:  37,
		ReturnedCount:   2,
		EtcCount:        1,
		EtcPricePerUnit: 900,
		ExtraCosts: []workrecord.ExtraCost{
			{Name: "toll", Amount: 6_600},
			{Name: "lodging", Amount: 45_000, VATExempt: true},
		},
	}
	rates := rate.Config{CommissionRateBps: 730, InsuranceRateBps: 85}
	applied := []deduction.Deduction{{Amount: 12_345, Status: deduction.StatusApplied}}

	first, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := CalculateLineItems(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("line items not deterministic: %+v vs %+v", first, second)
	}
	if CalculatePayout(first, rates, applied) != CalculatePayout(second, rates, applied) {
		t.Fatal("payout not deterministic for identical inputs")
	}
}
