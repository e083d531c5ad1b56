package settlement

import (
	"errors"

	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// Money represents a monetary value in whole currency units.
type Money = int64

var (
	// ErrInvalidPricing is returned when a work record carries a negative
	// per-unit price or count.
	ErrInvalidPricing = errors.New("settlement: invalid pricing on work record")
	// ErrInvalidExtraCost is returned when an extra cost line has a
	// negative amount.
	ErrInvalidExtraCost = errors.New("settlement: extra cost amount is negative")
)

// vatRateBps is the statutory value-added tax applied to the supply amount.
const vatRateBps = 1000

// LineItems aggregates the pre-deduction money components of one work record.
type LineItems struct {
	DeliveryReturnAmount Money `json:"deliveryReturnAmount"`
	EtcAmount            Money `json:"etcAmount"`
	TaxableExtra         Money `json:"taxableExtra"`
	ExemptExtra          Money `json:"exemptExtra"`
	SupplyAmount         Money `json:"supplyAmount"`
	VATAmount            Money `json:"vatAmount"`
	TotalAmount          Money `json:"totalAmount"`
}

// Payout extends LineItems with commission, insurance withholding, applied
// deductions, and the resulting net amount.
type Payout struct {
	LineItems
	CommissionAmount   Money `json:"commissionAmount"`
	InsuranceDeduction Money `json:"insuranceDeduction"`
	OtherDeductions    Money `json:"otherDeductions"`
	NetAmount          Money `json:"netAmount"`
	// NegativePayout flags a net amount below zero. The value is reported
	// as computed, never clamped; consumers must surface it for review.
	NegativePayout bool `json:"negativePayout"`
}

// CalculateLineItems derives supply, VAT, and total amounts from raw closing
// counts. VAT is rounded half-up to the nearest whole currency unit; exempt
// extra costs are added after tax.
func CalculateLineItems(rec workrecord.Record) (LineItems, error) {
	if rec.PricePerUnit < 0 || rec.EtcPricePerUnit < 0 {
		return LineItems{}, ErrInvalidPricing
	}
	if rec.DeliveredCount < 0 || rec.ReturnedCount < 0 || rec.EtcCount < 0 {
		return LineItems{}, ErrInvalidPricing
	}

	var taxable, exempt Money
	for _, extra := range rec.ExtraCosts {
		if extra.Amount < 0 {
			return LineItems{}, ErrInvalidExtraCost
		}
		if extra.VATExempt {
			exempt += extra.Amount
		} else {
			taxable += extra.Amount
		}
	}

	items := LineItems{
		DeliveryReturnAmount: rec.PricePerUnit * Money(rec.UnitCount()),
		EtcAmount:            rec.EtcPricePerUnit * Money(rec.EtcCount),
		TaxableExtra:         taxable,
		ExemptExtra:          exempt,
	}
	items.SupplyAmount = items.DeliveryReturnAmount + items.EtcAmount + items.TaxableExtra
	items.VATAmount = roundBps(items.SupplyAmount, vatRateBps)
	items.TotalAmount = items.SupplyAmount + items.VATAmount + items.ExemptExtra
	return items, nil
}

// CalculatePayout combines line items with the effective rates and the
// deductions currently applied against the record's order. The computation
// is pure: identical inputs always produce an identical Payout, which is
// what makes recomputation before a statement is sent safe.
func CalculatePayout(items LineItems, rates rate.Config, applied []deduction.Deduction) Payout {
	p := Payout{LineItems: items}
	p.CommissionAmount = roundBps(items.TotalAmount, int64(rates.CommissionRateBps))
	// The statutory insurance rate is split 50/50 between platform and
	// helper; only the helper's half is withheld here.
	p.InsuranceDeduction = roundHalfBps(items.TotalAmount, int64(rates.InsuranceRateBps))
	p.OtherDeductions = deduction.AppliedTotal(applied)
	p.NetAmount = items.TotalAmount - p.CommissionAmount - p.InsuranceDeduction - p.OtherDeductions
	p.NegativePayout = p.NetAmount < 0
	return p
}

// roundBps multiplies amount by a basis-point rate, rounding half-up to the
// nearest whole currency unit.
func roundBps(amount Money, bps int64) Money {
	return (amount*bps + 5_000) / 10_000
}

// roundHalfBps applies half of a basis-point rate, rounding half-up.
func roundHalfBps(amount Money, bps int64) Money {
	return (amount*bps + 10_000) / 20_000
}
