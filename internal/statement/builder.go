package statement

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/settlement"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// Line is one settlement's contribution to a monthly statement. Lines are
// snapshots: once the statement is sent they no longer track the settlement.
type Line struct {
	SettlementID       uuid.UUID `json:"settlementId"`
	WorkRecordID       uuid.UUID `json:"workRecordId"`
	OrderID            uuid.UUID `json:"orderId"`
	WorkDate           string    `json:"workDate"`
	SupplyAmount       int64     `json:"supplyAmount"`
	VATAmount          int64     `json:"vatAmount"`
	TotalAmount        int64     `json:"totalAmount"`
	CommissionAmount   int64     `json:"commissionAmount"`
	InsuranceDeduction int64     `json:"insuranceDeduction"`
	OtherDeductions    int64     `json:"otherDeductions"`
	NetAmount          int64     `json:"netAmount"`
}

// Totals aggregates a statement's lines.
type Totals struct {
	Supply     int64 `json:"supply"`
	VAT        int64 `json:"vat"`
	Amount     int64 `json:"amount"`
	Commission int64 `json:"commission"`
	Insurance  int64 `json:"insurance"`
	Deductions int64 `json:"deductions"`
	NetPayout  int64 `json:"netPayout"`
}

// Period identifies the statement month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Bounds returns the half-open [from, to) interval the period covers.
func (p Period) Bounds() (time.Time, time.Time) {
	from := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Valid reports whether the period is a plausible statement month.
func (p Period) Valid() bool {
	return p.Year >= 2000 && p.Year <= 2100 && p.Month >= 1 && p.Month <= 12
}

// BuildLines converts a helper's settlements for one period into statement
// lines ordered by work date. Rate fingerprints are collected so a revision
// can detect that the rates behind the statement have since changed.
func BuildLines(settlements []settlement.Settlement, records []workrecord.Record) ([]Line, Totals, []string) {
	recByID := make(map[uuid.UUID]workrecord.Record, len(records))
	for _, rec := range records {
		recByID[rec.ID] = rec
	}

	lines := make([]Line, 0, len(settlements))
	var totals Totals
	seen := map[string]bool{}
	var fingerprints []string
	for _, st := range settlements {
		rec := recByID[st.WorkRecordID]
		lines = append(lines, Line{
			SettlementID:       st.ID,
			WorkRecordID:       st.WorkRecordID,
			OrderID:            rec.OrderID,
			WorkDate:           rec.WorkDate.Format("2006-01-02"),
			SupplyAmount:       st.SupplyAmount,
			VATAmount:          st.VATAmount,
			TotalAmount:        st.TotalAmount,
			CommissionAmount:   st.CommissionAmount,
			InsuranceDeduction: st.InsuranceDeduction,
			OtherDeductions:    st.OtherDeductions,
			NetAmount:          st.NetAmount,
		})
		totals.Supply += st.SupplyAmount
		totals.VAT += st.VATAmount
		totals.Amount += st.TotalAmount
		totals.Commission += st.CommissionAmount
		totals.Insurance += st.InsuranceDeduction
		totals.Deductions += st.OtherDeductions
		totals.NetPayout += st.NetAmount
		if !seen[st.RateFingerprint] {
			seen[st.RateFingerprint] = true
			fingerprints = append(fingerprints, st.RateFingerprint)
		}
	}

	sort.Slice(lines, func(i, j int) bool {
		if lines[i].WorkDate != lines[j].WorkDate {
			return lines[i].WorkDate < lines[j].WorkDate
		}
		return lines[i].OrderID.String() < lines[j].OrderID.String()
	})
	sort.Strings(fingerprints)
	return lines, totals, fingerprints
}
