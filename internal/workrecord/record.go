package workrecord

import (
	"time"

	"github.com/google/uuid"
)

// ExtraCost is a free-form cost line declared alongside a closing
// (tolls, parking, packaging). Exempt lines bypass VAT and are added to
// the record total after tax.
type ExtraCost struct {
	Name      string `json:"name"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo,omitempty"`
	VATExempt bool   `json:"vatExempt"`
}

// Record captures one helper's performance for one order/day, submitted
// as closing data. Counts and per-unit prices are whole currency units.
type Record struct {
	ID              uuid.UUID   `json:"id"`
	OrderID         uuid.UUID   `json:"orderId"`
	HelperID        uuid.UUID   `json:"helperId"`
	WorkDate        time.Time   `json:"workDate"`
	PricePerUnit    int64       `json:"pricePerUnit"`
	DeliveredCount  int         `json:"deliveredCount"`
	ReturnedCount   int         `json:"returnedCount"`
	EtcCount        int         `json:"etcCount"`
	EtcPricePerUnit int64       `json:"etcPricePerUnit"`
	ExtraCosts      []ExtraCost `json:"extraCosts,omitempty"`
	// Locked is set once the record's settlement has been paid out; a
	// locked record can no longer be amended by resubmission.
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UnitCount returns the number of billable delivery/return units.
func (r Record) UnitCount() int {
	return r.DeliveredCount + r.ReturnedCount
}
