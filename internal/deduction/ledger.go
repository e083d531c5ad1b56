package deduction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidAmount is returned when a deduction is created with a
	// non-positive amount.
	ErrInvalidAmount = errors.New("deduction: amount must be positive")
	// ErrInvalidDeductionState is returned when apply or cancel is attempted
	// on a deduction that is no longer pending. Terminal states never
	// re-open; an applied deduction is reversed with a compensating entry,
	// not a cancel.
	ErrInvalidDeductionState = errors.New("deduction: not in pending state")
	// ErrNotFound is returned when the referenced deduction does not exist.
	ErrNotFound = errors.New("deduction: not found")
)

// Status is the lifecycle state of a deduction. Transitions are
// one-directional: pending -> applied or pending -> cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApplied   Status = "applied"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusCancelled
}

// ParseStatus validates a stored status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApplied:
		return StatusApplied, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("deduction: unknown status %q", value)
	}
}

// Category classifies why the deduction exists.
type Category string

const (
	CategoryDamage  Category = "damage"
	CategoryDelay   Category = "delay"
	CategoryDispute Category = "dispute"
	CategoryOther   Category = "other"
)

// ParseCategory validates a category value.
func ParseCategory(value string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case CategoryDamage:
		return CategoryDamage, nil
	case CategoryDelay:
		return CategoryDelay, nil
	case CategoryDispute:
		return CategoryDispute, nil
	case CategoryOther:
		return CategoryOther, nil
	default:
		return "", fmt.Errorf("deduction: unknown category %q", value)
	}
}

// TargetKind identifies whose payout the deduction reduces.
type TargetKind string

const (
	TargetHelper    TargetKind = "helper"
	TargetRequester TargetKind = "requester"
)

// Deduction is a money reduction applied against a future payout. Rows are
// never deleted; cancellation and application only terminate the status so
// the ledger stays auditable.
type Deduction struct {
	ID                    uuid.UUID  `json:"id"`
	TargetKind            TargetKind `json:"targetKind"`
	TargetID              uuid.UUID  `json:"targetId"`
	OrderID               *uuid.UUID `json:"orderId,omitempty"`
	IncidentID            *uuid.UUID `json:"incidentId,omitempty"`
	Amount                int64      `json:"amount"`
	Reason                string     `json:"reason"`
	Category              Category   `json:"category"`
	Status                Status     `json:"status"`
	AppliedToSettlementID *uuid.UUID `json:"appliedToSettlementId,omitempty"`
	AppliedAt             *time.Time `json:"appliedAt,omitempty"`
	CancelledAt           *time.Time `json:"cancelledAt,omitempty"`
	CancelReason          string     `json:"cancelReason,omitempty"`
	CreatedBy             uuid.UUID  `json:"createdBy"`
	Memo                  string     `json:"memo,omitempty"`
	// Version backs the optimistic compare-and-set on status transitions.
	Version   int32     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanTransition reports whether the deduction may leave its current state.
func (d Deduction) CanTransition() bool {
	return d.Status == StatusPending
}

// AppliedTotal sums the amounts of the provided deductions that are in the
// applied state. Pending and cancelled entries contribute nothing.
func AppliedTotal(deductions []Deduction) int64 {
	var total int64
	for _, d := range deductions {
		if d.Status == StatusApplied {
			total += d.Amount
		}
	}
	return total
}
