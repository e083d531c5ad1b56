package rate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config holds the commission and insurance rates effective for a given
// period. Rates are expressed in basis points (500 == 5%, 70 == 0.7%).
// A Config is immutable once stored; calculations always receive it as an
// explicit parameter so that a settlement can be re-derived later from the
// exact rates that produced it.
type Config struct {
	ID                uuid.UUID  `json:"id"`
	CommissionRateBps int32      `json:"commissionRateBps"`
	InsuranceRateBps  int32      `json:"insuranceRateBps"`
	EffectiveFrom     time.Time  `json:"effectiveFrom"`
	EffectiveTo       *time.Time `json:"effectiveTo,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Fingerprint identifies the rate values independent of the row identity.
// Two configs with equal fingerprints produce identical settlements for the
// same work record, which is what stale-rate detection compares.
func (c Config) Fingerprint() string {
	return fmt.Sprintf("c%d:i%d", c.CommissionRateBps, c.InsuranceRateBps)
}

// ActiveAt reports whether the config covers the provided instant.
func (c Config) ActiveAt(t time.Time) bool {
	if t.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && !t.Before(*c.EffectiveTo) {
		return false
	}
	return true
}
