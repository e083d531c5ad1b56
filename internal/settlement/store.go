package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates the settlement does not exist.
	ErrNotFound = errors.New("settlement: not found")
	// ErrPaid indicates the settlement has been paid out and is frozen.
	ErrPaid = errors.New("settlement: already paid")
)

// Status values for a settlement row.
const (
	StatusComputed = "computed"
	StatusPaid     = "paid"
)

// Settlement is the persisted outcome of a payout calculation for one
// work record.
type Settlement struct {
	ID                 uuid.UUID  `json:"id"`
	WorkRecordID       uuid.UUID  `json:"workRecordId"`
	HelperID           uuid.UUID  `json:"helperId"`
	RateConfigID       uuid.UUID  `json:"rateConfigId"`
	RateFingerprint    string     `json:"rateFingerprint"`
	SupplyAmount       Money      `json:"supplyAmount"`
	VATAmount          Money      `json:"vatAmount"`
	TotalAmount        Money      `json:"totalAmount"`
	CommissionAmount   Money      `json:"commissionAmount"`
	InsuranceDeduction Money      `json:"insuranceDeduction"`
	OtherDeductions    Money      `json:"otherDeductions"`
	NetAmount          Money      `json:"netAmount"`
	NegativePayout     bool       `json:"negativePayout"`
	Status             string     `json:"status"`
	PaidAt             *time.Time `json:"paidAt,omitempty"`
	ComputedAt         time.Time  `json:"computedAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Store persists settlements.
type Store interface {
	Upsert(ctx context.Context, st Settlement) (Settlement, error)
	GetByID(ctx context.Context, id uuid.UUID) (Settlement, error)
	GetByWorkRecordID(ctx context.Context, workRecordID uuid.UUID) (Settlement, error)
	ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]Settlement, error)
	MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (Settlement, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgSettlementStore{pool: pool}
}

type pgSettlementStore struct {
	pool *pgxpool.Pool
}

const settlementColumns = `id, work_record_id, helper_id, rate_config_id, rate_fingerprint,
supply_amount, vat_amount, total_amount, commission_amount, insurance_deduction,
other_deductions, net_amount, negative_payout, status, paid_at, computed_at, updated_at`

// Upsert writes the computed settlement keyed by work record. A paid
// settlement is frozen; the update clause refuses to touch it.
func (s *pgSettlementStore) Upsert(ctx context.Context, st Settlement) (Settlement, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO settlements
(work_record_id, helper_id, rate_config_id, rate_fingerprint, supply_amount, vat_amount, total_amount,
 commission_amount, insurance_deduction, other_deductions, net_amount, negative_payout)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (work_record_id) DO UPDATE SET
    rate_config_id      = EXCLUDED.rate_config_id,
    rate_fingerprint    = EXCLUDED.rate_fingerprint,
    supply_amount       = EXCLUDED.supply_amount,
    vat_amount          = EXCLUDED.vat_amount,
    total_amount        = EXCLUDED.total_amount,
    commission_amount   = EXCLUDED.commission_amount,
    insurance_deduction = EXCLUDED.insurance_deduction,
    other_deductions    = EXCLUDED.other_deductions,
    net_amount          = EXCLUDED.net_amount,
    negative_payout     = EXCLUDED.negative_payout,
    computed_at         = now(),
    updated_at          = now()
WHERE settlements.status = 'computed'
RETURNING `+settlementColumns,
		st.WorkRecordID, st.HelperID, st.RateConfigID, st.RateFingerprint,
		st.SupplyAmount, st.VATAmount, st.TotalAmount, st.CommissionAmount,
		st.InsuranceDeduction, st.OtherDeductions, st.NetAmount, st.NegativePayout)
	stored, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, ErrPaid
	}
	return stored, err
}

func (s *pgSettlementStore) GetByID(ctx context.Context, id uuid.UUID) (Settlement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, ErrNotFound
	}
	return st, err
}

func (s *pgSettlementStore) GetByWorkRecordID(ctx context.Context, workRecordID uuid.UUID) (Settlement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE work_record_id = $1`, workRecordID)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, ErrNotFound
	}
	return st, err
}

func (s *pgSettlementStore) ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]Settlement, error) {
	rows, err := s.pool.Query(ctx, `SELECT s.id, s.work_record_id, s.helper_id, s.rate_config_id, s.rate_fingerprint,
s.supply_amount, s.vat_amount, s.total_amount, s.commission_amount, s.insurance_deduction,
s.other_deductions, s.net_amount, s.negative_payout, s.status, s.paid_at, s.computed_at, s.updated_at
FROM settlements s
JOIN work_records w ON w.id = s.work_record_id
WHERE s.helper_id = $1 AND w.work_date >= $2 AND w.work_date < $3
ORDER BY w.work_date, s.computed_at`, helperID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkPaid transitions computed -> paid exactly once.
func (s *pgSettlementStore) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (Settlement, error) {
	row := s.pool.QueryRow(ctx, `UPDATE settlements
SET status = 'paid', paid_at = $2, updated_at = now()
WHERE id = $1 AND status = 'computed'
RETURNING `+settlementColumns, id, paidAt)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// either missing or already paid; disambiguate for the caller
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return Settlement{}, ErrNotFound
		}
		return Settlement{}, ErrPaid
	}
	return st, err
}

func scanSettlement(row pgx.Row) (Settlement, error) {
	var st Settlement
	err := row.Scan(&st.ID, &st.WorkRecordID, &st.HelperID, &st.RateConfigID, &st.RateFingerprint,
		&st.SupplyAmount, &st.VATAmount, &st.TotalAmount, &st.CommissionAmount, &st.InsuranceDeduction,
		&st.OtherDeductions, &st.NetAmount, &st.NegativePayout, &st.Status, &st.PaidAt, &st.ComputedAt, &st.UpdatedAt)
	return st, err
}
