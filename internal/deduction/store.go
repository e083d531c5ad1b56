package deduction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVersionConflict is returned when a compare-and-set transition loses a
// race against a concurrent writer.
var ErrVersionConflict = errors.New("deduction: version conflict")

// Store persists the deduction ledger.
type Store interface {
	Create(ctx context.Context, d Deduction) (Deduction, error)
	GetByID(ctx context.Context, id uuid.UUID) (Deduction, error)
	ListByTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID, status Status, limit, offset int) ([]Deduction, error)
	ListPendingForTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID) ([]Deduction, error)
	ListAppliedToSettlement(ctx context.Context, settlementID uuid.UUID) ([]Deduction, error)
	Apply(ctx context.Context, id uuid.UUID, version int32, settlementID uuid.UUID, at time.Time) (Deduction, error)
	Cancel(ctx context.Context, id uuid.UUID, version int32, reason string, at time.Time) (Deduction, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgDeductionStore{pool: pool}
}

type pgDeductionStore struct {
	pool *pgxpool.Pool
}

const deductionColumns = `id, target_kind, target_id, order_id, incident_id, category, amount, reason,
status, version, applied_to_settlement_id, applied_at, cancelled_at, cancel_reason, created_by, memo,
created_at, updated_at`

func (s *pgDeductionStore) Create(ctx context.Context, d Deduction) (Deduction, error) {
	if d.Amount <= 0 {
		return Deduction{}, ErrInvalidAmount
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO deductions
(target_kind, target_id, order_id, incident_id, category, amount, reason, created_by, memo)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+deductionColumns,
		d.TargetKind, d.TargetID, d.OrderID, d.IncidentID, d.Category, d.Amount, d.Reason, d.CreatedBy, d.Memo)
	return scanDeduction(row)
}

func (s *pgDeductionStore) GetByID(ctx context.Context, id uuid.UUID) (Deduction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deductionColumns+` FROM deductions WHERE id = $1`, id)
	d, err := scanDeduction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deduction{}, ErrNotFound
	}
	return d, err
}

func (s *pgDeductionStore) ListByTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID, status Status, limit, offset int) ([]Deduction, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+deductionColumns+`
FROM deductions WHERE target_kind = $1 AND target_id = $2
ORDER BY created_at DESC LIMIT $3 OFFSET $4`, kind, targetID, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+deductionColumns+`
FROM deductions WHERE target_kind = $1 AND target_id = $2 AND status = $3
ORDER BY created_at DESC LIMIT $4 OFFSET $5`, kind, targetID, status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeductions(rows)
}

func (s *pgDeductionStore) ListPendingForTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID) ([]Deduction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deductionColumns+`
FROM deductions WHERE target_kind = $1 AND target_id = $2 AND status = 'pending'
ORDER BY created_at`, kind, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeductions(rows)
}

func (s *pgDeductionStore) ListAppliedToSettlement(ctx context.Context, settlementID uuid.UUID) ([]Deduction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deductionColumns+`
FROM deductions WHERE applied_to_settlement_id = $1 AND status = 'applied'
ORDER BY applied_at`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeductions(rows)
}

// Apply transitions pending -> applied with an optimistic version check.
// The WHERE clause is the whole concurrency story: a lost race affects
// zero rows and the caller distinguishes state from version conflicts.
func (s *pgDeductionStore) Apply(ctx context.Context, id uuid.UUID, version int32, settlementID uuid.UUID, at time.Time) (Deduction, error) {
	row := s.pool.QueryRow(ctx, `UPDATE deductions
SET status = 'applied', applied_to_settlement_id = $3, applied_at = $4, version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'pending' AND version = $2
RETURNING `+deductionColumns, id, version, settlementID, at)
	d, err := scanDeduction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deduction{}, s.transitionFailure(ctx, id, version)
	}
	return d, err
}

// Cancel transitions pending -> cancelled with an optimistic version check.
func (s *pgDeductionStore) Cancel(ctx context.Context, id uuid.UUID, version int32, reason string, at time.Time) (Deduction, error) {
	row := s.pool.QueryRow(ctx, `UPDATE deductions
SET status = 'cancelled', cancelled_at = $4, cancel_reason = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'pending' AND version = $2
RETURNING `+deductionColumns, id, version, reason, at)
	d, err := scanDeduction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deduction{}, s.transitionFailure(ctx, id, version)
	}
	return d, err
}

func (s *pgDeductionStore) transitionFailure(ctx context.Context, id uuid.UUID, version int32) error {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return ErrInvalidDeductionState
	}
	if current.Version != version {
		return ErrVersionConflict
	}
	return ErrInvalidDeductionState
}

func collectDeductions(rows pgx.Rows) ([]Deduction, error) {
	var out []Deduction
	for rows.Next() {
		d, err := scanDeduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeduction(row pgx.Row) (Deduction, error) {
	var d Deduction
	err := row.Scan(&d.ID, &d.TargetKind, &d.TargetID, &d.OrderID, &d.IncidentID, &d.Category,
		&d.Amount, &d.Reason, &d.Status, &d.Version, &d.AppliedToSettlementID, &d.AppliedAt,
		&d.CancelledAt, &d.CancelReason, &d.CreatedBy, &d.Memo, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}
