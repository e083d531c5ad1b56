package incident

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates the incident does not exist.
	ErrNotFound = errors.New("incident: not found")
	// ErrNotOpen indicates the incident was already resolved or dismissed.
	ErrNotOpen = errors.New("incident: not open")
)

// Status is the lifecycle state of an incident report.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Kind classifies what went wrong during the delivery.
type Kind string

const (
	KindDamage Kind = "damage"
	KindLoss   Kind = "loss"
	KindDelay  Kind = "delay"
	KindOther  Kind = "other"
)

// ParseKind validates an incident kind value.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindDamage:
		return KindDamage, nil
	case KindLoss:
		return KindLoss, nil
	case KindDelay:
		return KindDelay, nil
	case KindOther:
		return KindOther, nil
	default:
		return "", errors.New("incident: unknown kind")
	}
}

// Incident is a damage/loss/delay report filed against an order. Resolving
// one may open a deduction against the responsible helper.
type Incident struct {
	ID           uuid.UUID  `json:"id"`
	OrderID      uuid.UUID  `json:"orderId"`
	HelperID     uuid.UUID  `json:"helperId"`
	Kind         Kind       `json:"kind"`
	Description  string     `json:"description"`
	DamageAmount int64      `json:"damageAmount"`
	Status       Status     `json:"status"`
	DeductionID  *uuid.UUID `json:"deductionId,omitempty"`
	ReportedBy   uuid.UUID  `json:"reportedBy"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Store persists incident reports.
type Store interface {
	Create(ctx context.Context, inc Incident) (Incident, error)
	GetByID(ctx context.Context, id uuid.UUID) (Incident, error)
	ListByHelper(ctx context.Context, helperID uuid.UUID, status Status, limit, offset int) ([]Incident, error)
	Resolve(ctx context.Context, id uuid.UUID, deductionID *uuid.UUID, at time.Time) (Incident, error)
	Dismiss(ctx context.Context, id uuid.UUID, at time.Time) (Incident, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgIncidentStore{pool: pool}
}

type pgIncidentStore struct {
	pool *pgxpool.Pool
}

const incidentColumns = `id, order_id, helper_id, kind, description, damage_amount,
status, deduction_id, reported_by, resolved_at, created_at, updated_at`

func (s *pgIncidentStore) Create(ctx context.Context, inc Incident) (Incident, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO incidents
(order_id, helper_id, kind, description, damage_amount, reported_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+incidentColumns,
		inc.OrderID, inc.HelperID, inc.Kind, inc.Description, inc.DamageAmount, inc.ReportedBy)
	return scanIncident(row)
}

func (s *pgIncidentStore) GetByID(ctx context.Context, id uuid.UUID) (Incident, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	return inc, err
}

func (s *pgIncidentStore) ListByHelper(ctx context.Context, helperID uuid.UUID, status Status, limit, offset int) ([]Incident, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+`
FROM incidents
WHERE helper_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, helperID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Incident, 0, limit)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Resolve closes an open incident, optionally linking the deduction opened
// for it. The status predicate makes the transition single-shot.
func (s *pgIncidentStore) Resolve(ctx context.Context, id uuid.UUID, deductionID *uuid.UUID, at time.Time) (Incident, error) {
	row := s.pool.QueryRow(ctx, `UPDATE incidents
SET status = 'resolved', deduction_id = $2, resolved_at = $3, updated_at = now()
WHERE id = $1 AND status = 'open'
RETURNING `+incidentColumns, id, deductionID, at)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, s.transitionFailure(ctx, id)
	}
	return inc, err
}

func (s *pgIncidentStore) Dismiss(ctx context.Context, id uuid.UUID, at time.Time) (Incident, error) {
	row := s.pool.QueryRow(ctx, `UPDATE incidents
SET status = 'dismissed', resolved_at = $2, updated_at = now()
WHERE id = $1 AND status = 'open'
RETURNING `+incidentColumns, id, at)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, s.transitionFailure(ctx, id)
	}
	return inc, err
}

func (s *pgIncidentStore) transitionFailure(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrNotOpen
}

func scanIncident(row pgx.Row) (Incident, error) {
	var inc Incident
	err := row.Scan(&inc.ID, &inc.OrderID, &inc.HelperID, &inc.Kind, &inc.Description,
		&inc.DamageAmount, &inc.Status, &inc.DeductionID, &inc.ReportedBy,
		&inc.ResolvedAt, &inc.CreatedAt, &inc.UpdatedAt)
	return inc, err
}
