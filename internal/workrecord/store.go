package workrecord

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates the work record does not exist.
	ErrNotFound = errors.New("workrecord: not found")
	// ErrLocked indicates the record's settlement has been paid and the
	// record can no longer be amended.
	ErrLocked = errors.New("workrecord: record locked")
)

// Store persists work records.
type Store interface {
	Upsert(ctx context.Context, rec Record) (Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (Record, error)
	ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]Record, error)
	ListHelperIDs(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
	Lock(ctx context.Context, id uuid.UUID) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgRecordStore{pool: pool}
}

type pgRecordStore struct {
	pool *pgxpool.Pool
}

const recordColumns = `id, order_id, helper_id, work_date, price_per_unit, delivered_count,
returned_count, etc_count, etc_price_per_unit, extra_costs, locked, created_at, updated_at`

// Upsert inserts the closing data or replaces an existing unlocked record
// for the same order, helper and work date.
func (s *pgRecordStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	extras, err := json.Marshal(extraCostsOrEmpty(rec.ExtraCosts))
	if err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO work_records
(order_id, helper_id, work_date, price_per_unit, delivered_count, returned_count, etc_count, etc_price_per_unit, extra_costs)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (order_id, helper_id, work_date) DO UPDATE SET
    price_per_unit     = EXCLUDED.price_per_unit,
    delivered_count    = EXCLUDED.delivered_count,
    returned_count     = EXCLUDED.returned_count,
    etc_count          = EXCLUDED.etc_count,
    etc_price_per_unit = EXCLUDED.etc_price_per_unit,
    extra_costs        = EXCLUDED.extra_costs,
    updated_at         = now()
WHERE work_records.locked = false
RETURNING `+recordColumns,
		rec.OrderID, rec.HelperID, rec.WorkDate, rec.PricePerUnit, rec.DeliveredCount,
		rec.ReturnedCount, rec.EtcCount, rec.EtcPricePerUnit, extras)
	stored, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict row exists but is locked
		return Record{}, ErrLocked
	}
	return stored, err
}

func (s *pgRecordStore) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM work_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *pgRecordStore) ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
FROM work_records
WHERE helper_id = $1 AND work_date >= $2 AND work_date < $3
ORDER BY work_date, created_at`, helperID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListHelperIDs returns the distinct helpers with at least one record in
// [from, to). The monthly statement run iterates this set.
func (s *pgRecordStore) ListHelperIDs(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT helper_id
FROM work_records
WHERE work_date >= $1 AND work_date < $2
ORDER BY helper_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *pgRecordStore) Lock(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE work_records SET locked = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var extras []byte
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.HelperID, &rec.WorkDate, &rec.PricePerUnit,
		&rec.DeliveredCount, &rec.ReturnedCount, &rec.EtcCount, &rec.EtcPricePerUnit,
		&extras, &rec.Locked, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &rec.ExtraCosts); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func extraCostsOrEmpty(costs []ExtraCost) []ExtraCost {
	if costs == nil {
		return []ExtraCost{}
	}
	return costs
}
