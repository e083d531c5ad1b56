package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// DeadLetter is a task that exhausted its retries, persisted for operators.
type DeadLetter struct {
	ID             uuid.UUID
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// Store persists and lists dead-lettered tasks.
type Store interface {
	InsertDeadLetter(ctx context.Context, entry DeadLetter) (uuid.UUID, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error
	ListDeadLetters(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context, kind string) (int64, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) InsertDeadLetter(ctx context.Context, entry DeadLetter) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var lastError any
	if entry.LastError != nil {
		lastError = *entry.LastError
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO queue_dead_letters (kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, lastError).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *pgStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	if s == nil || s.pool == nil {
		return DeadLetter{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT id, kind, idem_key, payload, attempts, last_error, created_at
FROM queue_dead_letters WHERE id = $1`, id)
	return scanDeadLetter(row)
}

func (s *pgStore) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_dead_letters WHERE id = $1`, id)
	return err
}

func (s *pgStore) ListDeadLetters(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	kind = strings.TrimSpace(kind)
	var (
		rows pgx.Rows
		err  error
	)
	if kind != "" {
		rows, err = s.pool.Query(ctx, `SELECT id, kind, idem_key, payload, attempts, last_error, created_at
FROM queue_dead_letters WHERE kind = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, kind, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, kind, idem_key, payload, attempts, last_error, created_at
FROM queue_dead_letters ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DeadLetter, 0, limit)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *pgStore) CountDeadLetters(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	kind = strings.TrimSpace(kind)
	var total int64
	if kind == "" {
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dead_letters`).Scan(&total)
		return total, err
	}
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dead_letters WHERE kind = $1`, kind).Scan(&total)
	return total, err
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var entry DeadLetter
	var lastErr sql.NullString
	if err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &lastErr, &entry.CreatedAt); err != nil {
		return DeadLetter{}, err
	}
	if lastErr.Valid {
		entry.LastError = &lastErr.String
	}
	return entry, nil
}
