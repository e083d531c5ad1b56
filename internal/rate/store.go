package rate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoActiveConfig indicates no rate config covers the requested time.
var ErrNoActiveConfig = errors.New("rate: no active config")

// Store persists rate configurations.
type Store interface {
	Create(ctx context.Context, cfg Config) (Config, error)
	GetByID(ctx context.Context, id uuid.UUID) (Config, error)
	ActiveAt(ctx context.Context, at time.Time) (Config, error)
	List(ctx context.Context, limit, offset int) ([]Config, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgRateStore{pool: pool}
}

type pgRateStore struct {
	pool *pgxpool.Pool
}

func (s *pgRateStore) Create(ctx context.Context, cfg Config) (Config, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO rate_configs (commission_rate_bps, insurance_rate_bps, effective_from, effective_to)
VALUES ($1, $2, $3, $4)
RETURNING id, commission_rate_bps, insurance_rate_bps, effective_from, effective_to, created_at`,
		cfg.CommissionRateBps, cfg.InsuranceRateBps, cfg.EffectiveFrom, cfg.EffectiveTo)
	return scanConfig(row)
}

func (s *pgRateStore) GetByID(ctx context.Context, id uuid.UUID) (Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, commission_rate_bps, insurance_rate_bps, effective_from, effective_to, created_at
FROM rate_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, ErrNoActiveConfig
	}
	return cfg, err
}

// ActiveAt returns the newest config whose effective window covers at.
func (s *pgRateStore) ActiveAt(ctx context.Context, at time.Time) (Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, commission_rate_bps, insurance_rate_bps, effective_from, effective_to, created_at
FROM rate_configs
WHERE effective_from <= $1 AND (effective_to IS NULL OR effective_to > $1)
ORDER BY effective_from DESC
LIMIT 1`, at)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, ErrNoActiveConfig
	}
	return cfg, err
}

func (s *pgRateStore) List(ctx context.Context, limit, offset int) ([]Config, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT id, commission_rate_bps, insurance_rate_bps, effective_from, effective_to, created_at
FROM rate_configs ORDER BY effective_from DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Config, 0, limit)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	err := row.Scan(&cfg.ID, &cfg.CommissionRateBps, &cfg.InsuranceRateBps, &cfg.EffectiveFrom, &cfg.EffectiveTo, &cfg.CreatedAt)
	return cfg, err
}
