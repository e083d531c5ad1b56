package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("auth: not found")

// Account is the persisted user row.
type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Name         string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is a persisted refresh token session.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Store persists accounts and refresh sessions.
type Store interface {
	CreateAccount(ctx context.Context, email, passwordHash, name, role string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error)
	CreateSession(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	RotateSession(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteSessionsByUser(ctx context.Context, userID uuid.UUID) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgAuthStore{pool: pool}
}

type pgAuthStore struct {
	pool *pgxpool.Pool
}

func (s *pgAuthStore) CreateAccount(ctx context.Context, email, passwordHash, name, role string) (Account, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO users (email, password_hash, name, role)
VALUES ($1, $2, $3, $4)
RETURNING id, email, password_hash, name, role, created_at, updated_at`,
		email, passwordHash, name, role)
	return scanAccount(row)
}

func (s *pgAuthStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, name, role, created_at, updated_at
FROM users WHERE email = $1`, email)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acc, err
}

func (s *pgAuthStore) GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, name, role, created_at, updated_at
FROM users WHERE id = $1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acc, err
}

func (s *pgAuthStore) CreateSession(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (Session, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO sessions (user_id, token_hash, expires_at)
VALUES ($1, $2, $3)
RETURNING id, user_id, token_hash, expires_at, revoked_at, created_at`,
		userID, tokenHash, expiresAt)
	return scanSession(row)
}

func (s *pgAuthStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
FROM sessions WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func (s *pgAuthStore) RotateSession(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET token_hash = $2, expires_at = $3
WHERE id = $1 AND revoked_at IS NULL`, id, tokenHash, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAuthStore) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *pgAuthStore) DeleteSessionsByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	err := row.Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &acc.Name, &acc.Role, &acc.CreatedAt, &acc.UpdatedAt)
	return acc, err
}

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	return sess, err
}
