package statement

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
	// ErrNotFound indicates the statement does not exist.
	ErrNotFound = errors.New("statement: not found")
	// ErrAlreadySent indicates the statement left the draft state and its
	// content is immutable.
	ErrAlreadySent = errors.New("statement: already sent")
	// ErrNotSent indicates a transition that requires a sent statement.
	ErrNotSent = errors.New("statement: not sent")
	// ErrSuperseded indicates the statement was already replaced by a newer
	// revision.
	ErrSuperseded = errors.New("statement: superseded by a revision")
)

// Status values for a monthly statement.
const (
	StatusDraft  = "draft"
	StatusSent   = "sent"
	StatusViewed = "viewed"
)

// Statement is one helper's monthly payout summary. Content is mutable only
// while in draft; after sending, corrections become new revision rows and
// the old row keeps its content forever.
type Statement struct {
	ID                 uuid.UUID  `json:"id"`
	HelperID           uuid.UUID  `json:"helperId"`
	Period             Period     `json:"period"`
	Status             string     `json:"status"`
	Lines              []Line     `json:"lines"`
	Totals             Totals     `json:"totals"`
	RateFingerprint    string     `json:"rateFingerprint"`
	IsRevised          bool       `json:"isRevised"`
	RevisesStatementID *uuid.UUID `json:"revisesStatementId,omitempty"`
	SupersededBy       *uuid.UUID `json:"supersededBy,omitempty"`
	SentAt             *time.Time `json:"sentAt,omitempty"`
	ViewedAt           *time.Time `json:"viewedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Store persists monthly statements.
type Store interface {
	UpsertDraft(ctx context.Context, st Statement) (Statement, error)
	GetByID(ctx context.Context, id uuid.UUID) (Statement, error)
	GetCurrent(ctx context.Context, helperID uuid.UUID, period Period) (Statement, error)
	ListByHelper(ctx context.Context, helperID uuid.UUID, limit, offset int) ([]Statement, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (Statement, error)
	MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) (Statement, error)
	InsertRevision(ctx context.Context, revision Statement, supersedes uuid.UUID) (Statement, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStatementStore{pool: pool}
}

type pgStatementStore struct {
	pool *pgxpool.Pool
}

const statementColumns = `id, helper_id, period_year, period_month, status, lines,
total_supply, total_vat, total_amount, total_commission, total_insurance, total_deductions,
net_payout, rate_fingerprint, is_revised, revises_statement_id, superseded_by,
sent_at, viewed_at, created_at, updated_at`

// UpsertDraft writes the current draft for the helper's period. A statement
// that has been sent is immutable; the update clause refuses to touch it.
func (s *pgStatementStore) UpsertDraft(ctx context.Context, st Statement) (Statement, error) {
	lines, err := marshalLines(st.Lines)
	if err != nil {
		return Statement{}, err
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO monthly_statements
(helper_id, period_year, period_month, lines, total_supply, total_vat, total_amount,
 total_commission, total_insurance, total_deductions, net_payout, rate_fingerprint)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (helper_id, period_year, period_month) WHERE superseded_by IS NULL DO UPDATE SET
    lines            = EXCLUDED.lines,
    total_supply     = EXCLUDED.total_supply,
    total_vat        = EXCLUDED.total_vat,
    total_amount     = EXCLUDED.total_amount,
    total_commission = EXCLUDED.total_commission,
    total_insurance  = EXCLUDED.total_insurance,
    total_deductions = EXCLUDED.total_deductions,
    net_payout       = EXCLUDED.net_payout,
    rate_fingerprint = EXCLUDED.rate_fingerprint,
    updated_at       = now()
WHERE monthly_statements.status = 'draft'
RETURNING `+statementColumns,
		st.HelperID, st.Period.Year, st.Period.Month, lines,
		st.Totals.Supply, st.Totals.VAT, st.Totals.Amount, st.Totals.Commission,
		st.Totals.Insurance, st.Totals.Deductions, st.Totals.NetPayout, st.RateFingerprint)
	stored, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Statement{}, ErrAlreadySent
	}
	return stored, err
}

func (s *pgStatementStore) GetByID(ctx context.Context, id uuid.UUID) (Statement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+statementColumns+` FROM monthly_statements WHERE id = $1`, id)
	st, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Statement{}, ErrNotFound
	}
	return st, err
}

// GetCurrent returns the live statement for the period, skipping rows that
// have been superseded by a revision.
func (s *pgStatementStore) GetCurrent(ctx context.Context, helperID uuid.UUID, period Period) (Statement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+statementColumns+` FROM monthly_statements
WHERE helper_id = $1 AND period_year = $2 AND period_month = $3 AND superseded_by IS NULL`,
		helperID, period.Year, period.Month)
	st, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Statement{}, ErrNotFound
	}
	return st, err
}

func (s *pgStatementStore) ListByHelper(ctx context.Context, helperID uuid.UUID, limit, offset int) ([]Statement, error) {
	if limit < 1 {
		limit = 24
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+statementColumns+` FROM monthly_statements
WHERE helper_id = $1 AND superseded_by IS NULL
ORDER BY period_year DESC, period_month DESC
LIMIT $2 OFFSET $3`, helperID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Statement, 0, limit)
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkSent transitions draft -> sent exactly once.
func (s *pgStatementStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (Statement, error) {
	row := s.pool.QueryRow(ctx, `UPDATE monthly_statements
SET status = 'sent', sent_at = $2, updated_at = now()
WHERE id = $1 AND status = 'draft'
RETURNING `+statementColumns, id, at)
	st, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return Statement{}, ErrNotFound
		}
		return Statement{}, ErrAlreadySent
	}
	return st, err
}

// MarkViewed transitions sent -> viewed the first time the helper opens it.
func (s *pgStatementStore) MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) (Statement, error) {
	row := s.pool.QueryRow(ctx, `UPDATE monthly_statements
SET status = 'viewed', viewed_at = $2, updated_at = now()
WHERE id = $1 AND status = 'sent'
RETURNING `+statementColumns, id, at)
	st, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return Statement{}, ErrNotFound
		}
		return Statement{}, ErrNotSent
	}
	return st, err
}

// InsertRevision writes a new revision row and points the superseded row at
// it in the same transaction, keeping the one-live-statement-per-period
// index satisfied.
func (s *pgStatementStore) InsertRevision(ctx context.Context, revision Statement, supersedes uuid.UUID) (Statement, error) {
	lines, err := marshalLines(revision.Lines)
	if err != nil {
		return Statement{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Statement{}, err
	}
	defer tx.Rollback(ctx)

	// Point the old row at itself first so the one-live-row-per-period
	// index frees the slot before the revision is inserted; the real
	// pointer is written once the revision id is known.
	tag, err := tx.Exec(ctx, `UPDATE monthly_statements
SET superseded_by = id, updated_at = now()
WHERE id = $1 AND superseded_by IS NULL`, supersedes)
	if err != nil {
		return Statement{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, supersedes); errors.Is(getErr, ErrNotFound) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, ErrSuperseded
	}

	row := tx.QueryRow(ctx, `INSERT INTO monthly_statements
(helper_id, period_year, period_month, lines, total_supply, total_vat, total_amount,
 total_commission, total_insurance, total_deductions, net_payout, rate_fingerprint,
 is_revised, revises_statement_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, true, $13)
RETURNING `+statementColumns,
		revision.HelperID, revision.Period.Year, revision.Period.Month, lines,
		revision.Totals.Supply, revision.Totals.VAT, revision.Totals.Amount,
		revision.Totals.Commission, revision.Totals.Insurance, revision.Totals.Deductions,
		revision.Totals.NetPayout, revision.RateFingerprint, supersedes)
	inserted, err := scanStatement(row)
	if err != nil {
		return Statement{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE monthly_statements SET superseded_by = $2 WHERE id = $1`,
		supersedes, inserted.ID); err != nil {
		return Statement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Statement{}, err
	}
	return inserted, nil
}

func scanStatement(row pgx.Row) (Statement, error) {
	var st Statement
	var lines []byte
	err := row.Scan(&st.ID, &st.HelperID, &st.Period.Year, &st.Period.Month, &st.Status, &lines,
		&st.Totals.Supply, &st.Totals.VAT, &st.Totals.Amount, &st.Totals.Commission,
		&st.Totals.Insurance, &st.Totals.Deductions, &st.Totals.NetPayout,
		&st.RateFingerprint, &st.IsRevised, &st.RevisesStatementID, &st.SupersededBy,
		&st.SentAt, &st.ViewedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return Statement{}, err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &st.Lines); err != nil {
			return Statement{}, err
		}
	}
	return st, nil
}

func marshalLines(lines []Line) ([]byte, error) {
	if lines == nil {
		lines = []Line{}
	}
	return json.Marshal(lines)
}
