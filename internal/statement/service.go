package statement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/obs"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/settlement"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// ErrEmptyPeriod indicates the helper has no settlements in the period.
var ErrEmptyPeriod = errors.New("statement: no settlements in period")

// SettlementSource provides the settlements a statement aggregates.
type SettlementSource interface {
	ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]settlement.Settlement, error)
}

// RecordSource provides work records for line enrichment and the set of
// helpers the monthly run covers.
type RecordSource interface {
	ListByHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]workrecord.Record, error)
	ListHelperIDs(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
}

// RateSource resolves the currently active rate config for stale-rate
// detection on revisions.
type RateSource interface {
	ActiveAt(ctx context.Context, at time.Time) (rate.Config, error)
}

// Service manages the monthly statement lifecycle: build, send, view, and
// append-only revision.
type Service struct {
	Store       Store
	Settlements SettlementSource
	Records     RecordSource
	Rates       RateSource
	Locker      lock.Locker
	Bus         *events.Bus
	Logger      zerolog.Logger
	now         func() time.Time
}

// NewService constructs a statement service.
func NewService(store Store, settlements SettlementSource, records RecordSource, rates RateSource, locker lock.Locker, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		Store:       store,
		Settlements: settlements,
		Records:     records,
		Rates:       rates,
		Locker:      locker,
		Bus:         bus,
		Logger:      logger,
		now:         time.Now,
	}
}

// WithNow lets tests override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Build assembles or refreshes the draft statement for one helper and
// period. Once the statement is sent its content is frozen and Build fails.
func (s *Service) Build(ctx context.Context, helperID uuid.UUID, period Period) (Statement, error) {
	if !period.Valid() {
		return Statement{}, common.NewAppError("VALIDATION_ERROR", "invalid statement period", http.StatusBadRequest, nil)
	}
	var built Statement
	err := s.Locker.WithLock(ctx, statementKey(helperID, period), func(ctx context.Context) error {
		draft, err := s.assemble(ctx, helperID, period)
		if err != nil {
			return err
		}
		built, err = s.Store.UpsertDraft(ctx, draft)
		return err
	})
	if err != nil {
		obs.StatementBuildsTotal.WithLabelValues("initial", "error").Inc()
		return Statement{}, mapStatementError(err)
	}
	obs.StatementBuildsTotal.WithLabelValues("initial", "ok").Inc()
	return built, nil
}

// BuildMonth builds draft statements for every helper with work in the
// period. Helpers whose build fails are logged and skipped so one bad
// period does not stall the batch.
func (s *Service) BuildMonth(ctx context.Context, period Period) (int, error) {
	if !period.Valid() {
		return 0, common.NewAppError("VALIDATION_ERROR", "invalid statement period", http.StatusBadRequest, nil)
	}
	from, to := period.Bounds()
	helperIDs, err := s.Records.ListHelperIDs(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list helpers for period: %w", err)
	}

	var built int
	for _, helperID := range helperIDs {
		if _, err := s.Build(ctx, helperID, period); err != nil {
			s.Logger.Error().Err(err).
				Str("helper_id", helperID.String()).
				Int("year", period.Year).Int("month", period.Month).
				Msg("statement_build_failed")
			continue
		}
		built++
	}
	return built, nil
}

// Send freezes the draft and notifies the helper. Sending is single-shot;
// corrections afterwards go through Revise.
func (s *Service) Send(ctx context.Context, id uuid.UUID) (Statement, error) {
	sent, err := s.Store.MarkSent(ctx, id, s.now())
	if err != nil {
		obs.StatementSendsTotal.WithLabelValues("error").Inc()
		return Statement{}, mapStatementError(err)
	}
	obs.StatementSendsTotal.WithLabelValues("ok").Inc()
	s.emit(ctx, events.TopicStatementSent, sent)
	return sent, nil
}

// GetForHelper returns the helper's own statement and records the first
// view. Viewing is informational; it does not change the content.
func (s *Service) GetForHelper(ctx context.Context, helperID, id uuid.UUID) (Statement, error) {
	st, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Statement{}, mapStatementError(err)
	}
	if st.HelperID != helperID {
		return Statement{}, common.NewAppError("FORBIDDEN", "statement belongs to another helper", http.StatusForbidden, nil)
	}
	if st.Status == StatusSent {
		viewed, err := s.Store.MarkViewed(ctx, id, s.now())
		if err == nil {
			st = viewed
			s.emit(ctx, events.TopicStatementViewed, st)
		} else if !errors.Is(err, ErrNotSent) {
			// first-view bookkeeping must not hide the statement
			s.Logger.Warn().Err(err).Str("statement_id", id.String()).Msg("statement_view_mark_failed")
		}
	}
	return st, nil
}

// Get fetches one statement without ownership or view side effects.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Statement, error) {
	st, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Statement{}, mapStatementError(err)
	}
	return st, nil
}

// GetCurrent fetches the live statement for a helper's period.
func (s *Service) GetCurrent(ctx context.Context, helperID uuid.UUID, period Period) (Statement, error) {
	st, err := s.Store.GetCurrent(ctx, helperID, period)
	if err != nil {
		return Statement{}, mapStatementError(err)
	}
	return st, nil
}

// ListForHelper pages through a helper's live statements, newest first.
func (s *Service) ListForHelper(ctx context.Context, helperID uuid.UUID, limit, offset int) ([]Statement, error) {
	return s.Store.ListByHelper(ctx, helperID, limit, offset)
}

// ReviseInput carries the revision request.
type ReviseInput struct {
	StatementID uuid.UUID
	// AllowHistoricalRates accepts a revision whose settlements were
	// computed under rates that are no longer active. Without it a rate
	// drift fails the revision so an operator can confirm intent.
	AllowHistoricalRates bool
}

// Revise rebuilds a sent statement from the current settlement data as a new
// row. The original row is kept and pointed at its replacement, so the chain
// of what the helper was shown stays auditable.
func (s *Service) Revise(ctx context.Context, in ReviseInput) (Statement, error) {
	var revision Statement
	err := s.Locker.WithLock(ctx, "statement:revise:"+in.StatementID.String(), func(ctx context.Context) error {
		original, err := s.Store.GetByID(ctx, in.StatementID)
		if err != nil {
			return err
		}
		if original.Status == StatusDraft {
			return ErrNotSent
		}
		if original.SupersededBy != nil {
			return ErrSuperseded
		}

		rebuilt, err := s.assemble(ctx, original.HelperID, original.Period)
		if err != nil {
			return err
		}
		if !in.AllowHistoricalRates {
			if err := s.checkRateDrift(ctx, rebuilt.RateFingerprint); err != nil {
				return err
			}
		}
		revision, err = s.Store.InsertRevision(ctx, rebuilt, original.ID)
		return err
	})
	if err != nil {
		obs.StatementBuildsTotal.WithLabelValues("revision", "error").Inc()
		return Statement{}, mapStatementError(err)
	}
	obs.StatementBuildsTotal.WithLabelValues("revision", "ok").Inc()
	s.emit(ctx, events.TopicStatementRevised, revision)
	return revision, nil
}

func (s *Service) assemble(ctx context.Context, helperID uuid.UUID, period Period) (Statement, error) {
	from, to := period.Bounds()
	settlements, err := s.Settlements.ListByHelperPeriod(ctx, helperID, from, to)
	if err != nil {
		return Statement{}, fmt.Errorf("list settlements: %w", err)
	}
	if len(settlements) == 0 {
		return Statement{}, ErrEmptyPeriod
	}
	records, err := s.Records.ListByHelperPeriod(ctx, helperID, from, to)
	if err != nil {
		return Statement{}, fmt.Errorf("list work records: %w", err)
	}

	lines, totals, fingerprints := BuildLines(settlements, records)
	return Statement{
		HelperID:        helperID,
		Period:          period,
		Lines:           lines,
		Totals:          totals,
		RateFingerprint: joinFingerprints(fingerprints),
	}, nil
}

// checkRateDrift fails when the settlements behind the revision were
// computed under rates that differ from the currently active config.
func (s *Service) checkRateDrift(ctx context.Context, fingerprint string) error {
	active, err := s.Rates.ActiveAt(ctx, s.now())
	if err != nil {
		if errors.Is(err, rate.ErrNoActiveConfig) {
			return errStaleRates(fingerprint, "none")
		}
		return err
	}
	if fingerprint != active.Fingerprint() {
		return errStaleRates(fingerprint, active.Fingerprint())
	}
	return nil
}

func errStaleRates(got, active string) error {
	return common.NewAppError("STALE_RATE_CONFIG",
		fmt.Sprintf("statement rates %s differ from active rates %s; pass allow_historical_rates to confirm", got, active),
		http.StatusUnprocessableEntity, nil)
}

func joinFingerprints(fingerprints []string) string {
	out := ""
	for i, fp := range fingerprints {
		if i > 0 {
			out += ","
		}
		out += fp
	}
	return out
}

func statementKey(helperID uuid.UUID, period Period) string {
	return fmt.Sprintf("statement:%s:%04d-%02d", helperID, period.Year, period.Month)
}

func (s *Service) emit(ctx context.Context, topic string, st Statement) {
	if s.Bus == nil {
		return
	}
	payload := map[string]any{
		"statement_id": st.ID,
		"helper_id":    st.HelperID,
		"year":         st.Period.Year,
		"month":        st.Period.Month,
		"net_payout":   st.Totals.NetPayout,
		"is_revised":   st.IsRevised,
	}
	if _, err := s.Bus.Emit(ctx, topic, st.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("event_emit_failed")
	}
}

func mapStatementError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("STATEMENT_NOT_FOUND", "statement not found", http.StatusNotFound, err)
	case errors.Is(err, ErrAlreadySent):
		return common.NewAppError("STATEMENT_ALREADY_SENT", "statement has been sent and is immutable", http.StatusConflict, err)
	case errors.Is(err, ErrNotSent):
		return common.NewAppError("STATEMENT_NOT_SENT", "statement has not been sent", http.StatusConflict, err)
	case errors.Is(err, ErrSuperseded):
		return common.NewAppError("STATEMENT_SUPERSEDED", "statement was already revised", http.StatusConflict, err)
	case errors.Is(err, ErrEmptyPeriod):
		return common.NewAppError("STATEMENT_EMPTY", "helper has no settlements in the period", http.StatusUnprocessableEntity, err)
	default:
		return err
	}
}
