package statement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/settlement"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

type memStatementStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Statement
}

func newMemStatementStore() *memStatementStore {
	return &memStatementStore{rows: map[uuid.UUID]Statement{}}
}

func (m *memStatementStore) currentLocked(helperID uuid.UUID, period Period) (Statement, bool) {
	for _, st := range m.rows {
		if st.HelperID == helperID && st.Period == period && st.SupersededBy == nil {
			return st, true
		}
	}
	return Statement{}, false
}

func (m *memStatementStore) UpsertDraft(_ context.Context, st Statement) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.currentLocked(st.HelperID, st.Period); ok {
		if existing.Status != StatusDraft {
			return Statement{}, ErrAlreadySent
		}
		st.ID = existing.ID
		st.CreatedAt = existing.CreatedAt
	} else {
		st.ID = uuid.New()
		st.CreatedAt = time.Now()
	}
	st.Status = StatusDraft
	st.UpdatedAt = time.Now()
	m.rows[st.ID] = st
	return st, nil
}

func (m *memStatementStore) GetByID(_ context.Context, id uuid.UUID) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return Statement{}, ErrNotFound
	}
	return st, nil
}

func (m *memStatementStore) GetCurrent(_ context.Context, helperID uuid.UUID, period Period) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.currentLocked(helperID, period)
	if !ok {
		return Statement{}, ErrNotFound
	}
	return st, nil
}

func (m *memStatementStore) ListByHelper(_ context.Context, helperID uuid.UUID, _, _ int) ([]Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, st := range m.rows {
		if st.HelperID == helperID && st.SupersededBy == nil {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStatementStore) MarkSent(_ context.Context, id uuid.UUID, at time.Time) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return Statement{}, ErrNotFound
	}
	if st.Status != StatusDraft {
		return Statement{}, ErrAlreadySent
	}
	st.Status = StatusSent
	st.SentAt = &at
	m.rows[id] = st
	return st, nil
}

func (m *memStatementStore) MarkViewed(_ context.Context, id uuid.UUID, at time.Time) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return Statement{}, ErrNotFound
	}
	if st.Status != StatusSent {
		return Statement{}, ErrNotSent
	}
	st.Status = StatusViewed
	st.ViewedAt = &at
	m.rows[id] = st
	return st, nil
}

func (m *memStatementStore) InsertRevision(_ context.Context, revision Statement, supersedes uuid.UUID) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok := m.rows[supersedes]
	if !ok {
		return Statement{}, ErrNotFound
	}
	if original.SupersededBy != nil {
		return Statement{}, ErrSuperseded
	}
	revision.ID = uuid.New()
	revision.Status = StatusDraft
	revision.IsRevised = true
	revision.RevisesStatementID = &supersedes
	revision.CreatedAt = time.Now()
	m.rows[revision.ID] = revision
	original.SupersededBy = &revision.ID
	m.rows[supersedes] = original
	return revision, nil
}

type memSettlementSource struct {
	mu   sync.Mutex
	rows []settlement.Settlement
}

func (m *memSettlementSource) add(st settlement.Settlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, st)
}

func (m *memSettlementSource) ListByHelperPeriod(_ context.Context, helperID uuid.UUID, _, _ time.Time) ([]settlement.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.Settlement
	for _, st := range m.rows {
		if st.HelperID == helperID {
			out = append(out, st)
		}
	}
	return out, nil
}

type memRecordSource struct {
	mu   sync.Mutex
	rows []workrecord.Record
}

func (m *memRecordSource) add(rec workrecord.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rec)
}

func (m *memRecordSource) ListByHelperPeriod(_ context.Context, helperID uuid.UUID, _, _ time.Time) ([]workrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workrecord.Record
	for _, rec := range m.rows {
		if rec.HelperID == helperID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRecordSource) ListHelperIDs(_ context.Context, _, _ time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, rec := range m.rows {
		if !seen[rec.HelperID] {
			seen[rec.HelperID] = true
			out = append(out, rec.HelperID)
		}
	}
	return out, nil
}

type memRateSource struct {
	active rate.Config
}

func (m *memRateSource) ActiveAt(context.Context, time.Time) (rate.Config, error) {
	return m.active, nil
}

type statementFixture struct {
	svc         *Service
	store       *memStatementStore
	settlements *memSettlementSource
	records     *memRecordSource
	rates       *memRateSource
	helperID    uuid.UUID
}

func newStatementFixture(t *testing.T) *statementFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &statementFixture{
		store:       newMemStatementStore(),
		settlements: &memSettlementSource{},
		records:     &memRecordSource{},
		rates:       &memRateSource{active: rate.Config{CommissionRateBps: 500, InsuranceRateBps: 70}},
		helperID:    uuid.New(),
	}
	locker := lock.Locker{R: client, TTL: time.Second, RetryBackoff: time.Millisecond}
	f.svc = NewService(f.store, f.settlements, f.records, f.rates, locker, nil, zerolog.Nop())
	return f
}

func (f *statementFixture) addSettledDay(day int, net int64) {
	recID := uuid.New()
	f.records.add(workrecord.Record{
		ID:       recID,
		OrderID:  uuid.New(),
		HelperID: f.helperID,
		WorkDate: time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
	})
	f.settlements.add(settlement.Settlement{
		ID:                 uuid.New(),
		WorkRecordID:       recID,
		HelperID:           f.helperID,
		RateFingerprint:    "c500:i70",
		SupplyAmount:       204_000,
		VATAmount:          20_400,
		TotalAmount:        224_400,
		CommissionAmount:   11_220,
		InsuranceDeduction: 785,
		NetAmount:          net,
		Status:             settlement.StatusComputed,
	})
}

var march = Period{Year: 2026, Month: 3}

func TestBuildDraftAggregates(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(3, 212_395)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if st.Status != StatusDraft {
		t.Fatalf("status = %s", st.Status)
	}
	if len(st.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(st.Lines))
	}
	if st.Lines[0].WorkDate != "2026-03-01" || st.Lines[1].WorkDate != "2026-03-03" {
		t.Fatalf("lines not ordered by work date: %v, %v", st.Lines[0].WorkDate, st.Lines[1].WorkDate)
	}
	if st.Totals.Supply != 408_000 || st.Totals.VAT != 40_800 {
		t.Fatalf("totals = %+v", st.Totals)
	}
	if st.Totals.NetPayout != 404_790 {
		t.Fatalf("net payout = %d, want 404790", st.Totals.NetPayout)
	}
	if st.RateFingerprint != "c500:i70" {
		t.Fatalf("fingerprint = %q", st.RateFingerprint)
	}
}

func TestBuildEmptyPeriod(t *testing.T) {
	f := newStatementFixture(t)

	_, err := f.svc.Build(context.Background(), f.helperID, march)
	if err == nil {
		t.Fatal("expected error for empty period")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "STATEMENT_EMPTY" {
		t.Fatalf("err = %v, want STATEMENT_EMPTY", err)
	}
}

func TestRebuildAfterSendRejected(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := f.svc.Send(context.Background(), st.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err = f.svc.Build(context.Background(), f.helperID, march)
	if err == nil {
		t.Fatal("expected rebuild of sent statement to fail")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "STATEMENT_ALREADY_SENT" {
		t.Fatalf("err = %v, want STATEMENT_ALREADY_SENT", err)
	}
}

func TestSendOnceAndFirstView(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sent, err := f.svc.Send(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Status != StatusSent || sent.SentAt == nil {
		t.Fatalf("sent = %+v", sent)
	}
	if _, err := f.svc.Send(context.Background(), st.ID); err == nil {
		t.Fatal("expected second send to fail")
	}

	viewed, err := f.svc.GetForHelper(context.Background(), f.helperID, st.ID)
	if err != nil {
		t.Fatalf("GetForHelper: %v", err)
	}
	if viewed.Status != StatusViewed || viewed.ViewedAt == nil {
		t.Fatalf("viewed = %+v", viewed)
	}

	// Later views keep the statement as-is.
	again, err := f.svc.GetForHelper(context.Background(), f.helperID, st.ID)
	if err != nil {
		t.Fatalf("second view: %v", err)
	}
	if again.Status != StatusViewed {
		t.Fatalf("status = %s", again.Status)
	}
}

func TestGetForHelperOwnership(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = f.svc.GetForHelper(context.Background(), uuid.New(), st.ID)
	if err == nil {
		t.Fatal("expected ownership check to fail")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "FORBIDDEN" {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestReviseSupersedesOriginal(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := f.svc.Send(context.Background(), st.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// A correction lands after the statement went out.
	f.addSettledDay(20, 212_395)

	revision, err := f.svc.Revise(context.Background(), ReviseInput{StatementID: st.ID})
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if !revision.IsRevised {
		t.Fatal("revision not flagged")
	}
	if revision.RevisesStatementID == nil || *revision.RevisesStatementID != st.ID {
		t.Fatal("revision does not reference the original")
	}
	if len(revision.Lines) != 2 {
		t.Fatalf("revision lines = %d, want 2", len(revision.Lines))
	}

	original, err := f.svc.Get(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.SupersededBy == nil || *original.SupersededBy != revision.ID {
		t.Fatal("original not superseded")
	}
	if len(original.Lines) != 1 {
		t.Fatal("original content must stay frozen")
	}

	// The original cannot be revised a second time.
	if _, err := f.svc.Revise(context.Background(), ReviseInput{StatementID: st.ID}); err == nil {
		t.Fatal("expected second revision of same row to fail")
	} else if app, ok := common.AsAppError(err); !ok || app.Code != "STATEMENT_SUPERSEDED" {
		t.Fatalf("err = %v, want STATEMENT_SUPERSEDED", err)
	}
}

func TestReviseDraftRejected(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = f.svc.Revise(context.Background(), ReviseInput{StatementID: st.ID})
	if err == nil {
		t.Fatal("expected revise of draft to fail")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "STATEMENT_NOT_SENT" {
		t.Fatalf("err = %v, want STATEMENT_NOT_SENT", err)
	}
}

func TestReviseStaleRates(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	st, err := f.svc.Build(context.Background(), f.helperID, march)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := f.svc.Send(context.Background(), st.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Rates changed since the settlements were computed.
	f.rates.active = rate.Config{CommissionRateBps: 800, InsuranceRateBps: 100}

	_, err = f.svc.Revise(context.Background(), ReviseInput{StatementID: st.ID})
	if err == nil {
		t.Fatal("expected stale rate rejection")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "STALE_RATE_CONFIG" {
		t.Fatalf("err = %v, want STALE_RATE_CONFIG", err)
	}

	// The operator can confirm the historical rates explicitly.
	revision, err := f.svc.Revise(context.Background(), ReviseInput{StatementID: st.ID, AllowHistoricalRates: true})
	if err != nil {
		t.Fatalf("Revise with override: %v", err)
	}
	if !revision.IsRevised {
		t.Fatal("revision not flagged")
	}
}

func TestBuildMonthCoversAllHelpers(t *testing.T) {
	f := newStatementFixture(t)
	f.addSettledDay(1, 192_395)

	other := uuid.New()
	recID := uuid.New()
	f.records.add(workrecord.Record{
		ID:       recID,
		OrderID:  uuid.New(),
		HelperID: other,
		WorkDate: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	})
	f.settlements.add(settlement.Settlement{
		ID:              uuid.New(),
		WorkRecordID:    recID,
		HelperID:        other,
		RateFingerprint: "c500:i70",
		TotalAmount:     100_000,
		NetAmount:       94_000,
		Status:          settlement.StatusComputed,
	})

	built, err := f.svc.BuildMonth(context.Background(), march)
	if err != nil {
		t.Fatalf("BuildMonth: %v", err)
	}
	if built != 2 {
		t.Fatalf("built = %d, want 2", built)
	}
	if _, err := f.svc.GetCurrent(context.Background(), other, march); err != nil {
		t.Fatalf("other helper statement missing: %v", err)
	}
}
