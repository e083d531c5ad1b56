package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

type recordKey struct {
	order  uuid.UUID
	helper uuid.UUID
	date   string
}

type memRecordStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]workrecord.Record
	byKK map[recordKey]uuid.UUID
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{rows: map[uuid.UUID]workrecord.Record{}, byKK: map[recordKey]uuid.UUID{}}
}

func (m *memRecordStore) Upsert(_ context.Context, rec workrecord.Record) (workrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{rec.OrderID, rec.HelperID, rec.WorkDate.Format("2006-01-02")}
	if id, ok := m.byKK[key]; ok {
		existing := m.rows[id]
		if existing.Locked {
			return workrecord.Record{}, workrecord.ErrLocked
		}
		rec.ID = id
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.ID = uuid.New()
		rec.CreatedAt = time.Now()
		m.byKK[key] = rec.ID
	}
	rec.UpdatedAt = time.Now()
	m.rows[rec.ID] = rec
	return rec, nil
}

func (m *memRecordStore) GetByID(_ context.Context, id uuid.UUID) (workrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return workrecord.Record{}, workrecord.ErrNotFound
	}
	return rec, nil
}

func (m *memRecordStore) ListByHelperPeriod(_ context.Context, helperID uuid.UUID, from, to time.Time) ([]workrecord.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workrecord.Record
	for _, rec := range m.rows {
		if rec.HelperID == helperID && !rec.WorkDate.Before(from) && rec.WorkDate.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRecordStore) ListHelperIDs(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, rec := range m.rows {
		if !rec.WorkDate.Before(from) && rec.WorkDate.Before(to) && !seen[rec.HelperID] {
			seen[rec.HelperID] = true
			out = append(out, rec.HelperID)
		}
	}
	return out, nil
}

func (m *memRecordStore) Lock(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return workrecord.ErrNotFound
	}
	rec.Locked = true
	m.rows[id] = rec
	return nil
}

type memSettlementStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]Settlement
	byRecord map[uuid.UUID]uuid.UUID
}

func newMemSettlementStore() *memSettlementStore {
	return &memSettlementStore{rows: map[uuid.UUID]Settlement{}, byRecord: map[uuid.UUID]uuid.UUID{}}
}

func (m *memSettlementStore) Upsert(_ context.Context, st Settlement) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRecord[st.WorkRecordID]; ok {
		existing := m.rows[id]
		if existing.Status == StatusPaid {
			return Settlement{}, ErrPaid
		}
		st.ID = id
		st.ComputedAt = time.Now()
	} else {
		st.ID = uuid.New()
		st.ComputedAt = time.Now()
		m.byRecord[st.WorkRecordID] = st.ID
	}
	st.Status = StatusComputed
	st.UpdatedAt = time.Now()
	m.rows[st.ID] = st
	return st, nil
}

func (m *memSettlementStore) GetByID(_ context.Context, id uuid.UUID) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	return st, nil
}

func (m *memSettlementStore) GetByWorkRecordID(_ context.Context, workRecordID uuid.UUID) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRecord[workRecordID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	return m.rows[id], nil
}

func (m *memSettlementStore) ListByHelperPeriod(_ context.Context, helperID uuid.UUID, _, _ time.Time) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Settlement
	for _, st := range m.rows {
		if st.HelperID == helperID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memSettlementStore) MarkPaid(_ context.Context, id uuid.UUID, paidAt time.Time) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if st.Status != StatusComputed {
		return Settlement{}, ErrPaid
	}
	st.Status = StatusPaid
	st.PaidAt = &paidAt
	st.UpdatedAt = time.Now()
	m.rows[id] = st
	return st, nil
}

type memRateStore struct {
	mu      sync.Mutex
	configs []rate.Config
}

func (m *memRateStore) Create(_ context.Context, cfg rate.Config) (rate.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.ID = uuid.New()
	cfg.CreatedAt = time.Now()
	m.configs = append(m.configs, cfg)
	return cfg, nil
}

func (m *memRateStore) GetByID(_ context.Context, id uuid.UUID) (rate.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return rate.Config{}, rate.ErrNoActiveConfig
}

func (m *memRateStore) ActiveAt(_ context.Context, at time.Time) (rate.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *rate.Config
	for i := range m.configs {
		cfg := m.configs[i]
		if !cfg.ActiveAt(at) {
			continue
		}
		if best == nil || cfg.EffectiveFrom.After(best.EffectiveFrom) {
			best = &m.configs[i]
		}
	}
	if best == nil {
		return rate.Config{}, rate.ErrNoActiveConfig
	}
	return *best, nil
}

func (m *memRateStore) List(_ context.Context, _, _ int) ([]rate.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rate.Config(nil), m.configs...), nil
}

type memDeductionReader struct {
	mu      sync.Mutex
	applied map[uuid.UUID][]deduction.Deduction
}

func (m *memDeductionReader) addApplied(settlementID uuid.UUID, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		m.applied = map[uuid.UUID][]deduction.Deduction{}
	}
	m.applied[settlementID] = append(m.applied[settlementID], deduction.Deduction{
		ID:     uuid.New(),
		Amount: amount,
		Status: deduction.StatusApplied,
	})
}

func (m *memDeductionReader) ListAppliedToSettlement(_ context.Context, settlementID uuid.UUID) ([]deduction.Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[settlementID], nil
}

type settlementFixture struct {
	svc        *Service
	store      *memSettlementStore
	records    *memRecordStore
	rates      *memRateStore
	deductions *memDeductionReader
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &settlementFixture{
		store:      newMemSettlementStore(),
		records:    newMemRecordStore(),
		rates:      &memRateStore{},
		deductions: &memDeductionReader{},
	}
	locker := lock.Locker{R: client, TTL: time.Second, RetryBackoff: time.Millisecond}
	f.svc = NewService(f.store, f.records, f.rates, f.deductions, locker, nil, zerolog.Nop())
	return f
}

func (f *settlementFixture) addRates(t *testing.T, commissionBps, insuranceBps int32, from time.Time) rate.Config {
	t.Helper()
	cfg, err := f.rates.Create(context.Background(), rate.Config{
		CommissionRateBps: commissionBps,
		InsuranceRateBps:  insuranceBps,
		EffectiveFrom:     from,
	})
	if err != nil {
		t.Fatalf("create rates: %v", err)
	}
	return cfg
}

func standardClosing() ClosingInput {
	return ClosingInput{
		OrderID:        uuid.New(),
		HelperID:       uuid.New(),
		WorkDate:       time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		PricePerUnit:   1_200,
		DeliveredCount: 160,
		ReturnedCount:  10,
	}
}

func TestSubmitClosingComputesPayout(t *testing.T) {
	f := newSettlementFixture(t)
	cfg := f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err != nil {
		t.Fatalf("SubmitClosing: %v", err)
	}

	if st.SupplyAmount != 204_000 {
		t.Fatalf("supply = %d, want 204000", st.SupplyAmount)
	}
	if st.VATAmount != 20_400 {
		t.Fatalf("vat = %d, want 20400", st.VATAmount)
	}
	if st.TotalAmount != 224_400 {
		t.Fatalf("total = %d, want 224400", st.TotalAmount)
	}
	if st.CommissionAmount != 11_220 {
		t.Fatalf("commission = %d, want 11220", st.CommissionAmount)
	}
	if st.InsuranceDeduction != 785 {
		t.Fatalf("insurance = %d, want 785", st.InsuranceDeduction)
	}
	if st.NetAmount != 212_395 {
		t.Fatalf("net = %d, want 212395", st.NetAmount)
	}
	if st.RateConfigID != cfg.ID {
		t.Fatal("rate config id not recorded")
	}
	if st.RateFingerprint != "c500:i70" {
		t.Fatalf("fingerprint = %q", st.RateFingerprint)
	}
	if st.Status != StatusComputed {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestSubmitClosingAmendReplacesSettlement(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	in := standardClosing()
	first, err := f.svc.SubmitClosing(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	in.DeliveredCount = 150
	second, err := f.svc.SubmitClosing(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("amendment created a new settlement row")
	}
	if second.SupplyAmount != 192_000 {
		t.Fatalf("amended supply = %d, want 192000", second.SupplyAmount)
	}
}

func TestPaidSettlementIsFrozen(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	in := standardClosing()
	st, err := f.svc.SubmitClosing(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	paid, err := f.svc.MarkPaid(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != StatusPaid || paid.PaidAt == nil {
		t.Fatalf("paid = %+v", paid)
	}

	// Resubmitting the closing must fail: the record is locked.
	if _, err := f.svc.SubmitClosing(context.Background(), in); err == nil {
		t.Fatal("expected amendment of paid settlement to fail")
	} else if app, ok := common.AsAppError(err); !ok || app.Code != "RECORD_LOCKED" {
		t.Fatalf("err = %v, want RECORD_LOCKED", err)
	}

	// Recomputation must refuse a paid settlement as well.
	if err := f.svc.RecomputeSettlement(context.Background(), st.ID); err == nil {
		t.Fatal("expected recompute of paid settlement to fail")
	} else if app, ok := common.AsAppError(err); !ok || app.Code != "SETTLEMENT_PAID" {
		t.Fatalf("err = %v, want SETTLEMENT_PAID", err)
	}

	// Paying twice is rejected.
	if _, err := f.svc.MarkPaid(context.Background(), st.ID); err == nil {
		t.Fatal("expected second MarkPaid to fail")
	}
}

func TestRecomputeKeepsOriginalRates(t *testing.T) {
	f := newSettlementFixture(t)
	original := f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A newer config becomes active, but recomputation must stick with the
	// config the settlement was first derived from.
	f.addRates(t, 800, 100, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if err := f.svc.RecomputeSettlement(context.Background(), st.ID); err != nil {
		t.Fatalf("RecomputeSettlement: %v", err)
	}
	after, err := f.svc.Get(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.RateConfigID != original.ID {
		t.Fatal("recompute switched rate config")
	}
	if after.CommissionAmount != 11_220 {
		t.Fatalf("commission = %d, want 11220", after.CommissionAmount)
	}
}

func TestRecomputeIncludesAppliedDeductions(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.deductions.addApplied(st.ID, 20_000)

	if err := f.svc.RecomputeSettlement(context.Background(), st.ID); err != nil {
		t.Fatalf("RecomputeSettlement: %v", err)
	}
	after, err := f.svc.Get(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.OtherDeductions != 20_000 {
		t.Fatalf("other deductions = %d, want 20000", after.OtherDeductions)
	}
	if after.NetAmount != 192_395 {
		t.Fatalf("net = %d, want 192395", after.NetAmount)
	}
	if after.NegativePayout {
		t.Fatal("unexpected negative payout flag")
	}
}

func TestNegativePayoutFlagged(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	in := standardClosing()
	in.DeliveredCount = 1
	in.ReturnedCount = 0
	st, err := f.svc.SubmitClosing(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.deductions.addApplied(st.ID, 50_000)

	if err := f.svc.RecomputeSettlement(context.Background(), st.ID); err != nil {
		t.Fatalf("RecomputeSettlement: %v", err)
	}
	after, err := f.svc.Get(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.NegativePayout {
		t.Fatal("negative payout not flagged")
	}
	if after.NetAmount >= 0 {
		t.Fatalf("net = %d, want < 0", after.NetAmount)
	}
}

func TestSubmitClosingWithoutRates(t *testing.T) {
	f := newSettlementFixture(t)

	_, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err == nil {
		t.Fatal("expected error without a rate config")
	}
	app, ok := common.AsAppError(err)
	if !ok || app.Code != "NO_RATE_CONFIG" {
		t.Fatalf("err = %v, want NO_RATE_CONFIG", err)
	}
}

func TestPreviewWithExplicitRates(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	preview, err := f.svc.Preview(context.Background(), st.WorkRecordID, rate.Config{
		CommissionRateBps: 1_000,
		InsuranceRateBps:  70,
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.CommissionAmount != 22_440 {
		t.Fatalf("previewed commission = %d, want 22440", preview.CommissionAmount)
	}
	if preview.ID != uuid.Nil {
		t.Fatal("preview must not be persisted")
	}

	// The stored settlement is untouched.
	stored, err := f.svc.Get(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CommissionAmount != 11_220 {
		t.Fatalf("stored commission = %d, want 11220", stored.CommissionAmount)
	}
}

func TestPreviewDefaultsToActiveRates(t *testing.T) {
	f := newSettlementFixture(t)
	f.addRates(t, 500, 70, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := f.svc.SubmitClosing(context.Background(), standardClosing())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	preview, err := f.svc.Preview(context.Background(), st.WorkRecordID, rate.Config{})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.CommissionAmount != st.CommissionAmount || preview.NetAmount != st.NetAmount {
		t.Fatalf("preview = %+v, want same money as stored settlement", preview)
	}
}

func TestMarkPaidUnknownSettlement(t *testing.T) {
	f := newSettlementFixture(t)

	_, err := f.svc.MarkPaid(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not found")
	}
	if app, ok := common.AsAppError(err); !ok || app.Code != "SETTLEMENT_NOT_FOUND" {
		t.Fatalf("err = %v, want SETTLEMENT_NOT_FOUND", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err chain missing ErrNotFound: %v", err)
	}
}
