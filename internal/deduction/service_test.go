package deduction

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

	"github.com/jimkkun/backend-helper/internal/lock"
)

type memDeductionStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Deduction
}

func newMemDeductionStore() *memDeductionStore {
	return &memDeductionStore{rows: map[uuid.UUID]Deduction{}}
}

func (m *memDeductionStore) Create(_ context.Context, d Deduction) (Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Amount <= 0 {
		return Deduction{}, ErrInvalidAmount
	}
	d.ID = uuid.New()
	d.Status = StatusPending
	d.Version = 1
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.rows[d.ID] = d
	return d, nil
}

func (m *memDeductionStore) GetByID(_ context.Context, id uuid.UUID) (Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return Deduction{}, ErrNotFound
	}
	return d, nil
}

func (m *memDeductionStore) ListByTarget(_ context.Context, kind TargetKind, targetID uuid.UUID, status Status, _, _ int) ([]Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deduction
	for _, d := range m.rows {
		if d.TargetKind == kind && d.TargetID == targetID && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDeductionStore) ListPendingForTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID) ([]Deduction, error) {
	return m.ListByTarget(ctx, kind, targetID, StatusPending, 0, 0)
}

func (m *memDeductionStore) ListAppliedToSettlement(_ context.Context, settlementID uuid.UUID) ([]Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deduction
	for _, d := range m.rows {
		if d.Status == StatusApplied && d.AppliedToSettlementID != nil && *d.AppliedToSettlementID == settlementID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDeductionStore) Apply(_ context.Context, id uuid.UUID, version int32, settlementID uuid.UUID, at time.Time) (Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return Deduction{}, ErrNotFound
	}
	if d.Status != StatusPending {
		return Deduction{}, ErrInvalidDeductionState
	}
	if d.Version != version {
		return Deduction{}, ErrVersionConflict
	}
	d.Status = StatusApplied
	d.AppliedToSettlementID = &settlementID
	d.AppliedAt = &at
	d.Version++
	m.rows[id] = d
	return d, nil
}

func (m *memDeductionStore) Cancel(_ context.Context, id uuid.UUID, version int32, reason string, at time.Time) (Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return Deduction{}, ErrNotFound
	}
	if d.Status != StatusPending {
		return Deduction{}, ErrInvalidDeductionState
	}
	if d.Version != version {
		return Deduction{}, ErrVersionConflict
	}
	d.Status = StatusCancelled
	d.CancelledAt = &at
	d.CancelReason = reason
	d.Version++
	m.rows[id] = d
	return d, nil
}

type recompRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recompRecorder) RecomputeSettlement(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func newLedgerService(t *testing.T) (*Service, *memDeductionStore, *recompRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemDeductionStore()
	recomp := &recompRecorder{}
	locker := lock.Locker{R: client, TTL: time.Second, RetryBackoff: time.Millisecond}
	svc := NewService(store, locker, nil, recomp, zerolog.Nop())
	return svc, store, recomp
}

func pendingEntry(t *testing.T, svc *Service, amount int64) Deduction {
	t.Helper()
	d, err := svc.Create(context.Background(), CreateInput{
		TargetKind: "helper",
		TargetID:   uuid.New(),
		Category:   "damage",
		Amount:     amount,
		Reason:     "broken parcel",
		CreatedBy:  uuid.New(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func TestApplyPendingDeduction(t *testing.T) {
	svc, _, recomp := newLedgerService(t)
	d := pendingEntry(t, svc, 20_000)
	settlementID := uuid.New()

	applied, err := svc.Apply(context.Background(), d.ID, settlementID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Status != StatusApplied {
		t.Fatalf("status = %s, want applied", applied.Status)
	}
	if applied.AppliedToSettlementID == nil || *applied.AppliedToSettlementID != settlementID {
		t.Fatal("applied settlement id not recorded")
	}
	if applied.Version != 2 {
		t.Fatalf("version = %d, want 2", applied.Version)
	}
	if len(recomp.ids) != 1 || recomp.ids[0] != settlementID {
		t.Fatalf("recompute calls = %v", recomp.ids)
	}
}

func TestCancelAppliedDeductionRejected(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	d := pendingEntry(t, svc, 20_000)
	if _, err := svc.Apply(context.Background(), d.ID, uuid.New()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	_, err := svc.Cancel(context.Background(), d.ID, "mistake")
	if err == nil {
		t.Fatal("expected invalid state error")
	}
	if !errors.Is(err, ErrInvalidDeductionState) {
		t.Fatalf("err = %v, want ErrInvalidDeductionState", err)
	}
}

func TestApplyTwiceRejected(t *testing.T) {
	svc, _, recomp := newLedgerService(t)
	d := pendingEntry(t, svc, 5_000)
	settlementID := uuid.New()

	if _, err := svc.Apply(context.Background(), d.ID, settlementID); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := svc.Apply(context.Background(), d.ID, settlementID); err == nil {
		t.Fatal("expected error on second apply")
	}
	if len(recomp.ids) != 1 {
		t.Fatalf("recompute calls = %d, want 1", len(recomp.ids))
	}
}

func TestCancelPendingDeduction(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	d := pendingEntry(t, svc, 5_000)

	cancelled, err := svc.Cancel(context.Background(), d.ID, "duplicate entry")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelReason != "duplicate entry" {
		t.Fatalf("cancel reason = %q", cancelled.CancelReason)
	}
	if cancelled.CancelledAt == nil {
		t.Fatal("cancelled_at not set")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"zero amount", CreateInput{TargetKind: "helper", TargetID: uuid.New(), Category: "damage", Amount: 0, Reason: "x", CreatedBy: uuid.New()}},
		{"negative amount", CreateInput{TargetKind: "helper", TargetID: uuid.New(), Category: "damage", Amount: -100, Reason: "x", CreatedBy: uuid.New()}},
		{"bad kind", CreateInput{TargetKind: "vendor", TargetID: uuid.New(), Category: "damage", Amount: 100, Reason: "x", CreatedBy: uuid.New()}},
		{"bad category", CreateInput{TargetKind: "helper", TargetID: uuid.New(), Category: "weather", Amount: 100, Reason: "x", CreatedBy: uuid.New()}},
		{"missing reason", CreateInput{TargetKind: "helper", TargetID: uuid.New(), Category: "damage", Amount: 100, Reason: " ", CreatedBy: uuid.New()}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, tc.in); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestConcurrentApplySingleWinner(t *testing.T) {
	svc, store, _ := newLedgerService(t)
	d := pendingEntry(t, svc, 10_000)
	settlementID := uuid.New()

	const workers = 8
	var wg sync.WaitGroup
	var successes, failures sync.Map
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Apply(context.Background(), d.ID, settlementID); err == nil {
				successes.Store(i, true)
			} else {
				failures.Store(i, err)
			}
		}(i)
	}
	wg.Wait()

	var winCount int
	successes.Range(func(any, any) bool { winCount++; return true })
	if winCount != 1 {
		t.Fatalf("winners = %d, want exactly 1", winCount)
	}

	final, err := store.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusApplied || final.Version != 2 {
		t.Fatalf("final = %s v%d, want applied v2", final.Status, final.Version)
	}
}

func TestAppliedTotalIgnoresNonApplied(t *testing.T) {
	applied := StatusApplied
	entries := []Deduction{
		{Amount: 20_000, Status: applied},
		{Amount: 5_000, Status: StatusPending},
		{Amount: 7_000, Status: StatusCancelled},
	}
	if got := AppliedTotal(entries); got != 20_000 {
		t.Fatalf("AppliedTotal = %d, want 20000", got)
	}
}
