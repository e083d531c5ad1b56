package deduction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/obs"
)

// Recomputer refreshes a settlement's totals after its applied deductions
// change.
type Recomputer interface {
	RecomputeSettlement(ctx context.Context, settlementID uuid.UUID) error
}

// CreateInput carries the fields needed to open a ledger entry.
type CreateInput struct {
	TargetKind string
	TargetID   uuid.UUID
	OrderID    *uuid.UUID
	IncidentID *uuid.UUID
	Category   string
	Amount     int64
	Reason     string
	Memo       string
	CreatedBy  uuid.UUID
}

// Service coordinates ledger transitions under a per-deduction lock.
type Service struct {
	Store      Store
	Locker     lock.Locker
	Bus        *events.Bus
	Recomputer Recomputer
	Logger     zerolog.Logger
	now        func() time.Time
}

// NewService constructs a deduction service.
func NewService(store Store, locker lock.Locker, bus *events.Bus, recomputer Recomputer, logger zerolog.Logger) *Service {
	return &Service{
		Store:      store,
		Locker:     locker,
		Bus:        bus,
		Recomputer: recomputer,
		Logger:     logger,
		now:        time.Now,
	}
}

// WithNow lets tests override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new pending ledger entry.
func (s *Service) Create(ctx context.Context, in CreateInput) (Deduction, error) {
	kind := TargetKind(strings.ToLower(strings.TrimSpace(in.TargetKind)))
	if kind != TargetHelper && kind != TargetRequester {
		return Deduction{}, common.NewAppError("VALIDATION_ERROR", "target kind must be helper or requester", http.StatusBadRequest, nil)
	}
	category, err := ParseCategory(in.Category)
	if err != nil {
		return Deduction{}, common.NewAppError("VALIDATION_ERROR", "unknown deduction category", http.StatusBadRequest, err)
	}
	if in.Amount <= 0 {
		return Deduction{}, common.NewAppError("INVALID_AMOUNT", "deduction amount must be positive", http.StatusBadRequest, ErrInvalidAmount)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Deduction{}, common.NewAppError("VALIDATION_ERROR", "reason is required", http.StatusBadRequest, nil)
	}
	if in.TargetID == uuid.Nil || in.CreatedBy == uuid.Nil {
		return Deduction{}, common.NewAppError("VALIDATION_ERROR", "target and creator are required", http.StatusBadRequest, nil)
	}

	created, err := s.Store.Create(ctx, Deduction{
		TargetKind: kind,
		TargetID:   in.TargetID,
		OrderID:    in.OrderID,
		IncidentID: in.IncidentID,
		Category:   category,
		Amount:     in.Amount,
		Reason:     strings.TrimSpace(in.Reason),
		Memo:       strings.TrimSpace(in.Memo),
		CreatedBy:  in.CreatedBy,
	})
	if err != nil {
		return Deduction{}, fmt.Errorf("create deduction: %w", err)
	}
	s.emit(ctx, events.TopicDeductionCreated, created)
	return created, nil
}

// Apply transitions a pending deduction to applied against a settlement and
// triggers a recompute of that settlement's net payout.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, settlementID uuid.UUID) (Deduction, error) {
	if settlementID == uuid.Nil {
		return Deduction{}, common.NewAppError("VALIDATION_ERROR", "settlement id is required", http.StatusBadRequest, nil)
	}
	var applied Deduction
	err := s.Locker.WithLock(ctx, "deduction:"+id.String(), func(ctx context.Context) error {
		current, err := s.Store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.CanTransition() {
			return ErrInvalidDeductionState
		}
		applied, err = s.Store.Apply(ctx, id, current.Version, settlementID, s.now())
		return err
	})
	if err != nil {
		obs.DeductionTransitionsTotal.WithLabelValues(string(StatusApplied), "error").Inc()
		return Deduction{}, mapLedgerError(err)
	}
	obs.DeductionTransitionsTotal.WithLabelValues(string(StatusApplied), "ok").Inc()
	s.emit(ctx, events.TopicDeductionApplied, applied)
	s.recompute(ctx, settlementID)
	return applied, nil
}

// Cancel transitions a pending deduction to cancelled. Applied deductions
// cannot be cancelled; they require a compensating entry.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (Deduction, error) {
	var cancelled Deduction
	err := s.Locker.WithLock(ctx, "deduction:"+id.String(), func(ctx context.Context) error {
		current, err := s.Store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.CanTransition() {
			return ErrInvalidDeductionState
		}
		cancelled, err = s.Store.Cancel(ctx, id, current.Version, strings.TrimSpace(reason), s.now())
		return err
	})
	if err != nil {
		obs.DeductionTransitionsTotal.WithLabelValues(string(StatusCancelled), "error").Inc()
		return Deduction{}, mapLedgerError(err)
	}
	obs.DeductionTransitionsTotal.WithLabelValues(string(StatusCancelled), "ok").Inc()
	s.emit(ctx, events.TopicDeductionCancelled, cancelled)
	return cancelled, nil
}

// Get fetches one ledger entry.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Deduction, error) {
	d, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Deduction{}, mapLedgerError(err)
	}
	return d, nil
}

// ListForTarget pages through a target's ledger entries.
func (s *Service) ListForTarget(ctx context.Context, kind TargetKind, targetID uuid.UUID, status Status, limit, offset int) ([]Deduction, error) {
	return s.Store.ListByTarget(ctx, kind, targetID, status, limit, offset)
}

func (s *Service) recompute(ctx context.Context, settlementID uuid.UUID) {
	if s.Recomputer == nil {
		return
	}
	if err := s.Recomputer.RecomputeSettlement(ctx, settlementID); err != nil {
		s.Logger.Error().Err(err).Str("settlement_id", settlementID.String()).Msg("settlement_recompute_failed")
	}
}

func (s *Service) emit(ctx context.Context, topic string, d Deduction) {
	if s.Bus == nil {
		return
	}
	payload := map[string]any{
		"deduction_id": d.ID,
		"target_kind":  d.TargetKind,
		"target_id":    d.TargetID,
		"category":     d.Category,
		"amount":       d.Amount,
		"status":       d.Status,
	}
	if _, err := s.Bus.Emit(ctx, topic, d.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("event_emit_failed")
	}
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("DEDUCTION_NOT_FOUND", "deduction not found", http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidDeductionState):
		return common.NewAppError("INVALID_DEDUCTION_STATE", "deduction is no longer pending", http.StatusConflict, err)
	case errors.Is(err, ErrVersionConflict):
		return common.NewAppError("VERSION_CONFLICT", "deduction was modified concurrently", http.StatusConflict, err)
	case errors.Is(err, ErrInvalidAmount):
		return common.NewAppError("INVALID_AMOUNT", "deduction amount must be positive", http.StatusBadRequest, err)
	default:
		return err
	}
}
