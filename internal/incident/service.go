package incident

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
	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/lock"
)

// DeductionCreator opens ledger entries for resolved incidents.
type DeductionCreator interface {
	Create(ctx context.Context, in deduction.CreateInput) (deduction.Deduction, error)
}

// ReportInput carries the fields needed to file an incident.
type ReportInput struct {
	OrderID      uuid.UUID
	HelperID     uuid.UUID
	Kind         string
	Description  string
	DamageAmount int64
	ReportedBy   uuid.UUID
}

// ResolveInput carries the resolution decision. When ChargeAmount is
// positive a pending deduction is opened against the helper.
type ResolveInput struct {
	IncidentID   uuid.UUID
	ChargeAmount int64
	Reason       string
	ResolvedBy   uuid.UUID
}

// Service manages the incident lifecycle and its handoff to the deduction
// ledger.
type Service struct {
	Store      Store
	Deductions DeductionCreator
	Locker     lock.Locker
	Bus        *events.Bus
	Logger     zerolog.Logger
	now        func() time.Time
}

// NewService constructs an incident service.
func NewService(store Store, deductions DeductionCreator, locker lock.Locker, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		Store:      store,
		Deductions: deductions,
		Locker:     locker,
		Bus:        bus,
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

// Report files a new open incident.
func (s *Service) Report(ctx context.Context, in ReportInput) (Incident, error) {
	kind, err := ParseKind(in.Kind)
	if err != nil {
		return Incident{}, common.NewAppError("VALIDATION_ERROR", "kind must be damage, loss, delay or other", http.StatusBadRequest, err)
	}
	if in.OrderID == uuid.Nil || in.HelperID == uuid.Nil || in.ReportedBy == uuid.Nil {
		return Incident{}, common.NewAppError("VALIDATION_ERROR", "order, helper and reporter are required", http.StatusBadRequest, nil)
	}
	if in.DamageAmount < 0 {
		return Incident{}, common.NewAppError("VALIDATION_ERROR", "damage amount must not be negative", http.StatusBadRequest, nil)
	}
	if strings.TrimSpace(in.Description) == "" {
		return Incident{}, common.NewAppError("VALIDATION_ERROR", "description is required", http.StatusBadRequest, nil)
	}

	created, err := s.Store.Create(ctx, Incident{
		OrderID:      in.OrderID,
		HelperID:     in.HelperID,
		Kind:         kind,
		Description:  strings.TrimSpace(in.Description),
		DamageAmount: in.DamageAmount,
		ReportedBy:   in.ReportedBy,
	})
	if err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	return created, nil
}

// Resolve closes an open incident. A positive charge amount opens a pending
// deduction against the helper; applying it against a settlement stays a
// separate admin step.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Incident, error) {
	if in.ChargeAmount < 0 {
		return Incident{}, common.NewAppError("VALIDATION_ERROR", "charge amount must not be negative", http.StatusBadRequest, nil)
	}
	var resolved Incident
	err := s.Locker.WithLock(ctx, "incident:"+in.IncidentID.String(), func(ctx context.Context) error {
		current, err := s.Store.GetByID(ctx, in.IncidentID)
		if err != nil {
			return err
		}
		if current.Status != StatusOpen {
			return ErrNotOpen
		}

		var deductionID *uuid.UUID
		if in.ChargeAmount > 0 {
			reason := strings.TrimSpace(in.Reason)
			if reason == "" {
				reason = current.Description
			}
			d, err := s.Deductions.Create(ctx, deduction.CreateInput{
				TargetKind: string(deduction.TargetHelper),
				TargetID:   current.HelperID,
				OrderID:    &current.OrderID,
				IncidentID: &current.ID,
				Category:   categoryForKind(current.Kind),
				Amount:     in.ChargeAmount,
				Reason:     reason,
				CreatedBy:  in.ResolvedBy,
			})
			if err != nil {
				return err
			}
			deductionID = &d.ID
		}

		resolved, err = s.Store.Resolve(ctx, in.IncidentID, deductionID, s.now())
		return err
	})
	if err != nil {
		return Incident{}, mapIncidentError(err)
	}
	s.emit(ctx, resolved)
	return resolved, nil
}

// Dismiss closes an open incident without any charge.
func (s *Service) Dismiss(ctx context.Context, id uuid.UUID) (Incident, error) {
	var dismissed Incident
	err := s.Locker.WithLock(ctx, "incident:"+id.String(), func(ctx context.Context) error {
		var err error
		dismissed, err = s.Store.Dismiss(ctx, id, s.now())
		return err
	})
	if err != nil {
		return Incident{}, mapIncidentError(err)
	}
	return dismissed, nil
}

// Get fetches one incident.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Incident, error) {
	inc, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Incident{}, mapIncidentError(err)
	}
	return inc, nil
}

// ListForHelper pages through a helper's incidents.
func (s *Service) ListForHelper(ctx context.Context, helperID uuid.UUID, status Status, limit, offset int) ([]Incident, error) {
	return s.Store.ListByHelper(ctx, helperID, status, limit, offset)
}

// categoryForKind maps the incident classification onto the ledger's
// deduction categories.
func categoryForKind(kind Kind) string {
	switch kind {
	case KindDamage, KindLoss:
		return string(deduction.CategoryDamage)
	case KindDelay:
		return string(deduction.CategoryDelay)
	default:
		return string(deduction.CategoryOther)
	}
}

func (s *Service) emit(ctx context.Context, inc Incident) {
	if s.Bus == nil {
		return
	}
	payload := map[string]any{
		"incident_id": inc.ID,
		"order_id":    inc.OrderID,
		"helper_id":   inc.HelperID,
		"kind":        inc.Kind,
		"status":      inc.Status,
	}
	if inc.DeductionID != nil {
		payload["deduction_id"] = *inc.DeductionID
	}
	if _, err := s.Bus.Emit(ctx, events.TopicIncidentResolved, inc.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Msg("event_emit_failed")
	}
}

func mapIncidentError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("INCIDENT_NOT_FOUND", "incident not found", http.StatusNotFound, err)
	case errors.Is(err, ErrNotOpen):
		return common.NewAppError("INCIDENT_NOT_OPEN", "incident was already resolved or dismissed", http.StatusConflict, err)
	default:
		return err
	}
}
