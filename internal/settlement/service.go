package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/obs"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// ClosingInput is the closing data a helper (or the order system) submits
// for one order and work date.
type ClosingInput struct {
	OrderID         uuid.UUID
	HelperID        uuid.UUID
	WorkDate        time.Time
	PricePerUnit    int64
	DeliveredCount  int
	ReturnedCount   int
	EtcCount        int
	EtcPricePerUnit int64
	ExtraCosts      []workrecord.ExtraCost
}

// DeductionReader is the slice of the ledger store the settlement service
// needs.
type DeductionReader interface {
	ListAppliedToSettlement(ctx context.Context, settlementID uuid.UUID) ([]deduction.Deduction, error)
}

// Service orchestrates closing submission and payout computation.
type Service struct {
	Store      Store
	Records    workrecord.Store
	Rates      rate.Store
	Deductions DeductionReader
	Locker     lock.Locker
	Bus        *events.Bus
	Logger     zerolog.Logger
	now        func() time.Time
}

// NewService constructs a settlement service.
func NewService(store Store, records workrecord.Store, rates rate.Store, deductions DeductionReader, locker lock.Locker, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		Store:      store,
		Records:    records,
		Rates:      rates,
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

// SubmitClosing stores the closing data and computes (or recomputes) the
// settlement for that work record. A record whose settlement has been paid
// can no longer be amended.
func (s *Service) SubmitClosing(ctx context.Context, in ClosingInput) (Settlement, error) {
	if in.OrderID == uuid.Nil || in.HelperID == uuid.Nil {
		return Settlement{}, common.NewAppError("VALIDATION_ERROR", "order and helper are required", http.StatusBadRequest, nil)
	}
	if in.WorkDate.IsZero() {
		return Settlement{}, common.NewAppError("VALIDATION_ERROR", "work date is required", http.StatusBadRequest, nil)
	}

	var result Settlement
	key := fmt.Sprintf("closing:%s:%s:%s", in.OrderID, in.HelperID, in.WorkDate.Format("2006-01-02"))
	err := s.Locker.WithLock(ctx, key, func(ctx context.Context) error {
		rec, err := s.Records.Upsert(ctx, workrecord.Record{
			OrderID:         in.OrderID,
			HelperID:        in.HelperID,
			WorkDate:        in.WorkDate,
			PricePerUnit:    in.PricePerUnit,
			DeliveredCount:  in.DeliveredCount,
			ReturnedCount:   in.ReturnedCount,
			EtcCount:        in.EtcCount,
			EtcPricePerUnit: in.EtcPricePerUnit,
			ExtraCosts:      in.ExtraCosts,
		})
		if err != nil {
			return err
		}
		rates, err := s.Rates.ActiveAt(ctx, rec.WorkDate)
		if err != nil {
			return err
		}
		result, err = s.computeAndStore(ctx, rec, rates)
		return err
	})
	if err != nil {
		obs.SettlementComputedTotal.WithLabelValues("error").Inc()
		return Settlement{}, mapSettlementError(err)
	}
	obs.SettlementComputedTotal.WithLabelValues("ok").Inc()
	if result.NegativePayout {
		obs.NegativePayoutTotal.Inc()
	}
	s.emit(ctx, events.TopicSettlementComputed, result)
	return result, nil
}

// RecomputeSettlement refreshes a settlement using the rate config it was
// originally computed with. It is invoked after a deduction is applied or
// cancelled, and refuses to touch a paid settlement.
func (s *Service) RecomputeSettlement(ctx context.Context, settlementID uuid.UUID) error {
	err := s.Locker.WithLock(ctx, "settlement:"+settlementID.String(), func(ctx context.Context) error {
		current, err := s.Store.GetByID(ctx, settlementID)
		if err != nil {
			return err
		}
		if current.Status == StatusPaid {
			return ErrPaid
		}
		rec, err := s.Records.GetByID(ctx, current.WorkRecordID)
		if err != nil {
			return err
		}
		rates, err := s.Rates.GetByID(ctx, current.RateConfigID)
		if err != nil {
			return err
		}
		updated, err := s.computeAndStore(ctx, rec, rates)
		if err != nil {
			return err
		}
		if updated.NegativePayout && !current.NegativePayout {
			obs.NegativePayoutTotal.Inc()
		}
		return nil
	})
	if err != nil {
		return mapSettlementError(err)
	}
	return nil
}

// MarkPaid freezes the settlement and locks the underlying work record so
// no further amendment or recomputation is possible.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (Settlement, error) {
	var paid Settlement
	err := s.Locker.WithLock(ctx, "settlement:"+id.String(), func(ctx context.Context) error {
		var err error
		paid, err = s.Store.MarkPaid(ctx, id, s.now())
		if err != nil {
			return err
		}
		return s.Records.Lock(ctx, paid.WorkRecordID)
	})
	if err != nil {
		return Settlement{}, mapSettlementError(err)
	}
	s.emit(ctx, events.TopicSettlementPaid, paid)
	return paid, nil
}

// Get fetches one settlement.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Settlement, error) {
	st, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Settlement{}, mapSettlementError(err)
	}
	return st, nil
}

// GetByWorkRecord fetches the settlement derived from a work record.
func (s *Service) GetByWorkRecord(ctx context.Context, workRecordID uuid.UUID) (Settlement, error) {
	st, err := s.Store.GetByWorkRecordID(ctx, workRecordID)
	if err != nil {
		return Settlement{}, mapSettlementError(err)
	}
	return st, nil
}

// GetClosing returns the stored closing data for a work record.
func (s *Service) GetClosing(ctx context.Context, id uuid.UUID) (workrecord.Record, error) {
	rec, err := s.Records.GetByID(ctx, id)
	if err != nil {
		return workrecord.Record{}, mapSettlementError(err)
	}
	return rec, nil
}

// Preview computes the settlement a work record would produce under the
// given rates without persisting anything. Zero rates fall back to the
// config active on the work date. Deductions already applied to the
// stored settlement still count toward the previewed net.
func (s *Service) Preview(ctx context.Context, workRecordID uuid.UUID, rates rate.Config) (Settlement, error) {
	rec, err := s.Records.GetByID(ctx, workRecordID)
	if err != nil {
		return Settlement{}, mapSettlementError(err)
	}
	if rates.CommissionRateBps == 0 && rates.InsuranceRateBps == 0 {
		rates, err = s.Rates.ActiveAt(ctx, rec.WorkDate)
		if err != nil {
			return Settlement{}, mapSettlementError(err)
		}
	}
	items, err := CalculateLineItems(rec)
	if err != nil {
		return Settlement{}, mapSettlementError(err)
	}
	var applied []deduction.Deduction
	if existing, err := s.Store.GetByWorkRecordID(ctx, rec.ID); err == nil {
		applied, err = s.Deductions.ListAppliedToSettlement(ctx, existing.ID)
		if err != nil {
			return Settlement{}, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Settlement{}, err
	}
	payout := CalculatePayout(items, rates, applied)
	return Settlement{
		WorkRecordID:       rec.ID,
		HelperID:           rec.HelperID,
		RateConfigID:       rates.ID,
		RateFingerprint:    rates.Fingerprint(),
		SupplyAmount:       payout.SupplyAmount,
		VATAmount:          payout.VATAmount,
		TotalAmount:        payout.TotalAmount,
		CommissionAmount:   payout.CommissionAmount,
		InsuranceDeduction: payout.InsuranceDeduction,
		OtherDeductions:    payout.OtherDeductions,
		NetAmount:          payout.NetAmount,
		NegativePayout:     payout.NegativePayout,
	}, nil
}

// ListForHelperPeriod lists a helper's settlements in [from, to).
func (s *Service) ListForHelperPeriod(ctx context.Context, helperID uuid.UUID, from, to time.Time) ([]Settlement, error) {
	return s.Store.ListByHelperPeriod(ctx, helperID, from, to)
}

// computeAndStore runs the calculation pipeline for a record and persists
// the result. Deductions already applied to the existing settlement keep
// contributing to the recomputed net.
func (s *Service) computeAndStore(ctx context.Context, rec workrecord.Record, rates rate.Config) (Settlement, error) {
	items, err := CalculateLineItems(rec)
	if err != nil {
		return Settlement{}, err
	}

	var applied []deduction.Deduction
	if existing, err := s.Store.GetByWorkRecordID(ctx, rec.ID); err == nil {
		applied, err = s.Deductions.ListAppliedToSettlement(ctx, existing.ID)
		if err != nil {
			return Settlement{}, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Settlement{}, err
	}

	payout := CalculatePayout(items, rates, applied)
	return s.Store.Upsert(ctx, Settlement{
		WorkRecordID:       rec.ID,
		HelperID:           rec.HelperID,
		RateConfigID:       rates.ID,
		RateFingerprint:    rates.Fingerprint(),
		SupplyAmount:       payout.SupplyAmount,
		VATAmount:          payout.VATAmount,
		TotalAmount:        payout.TotalAmount,
		CommissionAmount:   payout.CommissionAmount,
		InsuranceDeduction: payout.InsuranceDeduction,
		OtherDeductions:    payout.OtherDeductions,
		NetAmount:          payout.NetAmount,
		NegativePayout:     payout.NegativePayout,
	})
}

func (s *Service) emit(ctx context.Context, topic string, st Settlement) {
	if s.Bus == nil {
		return
	}
	payload := map[string]any{
		"settlement_id":   st.ID,
		"work_record_id":  st.WorkRecordID,
		"helper_id":       st.HelperID,
		"net_amount":      st.NetAmount,
		"negative_payout": st.NegativePayout,
	}
	if _, err := s.Bus.Emit(ctx, topic, st.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("event_emit_failed")
	}
}

func mapSettlementError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("SETTLEMENT_NOT_FOUND", "settlement not found", http.StatusNotFound, err)
	case errors.Is(err, ErrPaid):
		return common.NewAppError("SETTLEMENT_PAID", "settlement has been paid and is frozen", http.StatusConflict, err)
	case errors.Is(err, workrecord.ErrLocked):
		return common.NewAppError("RECORD_LOCKED", "work record can no longer be amended", http.StatusConflict, err)
	case errors.Is(err, workrecord.ErrNotFound):
		return common.NewAppError("RECORD_NOT_FOUND", "work record not found", http.StatusNotFound, err)
	case errors.Is(err, rate.ErrNoActiveConfig):
		return common.NewAppError("NO_RATE_CONFIG", "no rate configuration covers the work date", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrInvalidPricing), errors.Is(err, ErrInvalidExtraCost):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	default:
		return err
	}
}
