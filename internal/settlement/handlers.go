package settlement

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/auth"
	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// Handler exposes HTTP endpoints for closings and settlements.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
}

type extraCostPayload struct {
	Name      string `json:"name" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
	Memo      string `json:"memo"`
	VATExempt bool   `json:"vat_exempt"`
}

type submitClosingRequest struct {
	OrderID         uuid.UUID          `json:"order_id" validate:"required"`
	HelperID        uuid.UUID          `json:"helper_id" validate:"required"`
	WorkDate        string             `json:"work_date" validate:"required,datetime=2006-01-02"`
	PricePerUnit    int64              `json:"price_per_unit" validate:"gte=0"`
	DeliveredCount  int                `json:"delivered_count" validate:"gte=0"`
	ReturnedCount   int                `json:"returned_count" validate:"gte=0"`
	EtcCount        int                `json:"etc_count" validate:"gte=0"`
	EtcPricePerUnit int64              `json:"etc_price_per_unit" validate:"gte=0"`
	ExtraCosts      []extraCostPayload `json:"extra_costs" validate:"dive"`
}

// SubmitClosing handles POST /v1/closings.
func (h Handler) SubmitClosing(w http.ResponseWriter, r *http.Request) {
	var req submitClosingRequest
	if !h.decode(w, r, &req) {
		return
	}
	workDate, err := time.Parse("2006-01-02", req.WorkDate)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "work_date must be YYYY-MM-DD", nil)
		return
	}
	extras := make([]workrecord.ExtraCost, 0, len(req.ExtraCosts))
	for _, e := range req.ExtraCosts {
		extras = append(extras, workrecord.ExtraCost{
			Name:      e.Name,
			Amount:    e.Amount,
			Memo:      e.Memo,
			VATExempt: e.VATExempt,
		})
	}

	st, err := h.Service.SubmitClosing(r.Context(), ClosingInput{
		OrderID:         req.OrderID,
		HelperID:        req.HelperID,
		WorkDate:        workDate,
		PricePerUnit:    req.PricePerUnit,
		DeliveredCount:  req.DeliveredCount,
		ReturnedCount:   req.ReturnedCount,
		EtcCount:        req.EtcCount,
		EtcPricePerUnit: req.EtcPricePerUnit,
		ExtraCosts:      extras,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlement": st})
}

// GetClosing handles GET /v1/closings/{id}. Helpers can only read their
// own closings; admins can read any.
func (h Handler) GetClosing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	rec, err := h.Service.GetClosing(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	if !common.HasRole(r.Context(), auth.RoleAdmin) {
		userID, _ := common.UserID(r.Context())
		if userID != rec.HelperID.String() {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "closing belongs to another helper", nil)
			return
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"closing": rec})
}

type previewRequest struct {
	CommissionRateBps int32 `json:"commission_rate_bps" validate:"gte=0,lte=10000"`
	InsuranceRateBps  int32 `json:"insurance_rate_bps" validate:"gte=0,lte=10000"`
}

// Preview handles POST /v1/admin/settlements/{id}/preview where {id} is a
// work record. The body may carry explicit rates; omitted rates fall back
// to the config active on the work date. Nothing is persisted.
func (h Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	var req previewRequest
	if r.ContentLength > 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	st, err := h.Service.Preview(r.Context(), id, rate.Config{
		CommissionRateBps: req.CommissionRateBps,
		InsuranceRateBps:  req.InsuranceRateBps,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlement": st})
}

// Get handles GET /v1/settlements/{id}.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	st, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlement": st})
}

// GetByWorkRecord handles GET /v1/work-records/{id}/settlement.
func (h Handler) GetByWorkRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	st, err := h.Service.GetByWorkRecord(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlement": st})
}

// ListMine handles GET /v1/helpers/me/settlements?year=&month=.
func (h Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	helperID, err := uuid.Parse(userID)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	from, to, ok := parsePeriod(w, r)
	if !ok {
		return
	}
	settlements, err := h.Service.ListForHelperPeriod(r.Context(), helperID, from, to)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlements": settlements})
}

// MarkPaid handles POST /v1/admin/settlements/{id}/paid.
func (h Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	st, err := h.Service.MarkPaid(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"settlement": st})
}

func parsePeriod(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	year, month := q.Get("year"), q.Get("month")
	if year == "" || month == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "year and month are required", nil)
		return time.Time{}, time.Time{}, false
	}
	start, err := time.Parse("2006-1", year+"-"+month)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid year or month", nil)
		return time.Time{}, time.Time{}, false
	}
	return start, start.AddDate(0, 1, 0), true
}

func (h Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
		return false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(dst); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return false
		}
	}
	return true
}
