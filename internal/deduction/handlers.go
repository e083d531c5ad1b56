package deduction

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/common"
)

// Handler exposes admin HTTP endpoints for the deduction ledger.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
}

type createDeductionRequest struct {
	TargetKind string     `json:"target_kind" validate:"required,oneof=helper requester"`
	TargetID   uuid.UUID  `json:"target_id" validate:"required"`
	OrderID    *uuid.UUID `json:"order_id"`
	Category   string     `json:"category" validate:"required,oneof=damage delay dispute other"`
	Amount     int64      `json:"amount" validate:"required,gt=0"`
	Reason     string     `json:"reason" validate:"required"`
	Memo       string     `json:"memo"`
}

type applyDeductionRequest struct {
	SettlementID uuid.UUID `json:"settlement_id" validate:"required"`
}

type cancelDeductionRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /v1/admin/deductions.
func (h Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDeductionRequest
	if !h.decode(w, r, &req) {
		return
	}
	adminID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	createdBy, err := uuid.Parse(adminID)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	d, err := h.Service.Create(r.Context(), CreateInput{
		TargetKind: req.TargetKind,
		TargetID:   req.TargetID,
		OrderID:    req.OrderID,
		Category:   req.Category,
		Amount:     req.Amount,
		Reason:     req.Reason,
		Memo:       req.Memo,
		CreatedBy:  createdBy,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"deduction": d})
}

// Apply handles POST /v1/admin/deductions/{id}/apply.
func (h Handler) Apply(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req applyDeductionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Service.Apply(r.Context(), id, req.SettlementID)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"deduction": d})
}

// Cancel handles POST /v1/admin/deductions/{id}/cancel.
func (h Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req cancelDeductionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
		return
	}
	d, err := h.Service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"deduction": d})
}

// Get handles GET /v1/admin/deductions/{id}.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	d, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"deduction": d})
}

// ListForTarget handles GET /v1/admin/deductions?target_kind=&target_id=&status=.
func (h Handler) ListForTarget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := TargetKind(q.Get("target_kind"))
	if kind != TargetHelper && kind != TargetRequester {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "target_kind must be helper or requester", nil)
		return
	}
	targetID, err := uuid.Parse(q.Get("target_id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "target_id must be a uuid", nil)
		return
	}
	var status Status
	if raw := q.Get("status"); raw != "" {
		status, err = ParseStatus(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status filter", nil)
			return
		}
	}
	page, perPage := common.ParsePagination(r, 50)
	entries, err := h.Service.ListForTarget(r.Context(), kind, targetID, status, perPage, (page-1)*perPage)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"deductions": entries})
}

func (h Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return uuid.Nil, false
	}
	return id, true
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
