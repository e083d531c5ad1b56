package incident

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/common"
)

// Handler exposes HTTP endpoints for incident reports.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
}

type reportRequest struct {
	OrderID      uuid.UUID `json:"order_id" validate:"required"`
	HelperID     uuid.UUID `json:"helper_id" validate:"required"`
	Kind         string    `json:"kind" validate:"required,oneof=damage loss delay other"`
	Description  string    `json:"description" validate:"required"`
	DamageAmount int64     `json:"damage_amount" validate:"gte=0"`
}

// Report handles POST /v1/incidents.
func (h Handler) Report(w http.ResponseWriter, r *http.Request) {
	reporter, ok := requestUser(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if !h.decode(w, r, &req) {
		return
	}
	inc, err := h.Service.Report(r.Context(), ReportInput{
		OrderID:      req.OrderID,
		HelperID:     req.HelperID,
		Kind:         req.Kind,
		Description:  req.Description,
		DamageAmount: req.DamageAmount,
		ReportedBy:   reporter,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"incident": inc})
}

type resolveRequest struct {
	ChargeAmount int64  `json:"charge_amount" validate:"gte=0"`
	Reason       string `json:"reason"`
}

// Resolve handles POST /v1/admin/incidents/{id}/resolve.
func (h Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	resolver, ok := requestUser(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	inc, err := h.Service.Resolve(r.Context(), ResolveInput{
		IncidentID:   id,
		ChargeAmount: req.ChargeAmount,
		Reason:       req.Reason,
		ResolvedBy:   resolver,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"incident": inc})
}

// Dismiss handles POST /v1/admin/incidents/{id}/dismiss.
func (h Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	inc, err := h.Service.Dismiss(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"incident": inc})
}

// Get handles GET /v1/incidents/{id}.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	inc, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"incident": inc})
}

// ListForHelper handles GET /v1/helpers/{id}/incidents.
func (h Handler) ListForHelper(w http.ResponseWriter, r *http.Request) {
	helperID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	status := Status(r.URL.Query().Get("status"))
	page, perPage := common.ParsePagination(r, 50)
	incidents, err := h.Service.ListForHelper(r.Context(), helperID, status, perPage, (page-1)*perPage)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func requestUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
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
