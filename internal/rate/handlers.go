package rate

import (
	"encoding/json"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/jimkkun/backend-helper/internal/common"
)

// Handler exposes admin HTTP endpoints for rate configuration.
type Handler struct {
	Service  Store
	Validate *validator.Validate
}

type createRequest struct {
	CommissionRateBps int32      `json:"commission_rate_bps" validate:"gte=0,lte=10000"`
	InsuranceRateBps  int32      `json:"insurance_rate_bps" validate:"gte=0,lte=10000"`
	EffectiveFrom     time.Time  `json:"effective_from" validate:"required"`
	EffectiveTo       *time.Time `json:"effective_to"`
}

// Create handles POST /v1/admin/rate-configs.
func (h Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
	}
	if req.EffectiveTo != nil && !req.EffectiveTo.After(req.EffectiveFrom) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "effective_to must be after effective_from", nil)
		return
	}

	cfg, err := h.Service.Create(r.Context(), Config{
		CommissionRateBps: req.CommissionRateBps,
		InsuranceRateBps:  req.InsuranceRateBps,
		EffectiveFrom:     req.EffectiveFrom,
		EffectiveTo:       req.EffectiveTo,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"rate_config": cfg})
}

// List handles GET /v1/admin/rate-configs.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 50)
	configs, err := h.Service.List(r.Context(), perPage, (page-1)*perPage)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"rate_configs": configs})
}

// Active handles GET /v1/admin/rate-configs/active.
func (h Handler) Active(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "at must be RFC3339", nil)
			return
		}
		at = parsed
	}
	cfg, err := h.Service.ActiveAt(r.Context(), at)
	if err != nil {
		if err == ErrNoActiveConfig {
			common.JSONError(w, http.StatusNotFound, "NO_RATE_CONFIG", "no rate configuration covers the requested time", nil)
			return
		}
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"rate_config": cfg})
}
