package statement

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jimkkun/backend-helper/internal/common"
)

// Handler exposes HTTP endpoints for monthly statements.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
}

type buildRequest struct {
	HelperID uuid.UUID `json:"helper_id" validate:"required"`
	Year     int       `json:"year" validate:"required,gte=2000,lte=2100"`
	Month    int       `json:"month" validate:"required,gte=1,lte=12"`
}

// Build handles POST /v1/admin/statements.
func (h Handler) Build(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.Build(r.Context(), req.HelperID, Period{Year: req.Year, Month: req.Month})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

type buildMonthRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=2100"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

// BuildMonth handles POST /v1/admin/statements/build-month.
func (h Handler) BuildMonth(w http.ResponseWriter, r *http.Request) {
	var req buildMonthRequest
	if !h.decode(w, r, &req) {
		return
	}
	built, err := h.Service.BuildMonth(r.Context(), Period{Year: req.Year, Month: req.Month})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"built": built})
}

// Send handles POST /v1/admin/statements/{id}/send.
func (h Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.Service.Send(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

type reviseRequest struct {
	AllowHistoricalRates bool `json:"allow_historical_rates"`
}

// Revise handles POST /v1/admin/statements/{id}/revise.
func (h Handler) Revise(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviseRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.Revise(r.Context(), ReviseInput{
		StatementID:          id,
		AllowHistoricalRates: req.AllowHistoricalRates,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

// Get handles GET /v1/admin/statements/{id}.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

// GetMine handles GET /v1/helpers/me/statements/{id}; opening a sent
// statement records the first view.
func (h Handler) GetMine(w http.ResponseWriter, r *http.Request) {
	helperID, ok := authedHelper(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.Service.GetForHelper(r.Context(), helperID, id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

// ListMine handles GET /v1/helpers/me/statements.
func (h Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	helperID, ok := authedHelper(w, r)
	if !ok {
		return
	}
	page, perPage := common.ParsePagination(r, 24)
	statements, err := h.Service.ListForHelper(r.Context(), helperID, perPage, (page-1)*perPage)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statements": statements})
}

// GetCurrent handles GET /v1/admin/helpers/{id}/statements/current?year=&month=.
func (h Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	helperID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id must be a uuid", nil)
		return
	}
	year, errY := strconv.Atoi(r.URL.Query().Get("year"))
	month, errM := strconv.Atoi(r.URL.Query().Get("month"))
	if errY != nil || errM != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "year and month are required", nil)
		return
	}
	st, err := h.Service.GetCurrent(r.Context(), helperID, Period{Year: year, Month: month})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"statement": st})
}

func authedHelper(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
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

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
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
