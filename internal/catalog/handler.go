package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/validate"
)

type RepriceRequest struct {
	Price         decimal.Decimal `json:"price"`
	ResellerPrice decimal.Decimal `json:"reseller_price"`
}

type Handler struct {
	svc       *Service
	validator *validate.Validator
	log       *zap.SugaredLogger
}

func NewHandler(svc *Service, v *validate.Validator, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, validator: v, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// List handles GET /plans.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.log.Errorw("list plans", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// Reprice handles POST /admin/plans/{id}/reprice.
func (h *Handler) Reprice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}
	var req RepriceRequest
	if err := h.validator.Decode(r, validate.Reprice, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := h.svc.Reprice(r.Context(), id, req.Price, req.ResellerPrice)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, plan)
	case errors.Is(err, ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "plan not found")
	case errors.Is(err, ErrPlanArchived), errors.Is(err, ErrPendingCharges):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Errorw("reprice plan", "plan_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
