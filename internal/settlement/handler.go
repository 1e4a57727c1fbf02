package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/ledger"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/validate"
)

const maxWebhookBytes = 1 << 20

// Enqueuer hands a verified webhook event to background settlement.
// *jobs.Queue satisfies it.
type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error
}

// inline settles webhook events on the request goroutine. It is used when
// no job queue is configured.
type inline struct{ svc *Service }

func (q inline) EnqueueWebhook(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	_, err := q.svc.SettleWebhook(ctx, gatewayName, ev)
	if errors.Is(err, ErrChargeNotFound) {
		return nil
	}
	return err
}

type CreateChargeRequest struct {
	Gateway string           `json:"gateway"`
	PlanID  *uuid.UUID       `json:"plan_id"`
	Amount  *decimal.Decimal `json:"amount"`
}

type AssignRequest struct {
	CustomerID string    `json:"customer_id"`
	PlanID     uuid.UUID `json:"plan_id"`
}

type Handler struct {
	svc       *Service
	queue     Enqueuer
	validator *validate.Validator
	log       *zap.SugaredLogger
}

// NewHandler wires the charge endpoints. A nil queue settles webhooks
// synchronously.
func NewHandler(svc *Service, queue Enqueuer, v *validate.Validator, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if queue == nil {
		queue = inline{svc: svc}
	}
	return &Handler{svc: svc, queue: queue, validator: v, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CreateCharge handles POST /charges.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateChargeRequest
	if err := h.validator.Decode(r, validate.ChargeCreate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := StartRequest{
		AccountID: p.AccountID,
		PlanID:    req.PlanID,
		Gateway:   req.Gateway,
		Platform:  middleware.PlatformFromCtx(r.Context()),
	}
	if req.Amount != nil {
		start.Amount = *req.Amount
	}

	checkout, err := h.svc.StartCharge(r.Context(), start)
	if err != nil {
		status, msg := chargeErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Errorw("start charge", "account_id", p.PublicID, "gateway", req.Gateway, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

func chargeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrUnknownGateway),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountTooSmall):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrPlatformNotAllowed),
		errors.Is(err, ErrTopUpNotAllowed),
		errors.Is(err, ErrAccountInactive):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrPlanUnavailable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrChargeNotFound):
		return http.StatusNotFound, "charge not found"
	case errors.Is(err, ErrChargeNotOpen):
		return http.StatusConflict, err.Error()
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "payment gateway unavailable, try again"
	}
	return http.StatusInternalServerError, "internal error"
}

// ownCharge loads the charge named in the path and checks the caller may
// see it.
func (h *Handler) ownCharge(w http.ResponseWriter, r *http.Request, p *models.Principal) *models.Charge {
	charge, err := h.svc.GetCharge(r.Context(), r.PathValue("ref"))
	if errors.Is(err, ErrChargeNotFound) {
		writeError(w, http.StatusNotFound, "charge not found")
		return nil
	}
	if err != nil {
		h.log.Errorw("load charge", "reference", r.PathValue("ref"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if charge.AccountID != p.AccountID && !p.Role.CanAdminister() {
		writeError(w, http.StatusNotFound, "charge not found")
		return nil
	}
	return charge
}

// GetCharge handles GET /charges/{ref}.
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if charge := h.ownCharge(w, r, p); charge != nil {
		writeJSON(w, http.StatusOK, charge)
	}
}

// VerifyCharge handles POST /charges/{ref}/verify.
func (h *Handler) VerifyCharge(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	charge := h.ownCharge(w, r, p)
	if charge == nil {
		return
	}
	var conf gateway.Confirmation
	if err := h.validator.Decode(r, validate.ChargeVerify, &conf); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Settle(r.Context(), charge.Reference, conf)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, gateway.ErrVerificationFailed):
		body := map[string]any{"error": "payment verification failed"}
		if res != nil {
			body["charge"] = res.Charge
		}
		writeJSON(w, http.StatusPaymentRequired, body)
	case errors.Is(err, gateway.ErrPaymentPending):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": models.ChargePending, "reference": charge.Reference})
	default:
		status, msg := chargeErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Errorw("settle charge", "reference", charge.Reference, "error", err)
		}
		writeError(w, status, msg)
	}
}

// Webhook handles POST /webhooks/{gateway}. The signature is checked
// here; settlement itself runs from the job queue.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("gateway")
	adapter, err := h.svc.Gateways.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	sigHeader, tsHeader := adapter.WebhookHeaders()
	sig := r.Header.Get(sigHeader)
	if sig == "" {
		writeError(w, http.StatusBadRequest, "missing signature")
		return
	}
	var ts string
	if tsHeader != "" {
		ts = r.Header.Get(tsHeader)
	}
	if !adapter.VerifyWebhook(body, sig, ts) {
		h.log.Infow("webhook signature rejected", "gateway", name)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}
	if ev.Kind == gateway.EventIgnored {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := h.queue.EnqueueWebhook(r.Context(), name, ev); err != nil {
		h.log.Errorw("webhook not accepted", "gateway", name, "order_id", ev.OrderID, "error", err)
		if errors.Is(err, gateway.ErrGatewayUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "try again")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// Assign handles POST /reseller/assignments.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req AssignRequest
	if err := h.validator.Decode(r, validate.Assignment, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.svc.AssignPlan(r.Context(), p.AccountID, req.CustomerID, req.PlanID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, a)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient wallet balance")
	case errors.Is(err, ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "customer not found")
	case errors.Is(err, ErrCustomerBlocked), errors.Is(err, ErrPlanUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidAssignment):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.log.Errorw("assign plan", "reseller_id", p.PublicID, "customer_id", req.CustomerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
