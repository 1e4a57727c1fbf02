// Package dashboard serves read-mostly views of the caller's own account
// and the operator's wallet tools: reconciliation and manual adjustments.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/ledger"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
	"github.com/streamvault/entitlements/internal/validate"
)

type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByPublicID(ctx context.Context, publicID string) (*models.Account, error)
}

// Wallet is the ledger surface the dashboard needs. *ledger.Service
// satisfies it.
type Wallet interface {
	Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	History(ctx context.Context, accountID uuid.UUID) ([]*models.WalletTransaction, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (*ledger.Reconciliation, error)
	CreditStandalone(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description, externalRef string) (*models.WalletTransaction, bool, error)
	DebitStandalone(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*models.WalletTransaction, error)
}

// DeviceLimits resolves an account's effective device limit.
// *registry.Service satisfies it.
type DeviceLimits interface {
	EffectiveLimit(ctx context.Context, acc *models.Account) (int, error)
}

type MeResponse struct {
	*models.Account
	SubscriptionActive bool `json:"subscription_active"`
	EffectiveDevices   int  `json:"effective_device_limit"`
}

type WalletResponse struct {
	Balance      decimal.Decimal             `json:"balance"`
	Transactions []*models.WalletTransaction `json:"transactions"`
}

// AdjustmentRequest is an operator's manual wallet correction. Reference
// makes a credit idempotent; a debit records it as its reference id.
type AdjustmentRequest struct {
	Type        models.WalletTxType `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	Description string              `json:"description"`
	Reference   string              `json:"reference"`
}

type AdjustmentResponse struct {
	Transaction *models.WalletTransaction `json:"transaction"`
	Duplicate   bool                      `json:"duplicate"`
}

type Handler struct {
	accounts  AccountReader
	wallet    Wallet
	devices   DeviceLimits
	validator *validate.Validator
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewHandler(accounts AccountReader, wallet Wallet, devices DeviceLimits, v *validate.Validator, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{accounts: accounts, wallet: wallet, devices: devices, validator: v, now: time.Now, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) *models.Account {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	acc, err := h.accounts.GetByID(r.Context(), p.AccountID)
	if err != nil {
		h.log.Errorw("get account failed", "account_id", p.PublicID, "error", err)
		writeError(w, http.StatusNotFound, "account not found")
		return nil
	}
	return acc
}

// GetMe handles GET /account/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	acc := h.caller(w, r)
	if acc == nil {
		return
	}
	limit, err := h.devices.EffectiveLimit(r.Context(), acc)
	if err != nil {
		h.log.Errorw("resolve device limit", "account_id", acc.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		Account:            acc,
		SubscriptionActive: acc.SubscriptionActive(h.now()),
		EffectiveDevices:   limit,
	})
}

// GetWallet handles GET /wallet: the balance and the ledger, oldest first.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	acc := h.caller(w, r)
	if acc == nil {
		return
	}
	balance, err := h.wallet.Balance(r.Context(), acc.ID)
	if err != nil {
		h.log.Errorw("read wallet balance", "account_id", acc.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	entries, err := h.wallet.History(r.Context(), acc.ID)
	if err != nil {
		h.log.Errorw("list wallet ledger", "account_id", acc.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*models.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, WalletResponse{Balance: balance, Transactions: entries})
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) *models.Account {
	acc, err := h.accounts.GetByPublicID(r.Context(), r.PathValue("publicId"))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return nil
	}
	if err != nil {
		h.log.Errorw("load account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return acc
}

// Reconcile handles GET /admin/accounts/{publicId}/wallet/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	acc := h.target(w, r)
	if acc == nil {
		return
	}
	rec, err := h.wallet.Reconcile(r.Context(), acc.ID)
	if err != nil {
		h.log.Errorw("reconcile wallet", "account_id", acc.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !rec.Consistent {
		h.log.Errorw("wallet ledger inconsistent",
			"account_id", acc.PublicID,
			"stored", rec.Stored.StringFixed(2),
			"replayed", rec.Replayed.StringFixed(2),
			"first_mismatch", rec.FirstMismatch,
		)
	}
	writeJSON(w, http.StatusOK, rec)
}

// Adjust handles POST /admin/accounts/{publicId}/wallet/adjustments.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := h.validator.Decode(r, validate.WalletAdjustment, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc := h.target(w, r)
	if acc == nil {
		return
	}
	if !acc.Role.CanManageWallet() {
		writeError(w, http.StatusConflict, "account has no wallet")
		return
	}
	if req.Description == "" {
		req.Description = "Manual " + string(req.Type)
	}

	var (
		entry *models.WalletTransaction
		dup   bool
		err   error
	)
	if req.Type == models.WalletCredit {
		entry, dup, err = h.wallet.CreditStandalone(r.Context(), acc.ID, req.Amount, req.Description, req.Reference)
	} else {
		entry, err = h.wallet.DebitStandalone(r.Context(), acc.ID, req.Amount, req.Description, req.Reference)
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient wallet balance")
		return
	case err != nil:
		h.log.Errorw("wallet adjustment failed", "account_id", acc.PublicID, "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	} else {
		h.log.Infow("wallet adjusted",
			"account_id", acc.PublicID,
			"type", req.Type,
			"amount", req.Amount.StringFixed(2),
			"reference", req.Reference,
			"balance_after", entry.BalanceAfter.StringFixed(2),
		)
	}
	writeJSON(w, status, AdjustmentResponse{Transaction: entry, Duplicate: dup})
}
