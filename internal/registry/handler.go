package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

// AccountLookup resolves the public id used in admin URLs.
type AccountLookup interface {
	GetByPublicID(ctx context.Context, publicID string) (*models.Account, error)
}

type SessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Limit    int               `json:"limit"`
}

// Handler serves the operator endpoints of the session registry. Callers
// manage their own sessions through the auth handler.
type Handler struct {
	svc      *Service
	accounts AccountLookup
	log      *zap.SugaredLogger
}

func NewHandler(svc *Service, accounts AccountLookup, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, accounts: accounts, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) *models.Account {
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

// ListForAccount handles GET /admin/accounts/{publicId}/sessions.
func (h *Handler) ListForAccount(w http.ResponseWriter, r *http.Request) {
	acc := h.account(w, r)
	if acc == nil {
		return
	}
	sessions, err := h.svc.List(r.Context(), acc.ID)
	if err != nil {
		h.log.Errorw("list sessions", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	limit, err := h.svc.EffectiveLimit(r.Context(), acc)
	if err != nil {
		h.log.Errorw("resolve device limit", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions, Limit: limit})
}

// EvictOldest handles POST /admin/accounts/{publicId}/sessions/evict-oldest.
func (h *Handler) EvictOldest(w http.ResponseWriter, r *http.Request) {
	acc := h.account(w, r)
	if acc == nil {
		return
	}
	sess, err := h.svc.EvictOldest(r.Context(), acc.ID)
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "account has no sessions")
		return
	}
	if err != nil {
		h.log.Errorw("evict oldest session", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
