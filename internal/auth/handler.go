package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/registry"
	"github.com/streamvault/entitlements/internal/validate"
)

// Request/response bodies are snake_case JSON; shapes are enforced by the
// schemas in internal/validate.

type LoginRequest struct {
	Identifier  string `json:"identifier"`
	Password    string `json:"password"`
	DeviceLabel string `json:"device_label"`
}

type RefreshRequest struct {
	Token string `json:"token"`
}

type CreateAccountRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	DeviceLimit *int   `json:"device_limit"`
}

// DeviceLimitResponse is the 409 body of a login refused for the device
// limit.
type DeviceLimitResponse struct {
	Error        string            `json:"error"`
	Limit        int               `json:"limit"`
	Sessions     []*models.Session `json:"sessions"`
	LimitedToken string            `json:"limited_token"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

type SessionsResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Current  *uuid.UUID        `json:"current_session_id,omitempty"`
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

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.validator.Decode(r, validate.Login, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	platform := middleware.PlatformFromCtx(r.Context())
	tokens, err := h.svc.Authenticate(r.Context(), req.Identifier, req.Password, platform, req.DeviceLabel)
	var limitErr *DeviceLimitError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tokens)
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusConflict, DeviceLimitResponse{
			Error:        "device limit reached",
			Limit:        limitErr.Limit,
			Sessions:     limitErr.Sessions,
			LimitedToken: limitErr.LimitedToken,
			ExpiresAt:    limitErr.ExpiresAt,
		})
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is blocked")
	default:
		h.log.Errorw("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
	}
}

// Refresh handles POST /auth/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := h.validator.Decode(r, validate.Refresh, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, err := h.svc.Refresh(r.Context(), req.Token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tokens)
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is blocked")
	default:
		h.log.Errorw("refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
	}
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	err := h.svc.Logout(r.Context(), p)
	if err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		h.log.Errorw("logout failed", "account_id", p.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /sessions. Limited tokens are accepted.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), p)
	if err != nil {
		h.log.Errorw("list sessions", "account_id", p.PublicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions, Current: p.SessionID})
}

// RevokeSession handles DELETE /sessions/{id}. Limited tokens are accepted.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	switch err := h.svc.RevokeSession(r.Context(), p, id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, registry.ErrNotOwner):
		writeError(w, http.StatusForbidden, "session belongs to another account")
	case errors.Is(err, registry.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		h.log.Errorw("revoke session", "account_id", p.PublicID, "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CreateAccount handles POST /admin/accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := h.validator.Decode(r, validate.AccountCreate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := h.svc.CreateAccount(r.Context(), NewAccount{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		Role:        models.Role(req.Role),
		DeviceLimit: req.DeviceLimit,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, acc)
	case errors.Is(err, ErrDuplicateAccount):
		writeError(w, http.StatusConflict, "email or username already registered")
	case errors.Is(err, ErrInvalidRole):
		writeError(w, http.StatusBadRequest, "invalid role")
	default:
		h.log.Errorw("create account failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
	}
}
