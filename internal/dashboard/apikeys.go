package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/ids"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
	"github.com/streamvault/entitlements/internal/validate"
)

// APIKeyStore manages the application keys checked by ClientAuth.
type APIKeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	List(ctx context.Context) ([]*models.APIKey, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

// CreatedAPIKey is returned once; only the hash is stored.
type CreatedAPIKey struct {
	*models.APIKey
	RawKey string `json:"raw_key"`
}

// KeyHandler serves operator endpoints for calling-application keys.
type KeyHandler struct {
	keys      APIKeyStore
	validator *validate.Validator
	log       *zap.SugaredLogger
}

func NewKeyHandler(keys APIKeyStore, v *validate.Validator, log *zap.SugaredLogger) *KeyHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &KeyHandler{keys: keys, validator: v, log: log}
}

// List handles GET /admin/api-keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		h.log.Errorw("list api keys failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// Create handles POST /admin/api-keys.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := h.validator.Decode(r, validate.APIKeyCreate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, prefix, err := ids.NewAPIKey()
	if err != nil {
		h.log.Errorw("generate api key", "error", err)
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	k := &models.APIKey{
		Name:      req.Name,
		KeyHash:   middleware.HashAPIKey(raw),
		KeyPrefix: prefix,
		IsActive:  true,
	}
	if err := h.keys.Create(r.Context(), k); err != nil {
		h.log.Errorw("create api key failed", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	h.log.Infow("api key created", "key_id", k.ID, "name", k.Name, "prefix", k.KeyPrefix)
	writeJSON(w, http.StatusCreated, CreatedAPIKey{APIKey: k, RawKey: raw})
}

// Deactivate handles DELETE /admin/api-keys/{id}.
func (h *KeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	err = h.keys.Deactivate(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	if err != nil {
		h.log.Errorw("deactivate api key failed", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.Infow("api key deactivated", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}
