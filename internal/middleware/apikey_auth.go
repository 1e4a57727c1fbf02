package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/streamvault/entitlements/internal/models"
)

// Client metadata headers.
const (
	APIKeyHeader   = "X-API-Key"
	PlatformHeader = "X-Platform"
)

// APIKeyRepo resolves a hashed application key.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// ClientAuth identifies the calling application by hashing X-API-Key
// (SHA-256) and looking it up in api_keys, then checks that X-Platform is
// one of platforms. Both values are placed into the request context.
func ClientAuth(keys APIKeyRepo, platforms []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
				return
			}
			client, err := keys.FindByKeyHash(r.Context(), hashKey(raw))
			if err != nil || !client.IsActive {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			platform := strings.ToLower(strings.TrimSpace(r.Header.Get(PlatformHeader)))
			if !slices.Contains(platforms, platform) {
				writeError(w, http.StatusBadRequest, "missing or unsupported X-Platform header")
				return
			}

			ctx := WithClient(r.Context(), client)
			ctx = WithPlatform(ctx, platform)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashAPIKey returns the stored form of a raw application key.
func HashAPIKey(raw string) string {
	return hashKey(raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
