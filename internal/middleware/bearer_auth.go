package middleware

import (
	"context"
	"net/http"

	"github.com/streamvault/entitlements/internal/models"
)

// TokenValidator turns a bearer token into a principal. *auth.Service
// satisfies it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*models.Principal, error)
}

// BearerAuth requires a valid full-scope access token and stores the
// principal in the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return bearer(v, false)
}

// BearerAuthAllowLimited also accepts the device-management token issued
// when login hits the device limit. Only session list and revoke routes
// use it.
func BearerAuthAllowLimited(v TokenValidator) func(http.Handler) http.Handler {
	return bearer(v, true)
}

func bearer(v TokenValidator, allowLimited bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			p, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if p.Limited() && !allowLimited {
				writeError(w, http.StatusForbidden, "token only permits session management")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireCapability rejects principals whose role fails check. It must
// run after BearerAuth.
func RequireCapability(check func(models.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !check(p.Role) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
