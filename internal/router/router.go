// Package router assembles the HTTP surface: every route under /api/v1
// with its middleware chain, plus the unauthenticated health and webhook
// endpoints.
package router

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/auth"
	"github.com/streamvault/entitlements/internal/catalog"
	"github.com/streamvault/entitlements/internal/dashboard"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/registry"
	"github.com/streamvault/entitlements/internal/settlement"
)

const base = "/api/v1"

type Handlers struct {
	Auth       *auth.Handler
	Registry   *registry.Handler
	Settlement *settlement.Handler
	Catalog    *catalog.Handler
	Dashboard  *dashboard.Handler
	Keys       *dashboard.KeyHandler
}

type Options struct {
	Tokens       middleware.TokenValidator
	APIKeys      middleware.APIKeyRepo
	Platforms    []string
	LoginLimiter *middleware.RateLimiter
	// Health reports whether dependencies answer. Nil means always healthy.
	Health func(ctx context.Context) error
	Log    *zap.SugaredLogger
}

type chain func(http.Handler) http.Handler

func (c chain) then(h http.HandlerFunc) http.Handler { return c(h) }

func compose(mws ...func(http.Handler) http.Handler) chain {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// New returns the root handler.
// Chain: Logging -> SecurityHeaders -> ClientAuth -> [RateLimit | Bearer -> Capability] -> handler.
// Webhooks skip ClientAuth; vendors authenticate with their signature.
func New(h Handlers, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	full := compose(middleware.BearerAuth(opts.Tokens))
	limited := compose(middleware.BearerAuthAllowLimited(opts.Tokens))
	wallet := compose(middleware.BearerAuth(opts.Tokens), middleware.RequireCapability(models.Role.CanManageWallet))
	assign := compose(middleware.BearerAuth(opts.Tokens), middleware.RequireCapability(models.Role.CanAssignPlan))
	admin := compose(middleware.BearerAuth(opts.Tokens), middleware.RequireCapability(models.Role.CanAdminister))
	throttled := compose()
	if opts.LoginLimiter != nil {
		throttled = compose(middleware.RateLimit(opts.LoginLimiter, middleware.ClientKey))
	}

	api := http.NewServeMux()
	api.Handle("POST "+base+"/auth/login", throttled.then(h.Auth.Login))
	api.Handle("POST "+base+"/auth/refresh", throttled.then(h.Auth.Refresh))
	api.Handle("POST "+base+"/auth/logout", full.then(h.Auth.Logout))
	api.Handle("GET "+base+"/sessions", limited.then(h.Auth.ListSessions))
	api.Handle("DELETE "+base+"/sessions/{id}", limited.then(h.Auth.RevokeSession))

	api.HandleFunc("GET "+base+"/plans", h.Catalog.List)
	api.Handle("POST "+base+"/charges", full.then(h.Settlement.CreateCharge))
	api.Handle("GET "+base+"/charges/{ref}", full.then(h.Settlement.GetCharge))
	api.Handle("POST "+base+"/charges/{ref}/verify", full.then(h.Settlement.VerifyCharge))

	api.Handle("GET "+base+"/account/me", full.then(h.Dashboard.GetMe))
	api.Handle("GET "+base+"/wallet", wallet.then(h.Dashboard.GetWallet))
	api.Handle("POST "+base+"/reseller/assignments", assign.then(h.Settlement.Assign))

	api.Handle("POST "+base+"/admin/accounts", admin.then(h.Auth.CreateAccount))
	api.Handle("GET "+base+"/admin/accounts/{publicId}/sessions", admin.then(h.Registry.ListForAccount))
	api.Handle("POST "+base+"/admin/accounts/{publicId}/sessions/evict-oldest", admin.then(h.Registry.EvictOldest))
	api.Handle("GET "+base+"/admin/accounts/{publicId}/wallet/reconcile", admin.then(h.Dashboard.Reconcile))
	api.Handle("POST "+base+"/admin/accounts/{publicId}/wallet/adjustments", admin.then(h.Dashboard.Adjust))
	api.Handle("POST "+base+"/admin/plans/{id}/reprice", admin.then(h.Catalog.Reprice))
	api.Handle("GET "+base+"/admin/api-keys", admin.then(h.Keys.List))
	api.Handle("POST "+base+"/admin/api-keys", admin.then(h.Keys.Create))
	api.Handle("DELETE "+base+"/admin/api-keys/{id}", admin.then(h.Keys.Deactivate))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", health(opts.Health, log))
	root.HandleFunc("POST "+base+"/webhooks/{gateway}", h.Settlement.Webhook)
	root.Handle(base+"/", middleware.ClientAuth(opts.APIKeys, opts.Platforms)(api))

	return compose(middleware.Logging(log), middleware.SecurityHeaders())(root)
}

func health(check func(context.Context) error, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			if err := check(r.Context()); err != nil {
				log.Errorw("health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
