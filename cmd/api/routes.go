package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/auth"
	"github.com/streamvault/entitlements/internal/catalog"
	"github.com/streamvault/entitlements/internal/config"
	"github.com/streamvault/entitlements/internal/dashboard"
	"github.com/streamvault/entitlements/internal/ledger"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/registry"
	"github.com/streamvault/entitlements/internal/repository"
	"github.com/streamvault/entitlements/internal/router"
	"github.com/streamvault/entitlements/internal/settlement"
	"github.com/streamvault/entitlements/internal/validate"
)

// services is the wired domain layer shared by the HTTP surface and the
// background workers.
type services struct {
	accounts *repository.AccountRepo
	apiKeys  *repository.APIKeyRepo
	registry *registry.Service
	auth     *auth.Service
	wallet   *ledger.Service
	settle   *settlement.Service
	catalog  *catalog.Service
}

// buildHandler registers every route and wraps the result in CORS.
// Chain: CORS -> router (Logging -> SecurityHeaders -> ClientAuth -> ...).
func buildHandler(
	cfg *config.Config,
	pool *pgxpool.Pool,
	svc *services,
	queue settlement.Enqueuer,
	limiter *middleware.RateLimiter,
	log *zap.SugaredLogger,
) (http.Handler, error) {
	v, err := validate.New()
	if err != nil {
		return nil, err
	}

	h := router.New(router.Handlers{
		Auth:       auth.NewHandler(svc.auth, v, log.Named("auth")),
		Registry:   registry.NewHandler(svc.registry, svc.accounts, log.Named("registry")),
		Settlement: settlement.NewHandler(svc.settle, queue, v, log.Named("settlement")),
		Catalog:    catalog.NewHandler(svc.catalog, v, log.Named("catalog")),
		Dashboard:  dashboard.NewHandler(svc.accounts, svc.wallet, svc.registry, v, log.Named("dashboard")),
		Keys:       dashboard.NewKeyHandler(svc.apiKeys, v, log.Named("apikeys")),
	}, router.Options{
		Tokens:       svc.auth,
		APIKeys:      svc.apiKeys,
		Platforms:    cfg.Platforms,
		LoginLimiter: limiter,
		Health:       pool.Ping,
		Log:          log.Named("http"),
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader, middleware.PlatformHeader},
		AllowCredentials: true,
	}).Handler(h), nil
}
