package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamvault/entitlements/internal/auth"
	"github.com/streamvault/entitlements/internal/catalog"
	"github.com/streamvault/entitlements/internal/config"
	"github.com/streamvault/entitlements/internal/db"
	"github.com/streamvault/entitlements/internal/execution"
	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/ids"
	"github.com/streamvault/entitlements/internal/jobs"
	"github.com/streamvault/entitlements/internal/ledger"
	"github.com/streamvault/entitlements/internal/logging"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/registry"
	"github.com/streamvault/entitlements/internal/repository"
	"github.com/streamvault/entitlements/internal/settlement"
)

const sweepTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "entitlements:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	base, err := logging.New(logging.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = base.Sync() }()
	log := base.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Infow("connected to postgres", "host", cfg.DBHost, "db", cfg.DBName)

	if err := db.Migrate(ctx, pool, log.Named("migrate")); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	log.Info("river migrations applied")

	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		return err
	}
	log.Infow("payment gateways configured", "gateways", gateways.Names())
	receipts, err := ids.NewReceiptGenerator(cfg.SnowflakeNode)
	if err != nil {
		return err
	}

	svc := buildServices(cfg, pool, gateways, receipts, log)

	workers := river.NewWorkers()
	// Covers one verification call with its retries.
	workTimeout := cfg.GatewayTimeout * time.Duration(cfg.GatewayRetries+1)
	river.AddWorker(workers, execution.NewSettleWebhookWorker(svc.settle, workTimeout, log.Named("worker")))
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WebhookWorkers},
		},
		Workers:     workers,
		MaxAttempts: cfg.WebhookMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("river client: %w", err)
	}
	queue := jobs.NewQueue(riverClient, cfg.WebhookMaxAttempts)

	scheduler := jobs.NewScheduler(sweepTimeout, log.Named("scheduler"))
	if err := scheduler.Add(cfg.SessionReapSpec, "reap_sessions", func(ctx context.Context) error {
		_, err := svc.registry.ReapStale(ctx, cfg.SessionMaxIdle)
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.ChargeSweepSpec, "expire_pending_charges", func(ctx context.Context) error {
		n, err := svc.settle.ExpireStalePending(ctx, cfg.ChargePendingTTL)
		if n > 0 {
			log.Infow("expired pending charges", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow)
	defer limiter.Close()

	handler, err := buildHandler(cfg, pool, svc, queue, limiter, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Stop below drains in-flight jobs; cancelling Start's context would not.
		if err := riverClient.Start(context.WithoutCancel(gctx)); err != nil {
			return fmt.Errorf("river start: %w", err)
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return riverClient.Stop(shutdownCtx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func buildServices(cfg *config.Config, pool *pgxpool.Pool, gateways *gateway.Registry, receipts *ids.ReceiptGenerator, log *zap.SugaredLogger) *services {
	accounts := repository.NewAccountRepo(pool)
	plans := repository.NewPlanRepo(pool)
	charges := repository.NewChargeRepo(pool)

	reg := registry.NewService(pool, accounts, plans, repository.NewSessionRepo(pool), cfg.DefaultDeviceLimit, log.Named("registry"))
	authSvc := auth.NewService(accounts, reg, auth.BcryptHasher{}, auth.Options{
		Secret:       []byte(cfg.JWTSecret),
		AccessTTL:    cfg.AccessTokenTTL,
		RefreshGrace: cfg.RefreshGrace,
		LimitedTTL:   cfg.LimitedTokenTTL,
	}, log.Named("auth"))
	wallet := ledger.NewService(pool, accounts, repository.NewWalletRepo(pool))

	settle := settlement.NewService(pool, accounts, plans, charges, wallet, gateways, receipts, log.Named("settlement"))
	settle.Currency = cfg.Currency
	settle.MinTopUp = cfg.MinTopUp

	return &services{
		accounts: accounts,
		apiKeys:  repository.NewAPIKeyRepo(pool),
		registry: reg,
		auth:     authSvc,
		wallet:   wallet,
		settle:   settle,
		catalog:  catalog.NewService(pool, plans, charges, log.Named("catalog")),
	}
}
