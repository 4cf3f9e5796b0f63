package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/agentbazaar/backend/internal/auth"
	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/execution"
	"github.com/agentbazaar/backend/internal/handlers"
	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/provider"
	"github.com/agentbazaar/backend/internal/registry"
	"github.com/agentbazaar/backend/internal/repository"
	"github.com/agentbazaar/backend/internal/router"
	"github.com/agentbazaar/backend/internal/services"
	"github.com/agentbazaar/backend/internal/storage"
)

type appDeps struct {
	pool      *pgxpool.Pool
	ledger    *ledger.Repository
	chain     *chain.Client
	treasury  *chain.Wallet
	providers *provider.Registry
	media     *storage.Mirror
	blobs     *storage.PostgresStore
	redis     *redis.Client
	logger    *slog.Logger
}

type app struct {
	handler http.Handler
	river   *river.Client[pgx.Tx]
}

// newApp wires repositories, the orchestrator, background workers and HTTP routes.
// Middleware chain on order routes: Authenticate -> Idempotency -> handler.
func newApp(ctx context.Context, cfg *config.Config, d appDeps) (*app, error) {
	logger := d.logger

	apiKeyRepo := repository.NewAPIKeyRepo(d.pool)
	agentRepo := repository.NewAgentRepo(d.pool)
	serviceRepo := repository.NewServiceRepo(d.pool)

	validator, err := services.NewValidator(ctx, cfg.SchemaDir)
	if err != nil {
		return nil, fmt.Errorf("load generation schemas: %w", err)
	}

	// Background workers
	reconcileTimeout := cfg.Chain.ConfirmTimeout + 2*time.Minute
	settler := services.NewSettler(d.treasury, d.ledger, cfg.Settlement.MaxAttempts, logger)
	settler.Lease = reconcileTimeout + time.Minute
	workers := riverWorkers(
		execution.NewWebhookWorker(agentRepo, logger),
		execution.NewReconcileWorker(settler, reconcileTimeout, logger),
	)
	riverClient, err := river.NewClient(riverpgxv5.New(d.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault:        {MaxWorkers: 10},
			execution.QueueWebhooks:   {MaxWorkers: 20},
			execution.QueueSettlement: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.ReconcilePeriodicJob(cfg.Settlement.ReconcileEvery)},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	tolerance, err := cfg.Tolerance()
	if err != nil {
		return nil, err
	}
	orchestrator := services.NewOrchestrator(services.Orchestrator{
		Orders:    d.ledger,
		Services:  serviceRepo,
		Agents:    agentRepo,
		Verifier:  services.NewPaymentVerifier(d.ledger, d.chain, d.treasury.Address(), tolerance, logger),
		Settler:   settler,
		Quota:     services.NewQuotaMeter(d.ledger),
		Providers: d.providers,
		Media:     d.media,
		Validator: validator,
		Events:    execution.NewRiverPublisher(riverClient, logger),
		Config: services.OrchestratorConfig{
			StallWindow:            cfg.Orders.StallWindow,
			ReviewWindow:           cfg.Orders.ReviewWindow,
			MaxFulfillmentAttempts: cfg.Orders.MaxFulfillmentAttempts,
		},
		Logger: logger,
	})

	authSvc := auth.NewService(agentRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authenticate := middleware.Authenticate(apiKeyRepo, authSvc)

	var idempotency router.Middleware
	if d.redis != nil {
		idempotency = middleware.Idempotency(d.redis, logger)
	}
	var media *handlers.MediaHandler
	if d.blobs != nil {
		media = &handlers.MediaHandler{Blobs: d.blobs, Logger: logger}
	}

	registrySvc := registry.NewService(agentRepo, apiKeyRepo, serviceRepo, d.providers)

	handler := router.New(router.Deps{
		Auth:         auth.NewHandler(authSvc, logger),
		Orders:       handlers.NewOrderHandler(orchestrator, logger),
		Registry:     registry.NewHandler(registrySvc, logger),
		Media:        media,
		Authenticate: authenticate,
		Idempotency:  idempotency,
		Metrics:      promhttp.Handler(),
		Health:       healthz(d.pool),
	})

	return &app{handler: handler, river: riverClient}, nil
}

func healthz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"degraded","database":"unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
