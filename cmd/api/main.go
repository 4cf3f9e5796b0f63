package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/execution"
	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/metrics"
	"github.com/agentbazaar/backend/internal/provider"
	"github.com/agentbazaar/backend/internal/retry"
	"github.com/agentbazaar/backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := ledger.Migrate(ctx, pool); err != nil {
		slog.Error("Ledger schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	metrics.Register()

	// Chain
	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		Mint:           cfg.Chain.Mint,
		Decimals:       cfg.Chain.Decimals,
		ConfirmEvery:   cfg.Chain.ConfirmEvery,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	})
	if err != nil {
		slog.Error("Invalid chain configuration", "error", err)
		os.Exit(1)
	}
	treasury, err := chain.NewWallet(chainClient, cfg.Chain.TreasuryKey)
	if err != nil {
		slog.Error("Invalid treasury key", "error", err)
		os.Exit(1)
	}
	slog.Info("Treasury wallet loaded", "address", treasury.Address(), "mint", chainClient.Mint())

	providers := newProviderRegistry(cfg)
	if len(providers.Keys()) == 0 {
		slog.Warn("No provider API keys configured; automated fulfillment is disabled")
	}

	mediaStore, blobs, err := newMediaStore(cfg, pool)
	if err != nil {
		slog.Error("Failed to configure media storage", "error", err)
		os.Exit(1)
	}

	var idem *redis.Client
	if cfg.Redis.URL != "" {
		idem, err = newRedis(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Warn("Redis unavailable; Idempotency-Key caching disabled", "error", err)
			idem = nil
		} else {
			defer idem.Close()
		}
	}

	ledgerRepo := ledger.NewRepository(pool)
	app, err := newApp(ctx, cfg, appDeps{
		pool:      pool,
		ledger:    ledgerRepo,
		chain:     chainClient,
		treasury:  treasury,
		providers: providers,
		media:     storage.NewMirror(storage.NewFetcher(nil, storage.MaxMediaBytes), mediaStore),
		blobs:     blobs,
		redis:     idem,
		logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to assemble application", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(app.handler)

	// Start River client (webhooks + settlement reconciliation)
	go func() {
		if err := app.river.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := app.river.Stop(shutdownCtx); err != nil {
			slog.Error("River shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server stopped")
}

func newProviderRegistry(cfg *config.Config) *provider.Registry {
	opts := provider.Options{
		Retry: retry.Policy{
			Attempts:  cfg.Providers.RetryAttempts,
			BaseDelay: cfg.Providers.RetryBaseDelay,
			Retryable: retry.IsTransient,
		},
		PollInterval: cfg.Providers.PollInterval,
		PollTimeout:  cfg.Providers.PollTimeout,
	}
	reg := provider.NewRegistry()
	p := cfg.Providers
	if p.OpenAIKey != "" {
		reg.Register(provider.NewOpenAI(p.OpenAIKey, "", opts))
	}
	if p.AnthropicKey != "" {
		reg.Register(provider.NewAnthropic(p.AnthropicKey, "", opts))
	}
	if p.ReplicateToken != "" {
		reg.Register(provider.NewReplicate(p.ReplicateToken, "", nil, opts))
	}
	if p.FalKey != "" {
		reg.Register(provider.NewFal(p.FalKey, "", nil, opts))
	}
	if p.RunwaySecret != "" {
		reg.Register(provider.NewRunway(p.RunwaySecret, "", nil, opts))
	}
	return reg
}

// newMediaStore picks the media backend. The Postgres store also serves reads, so
// it is returned as the blob reader; the bucket backend serves its own URLs.
func newMediaStore(cfg *config.Config, pool *pgxpool.Pool) (storage.Store, *storage.PostgresStore, error) {
	if cfg.Storage.Backend == "bucket" {
		bucket, err := storage.NewBucketStore(storage.BucketConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Insecure:  cfg.Storage.Insecure,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return bucket, nil, nil
	}
	pg := storage.NewPostgresStore(pool, cfg.Server.PublicBaseURL)
	return pg, pg, nil
}

func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// riverWorkers registers every background worker.
func riverWorkers(webhooks *execution.WebhookWorker, reconcile *execution.ReconcileWorker) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, webhooks)
	river.AddWorker(workers, reconcile)
	return workers
}
