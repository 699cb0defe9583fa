package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/internal/history"
	"github.com/tresgarza/may20-crm-final-sub000/internal/idempotency"
	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
	"github.com/tresgarza/may20-crm-final-sub000/internal/policy"
	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
	"github.com/tresgarza/may20-crm-final-sub000/internal/transport"
	"github.com/tresgarza/may20-crm-final-sub000/internal/workflow"
)

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// backends holds the persistence adapters chosen by configuration.
type backends struct {
	store       store.Store
	history     history.Recorder
	idempotency idempotency.Store
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "crm-status", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Compile the transition policy.
	pol, err := policy.New()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	// Step 3: Open application, history and idempotency stores.
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// Step 4: Build the workflow service.
	svc := workflow.NewService(be.store, be.history, pol,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithStoreTimeout(cfg.Store.Timeout),
		workflow.WithConflictRetries(cfg.Workflow.ConflictRetries),
		workflow.WithRecordNoop(cfg.Workflow.RecordNoop),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts:  cfg.Workflow.Retry.MaxAttempts,
			InitialDelay: cfg.Workflow.Retry.BackoffInitial,
			Multiplier:   cfg.Workflow.Retry.BackoffMultiplier,
		}),
	)

	// Step 5: Build HTTP router.
	secret := cfg.Identity.Secret()
	if secret == "" {
		logger.Warn("identity secret not set, all authenticated requests will be rejected",
			zap.String("secret_env", cfg.Identity.SecretEnv))
	}

	readiness := observability.ReadinessChecks{
		PolicyLoaded: func() bool { return pol != nil },
	}
	if hc, ok := be.store.(observability.HealthChecker); ok {
		readiness.ApplicationStore = hc
	}
	if hc, ok := be.history.(observability.HealthChecker); ok {
		readiness.HistoryStore = hc
	}
	if hc, ok := be.idempotency.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		Service:        svc,
		Idempotency:    be.idempotency,
		Metrics:        metrics,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readiness),
		MetricsHandler: observability.Handler(),
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("idempotency", idempotencyDriver(cfg)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	// Step 7: Graceful shutdown.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openBackends creates the stores named by configuration. Closers run in
// reverse order of creation.
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	be := &backends{}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := openPool(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, pool.Close)
		be.store = store.NewPgStore(pool)
		be.history = history.NewPgRecorder(pool)
		logger.Info("using postgres application store")
	default:
		be.store = store.NewMemoryStore()
		be.history = history.NewMemoryRecorder()
		logger.Info("using in-memory application store")
	}

	if cfg.Idempotency.Enabled {
		idem, closer, err := openIdempotency(ctx, cfg.Idempotency, logger)
		if err != nil {
			be.close()
			return nil, err
		}
		be.idempotency = idem
		if closer != nil {
			be.closers = append(be.closers, closer)
		}
	}
	return be, nil
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("application store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("application store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("application store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("application store: ping: %w", err)
	}
	return pool, nil
}

func openIdempotency(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr), zap.Int("db", cfg.Store.DB))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	}
}
