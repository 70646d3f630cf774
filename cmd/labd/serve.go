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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/internal/definition"
	"github.com/pitabwire/labflow/internal/events"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/transport"
	"github.com/pitabwire/labflow/internal/workflow"
)

func serve(parent context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "labflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Load and validate the lab catalog.
	catalog := definition.NewRegistry(nil)
	if err := catalog.Reload(cfg.Catalog.Directories); err != nil {
		metrics.RecordCatalogReload("error")
		return fmt.Errorf("catalog: %w", err)
	}
	metrics.RecordCatalogReload("success")
	metrics.SetCatalogTestTypes(float64(len(catalog.TestTypeNames())))

	// Step 3: Initialize the record store.
	store, storeCloser, err := buildRecordStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer storeCloser()

	// Step 4: Initialize the idempotency store (optional).
	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	defer idempotencyCloser()

	// Step 5: Build stage observers.
	observers := []workflow.StageObserver{
		events.NewLogObserver(logger),
		events.NewMetricsObserver(metrics),
	}
	var publisher *events.AMQPPublisher
	if cfg.Events.Enabled {
		url := os.Getenv(cfg.Events.URLEnv)
		if url == "" {
			return fmt.Errorf("events: %s environment variable not set", cfg.Events.URLEnv)
		}
		p, closeBroker, err := events.Dial(url, cfg.Events.Exchange, logger,
			events.WithPublisherMetrics(metrics),
			events.WithQueueSize(cfg.Events.QueueSize),
			events.WithPublishTimeout(cfg.Events.PublishTimeout),
			events.WithBreaker(events.NewBreaker(cfg.Events.Breaker.FailureThreshold, cfg.Events.Breaker.Cooldown)),
		)
		if err != nil {
			return err
		}
		defer closeBroker()
		publisher = p
		observers = append(observers, publisher)
		logger.Info("publishing stage events", zap.String("exchange", cfg.Events.Exchange))
	}

	// Step 6: Build the batch operator.
	policy, err := batch.ParsePolicy(cfg.Batch.Policy)
	if err != nil {
		return err
	}
	opOpts := []batch.OperatorOption{batch.WithPolicy(policy)}
	if idempotencyStore != nil {
		opOpts = append(opOpts, batch.WithIdempotencyStore(idempotencyStore, cfg.Idempotency.TTL))
	}
	for _, obs := range observers {
		opOpts = append(opOpts, batch.WithObserver(obs))
	}
	operator := batch.NewOperator(store, opOpts...)

	// Step 7: Build HTTP router.
	readiness := observability.ReadinessChecks{Catalog: catalog}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.RecordStore = hc
	}
	if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if publisher != nil {
		readiness.EventBroker = publisher
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Operator:  operator,
		Catalog:   catalog,
		Observers: observers,
		Readiness: readiness,
		Metrics:   metrics,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Reload the catalog on SIGHUP.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go reloadCatalogOnSignal(bgCtx, catalog, cfg.Catalog.Directories, metrics, logger)

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("batch_policy", string(policy)),
		zap.Int("test_types", len(catalog.TestTypeNames())),
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
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildRecordStore creates the record store based on config.
func buildRecordStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.TestRecordStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory record store")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		pool, closer, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return workflow.NewPgStore(pool), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}

// openPool connects to the database named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, func(), error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("record store: ping: %w", err)
	}
	return pool, pool.Close, nil
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (batch.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return batch.NewMemoryIdempotencyStore(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return batch.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// reloadCatalogOnSignal swaps in a freshly loaded catalog on every SIGHUP.
// A failed reload keeps the catalog already in service.
func reloadCatalogOnSignal(
	ctx context.Context,
	catalog *definition.Registry,
	dirs []string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := catalog.Reload(dirs); err != nil {
				metrics.RecordCatalogReload("error")
				logger.Error("catalog reload failed", zap.Error(err))
				continue
			}
			metrics.RecordCatalogReload("success")
			metrics.SetCatalogTestTypes(float64(len(catalog.TestTypeNames())))
			logger.Info("catalog reloaded", zap.String("checksum", catalog.Checksum()))
		}
	}
}
