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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	httpAdapter "github.com/iho/casledger/internal/adapter/http"
	"github.com/iho/casledger/internal/adapter/http/handler"
	"github.com/iho/casledger/internal/adapter/http/middleware"
	"github.com/iho/casledger/internal/adapter/repository/breaker"
	"github.com/iho/casledger/internal/adapter/repository/memory"
	postgresRepo "github.com/iho/casledger/internal/adapter/repository/postgres"
	redisRepo "github.com/iho/casledger/internal/adapter/repository/redis"
	"github.com/iho/casledger/internal/infrastructure/config"
	"github.com/iho/casledger/internal/infrastructure/logger"
	"github.com/iho/casledger/internal/infrastructure/metrics"
	"github.com/iho/casledger/internal/infrastructure/postgres"
	"github.com/iho/casledger/internal/infrastructure/redis"
	"github.com/iho/casledger/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "casledger",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// stores is the storage wiring selected by STORE_BACKEND.
type stores struct {
	accounts    usecase.AccountRepository
	transfers   usecase.TransferRepository
	idempotency usecase.IdempotencyStore
	checks      map[string]handler.HealthCheck
	closers     []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer st.close()

	accounts := breaker.NewAccountRepository(st.accounts, breaker.Config{
		Name:                "accounts",
		ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}, logger, m.ObserveBreakerState)

	idGen := postgresRepo.NewULIDGenerator()

	transferUC := usecase.NewTransferUseCase(accounts, st.transfers, idGen,
		usecase.WithTransferConfig(transferConfig(cfg)),
		usecase.WithMetrics(m),
		usecase.WithLogger(logger.With().Str("component", "engine").Logger()),
	)
	accountUC := usecase.NewAccountUseCase(accounts, idGen)
	ledgerUC := usecase.NewLedgerUseCase(accounts)
	reconcileUC := usecase.NewReconciliationUseCase(transferUC, usecase.ReconcileConfig{
		MinAge:    cfg.ReconcileMinAge,
		BatchSize: cfg.ReconcileBatchSize,
	}, logger)

	if cfg.ReconcileInterval > 0 {
		go reconcileUC.Run(ctx, cfg.ReconcileInterval)
	}

	health := handler.NewHealthHandler()
	for name, check := range st.checks {
		health.WithCheck(name, check)
	}

	routerCfg := httpAdapter.RouterConfig{
		AccountHandler:   handler.NewAccountHandler(accountUC),
		TransferHandler:  handler.NewTransferHandler(transferUC),
		LedgerHandler:    handler.NewLedgerHandler(ledgerUC),
		ReconcileHandler: handler.NewReconcileHandler(reconcileUC),
		HealthHandler:    health,
		IdempotencyStore: st.idempotency,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		Metrics:          middleware.NewMetrics(reg),
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:           logger,
	}

	if cfg.HTTPRateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst)
		go limiter.Run(ctx, time.Minute, 10*time.Minute)
		routerCfg.RateLimiter = limiter
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      httpAdapter.NewRouter(routerCfg),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("backend", cfg.StoreBackend).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")

	return nil
}

func transferConfig(cfg *config.Config) usecase.TransferConfig {
	return usecase.TransferConfig{
		MaxRetries:     cfg.TransferMaxRetries,
		InitialBackoff: cfg.TransferInitialBackoff,
		MaxBackoff:     cfg.TransferMaxBackoff,
		SettleTimeout:  cfg.TransferSettleTimeout,
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*stores, error) {
	st := &stores{checks: make(map[string]handler.HealthCheck)}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		st.accounts = memory.NewAccountStore()
		st.transfers = memory.NewTransferRepository()
		logger.Warn().Msg("using in-memory store; balances are lost on restart")

	case config.BackendPostgres:
		if cfg.RunMigrations {
			if err := postgres.NewMigrator(cfg.DatabaseURL, cfg.MigrationsPath, logger).Up(); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, cfg.DatabaseTimeout)
		defer cancel()

		pool, err := postgres.NewPoolWithConfig(connectCtx, postgres.PoolConfig{
			DatabaseURL:     cfg.DatabaseURL,
			MaxConns:        cfg.DatabaseMaxConns,
			MinConns:        cfg.DatabaseMinConns,
			MaxConnLifetime: cfg.DatabaseMaxConnLifetime,
			MaxConnIdleTime: cfg.DatabaseMaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		st.checks["postgres"] = pool.Ping
		m.TrackConnections("postgres", func() float64 { return float64(pool.Stat().TotalConns()) })
		logger.Info().Msg("connected to postgres")

		st.accounts = postgresRepo.NewAccountRepository(pool, logger)
		st.transfers = postgresRepo.NewTransferRepository(pool, logger)

		if cfg.RedisURL != "" {
			client, err := connectRedis(ctx, cfg, st)
			if err != nil {
				st.close()
				return nil, err
			}

			st.transfers = redisRepo.NewTransferCache(st.transfers, client, cfg.TransferCacheTTL, logger)
			st.idempotency = redisRepo.NewIdempotencyStore(client)
			logger.Info().Msg("redis transfer cache and idempotency enabled")
		}

	case config.BackendRedis:
		client, err := connectRedis(ctx, cfg, st)
		if err != nil {
			return nil, err
		}

		st.accounts = redisRepo.NewAccountStore(client)
		st.transfers = redisRepo.NewTransferRepository(client)
		st.idempotency = redisRepo.NewIdempotencyStore(client)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	return st, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, st *stores) (*goredis.Client, error) {
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.WithPoolSize(cfg.RedisPoolSize))
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st.closers = append(st.closers, func() { client.Close() })
	st.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	return client, nil
}
