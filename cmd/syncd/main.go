package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promptsync/internal/api"
	"promptsync/internal/cache"
	"promptsync/internal/client"
	"promptsync/internal/config"
	"promptsync/internal/conflict"
	"promptsync/internal/events"
	"promptsync/internal/executor"
	"promptsync/internal/logging"
	"promptsync/internal/metrics"
	"promptsync/internal/queue"
	"promptsync/internal/remote"
	syncsvc "promptsync/internal/sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cache.Open(cfg.Cache.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("local cache initialization failed")
		return err
	}
	defer db.Close()

	store := buildStore(ctx, cfg, &logger)
	metrics.Register()

	bus := events.NewBus()
	q := buildQueue(cfg, &logger)
	exec := executor.New(store, buildLimiter(cfg.Remote), &logger)
	resolver := conflict.NewResolver(conflict.Strategy(cfg.Sync.ConflictResolution), &logger)

	svc := syncsvc.NewService(
		syncsvc.OptionsFromConfig(cfg.Sync, cfg.Remote),
		q, exec, resolver, store, bus, &logger,
	)
	svc.Start()
	defer svc.Close()

	wb := client.NewWorkbench(
		cfg.App.UserID, svc, store, db, bus,
		time.Duration(cfg.Sync.DirectWriteMs)*time.Millisecond, &logger,
	)
	wb.Start()
	defer wb.Close()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, cfg.App.UserID, svc, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("control API error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	} else if cfg.Monitoring.PrometheusEnabled {
		// The control API already serves /metrics; a dedicated listener is
		// only needed without it.
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			logger.Info().Str("addr", addr).Msg("metrics listening")
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logger.Info().
		Str("backend", cfg.Remote.Backend).
		Str("user", cfg.App.UserID).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

// buildStore constructs the configured remote backend, optionally wrapped
// with a memory fallback so the daemon keeps serving while the backend is
// down.
func buildStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) remote.Store {
	var store remote.Store
	switch cfg.Remote.Backend {
	case config.BackendRedis:
		client := remote.NewRedisClient(cfg.Redis)
		store = remote.NewRedisStore(client)
		if err := store.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable at startup")
		}
	case config.BackendREST:
		store = remote.NewRESTStore(cfg.Remote)
	default:
		store = remote.NewMemoryStore()
	}

	if cfg.Remote.Failover && cfg.Remote.Backend != config.BackendMemory {
		store = remote.NewFailover(store, remote.NewMemoryStore(), logger)
	}
	return store
}

func buildQueue(cfg *config.Config, logger *zerolog.Logger) *queue.Queue {
	var store queue.Store = queue.NewFileStore(cfg.Queue.Path)
	if cfg.Sync.EnableOffline != nil && !*cfg.Sync.EnableOffline {
		store = queue.NopStore{}
	}
	return queue.New(store, logger)
}

func buildLimiter(cfg config.RemoteConfig) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
}
