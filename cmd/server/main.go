// Package main is the entry point for the tiergate gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/api"
	"github.com/blueberrycongee/tiergate/internal/config"
	"github.com/blueberrycongee/tiergate/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tiergate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.Format == "json",
		AddSource:  cfg.Logging.AddSource,
	}, observability.NewRedactor())
	slog.SetDefault(logger)

	logger.Info("starting tiergate gateway", "version", tiergate.Version, "config", configPath)
	logWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
		Version:     tiergate.Version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	rdb := newRedisClient(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	opts, err := clientOptions(cfg, rdb, logger, tp.Tracer())
	if err != nil {
		return err
	}
	client, err := tiergate.New(opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	cfgManager.OnChange(newProviderReloader(client, logger).Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	handler := api.NewHandler(client, logger, &api.Config{MaxBodySize: cfg.Server.MaxBodyBytes})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddlewareStack()(buildMux(cfg, handler)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port, "providers", len(client.Providers()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func logWarnings(logger *slog.Logger, cfg *config.Config) {
	for _, w := range cfg.Warnings() {
		logger.Warn(w.Message, "code", string(w.Code))
	}
}

// newRedisClient returns nil when shared state is disabled. An unreachable
// Redis at startup is logged, not fatal: both stores fail open.
func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) redis.UniversalClient {
	if !cfg.Enabled {
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, routing state will fail open until it recovers",
			"addrs", cfg.Addrs, "error", err)
	} else {
		logger.Info("shared routing state enabled", "addrs", cfg.Addrs, "key_prefix", cfg.KeyPrefix)
	}
	return rdb
}
