package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/api"
	"github.com/fcarle/accflow/internal/app"
	"github.com/fcarle/accflow/internal/config"
	"github.com/fcarle/accflow/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "accflow-gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Missing email settings do not stop the server; each pass reports them.
	if err := cfg.ValidateServer(); err != nil {
		logger.Error("gateway misconfigured, /v1 routes will reject requests", zap.Error(err))
	}
	if err := cfg.ValidateEmail(); err != nil {
		logger.Warn("email transport misconfigured, passes will fail", zap.Error(err))
	}

	logger.Info("starting accflow gateway", zap.Int("port", cfg.Port))

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	routerCfg := api.RouterConfig{
		CronSecret:  cfg.CronSecret,
		Breaker:     a.Breaker,
		HealthCheck: a.DB.Health,
	}
	if a.RateLimiter != nil {
		routerCfg.Limiter = a.RateLimiter
	}

	handler := api.NewHandler(logger, a.Scheduler, a.Gaps, a.Alerts)
	r := api.NewRouter(handler, routerCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// A running pass gets this long to finish its current alerts.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
