// Package main is the entry point for the pharmstock API server.
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

	"pharmstock/internal/bootstrap"
	"pharmstock/internal/config"
	"pharmstock/internal/core/types"
	"pharmstock/internal/demo"
	"pharmstock/internal/domain/auth"
	v1 "pharmstock/internal/infrastructure/http/v1"
	"pharmstock/internal/infrastructure/http/v1/handlers"
	"pharmstock/internal/infrastructure/metrics"
	"pharmstock/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Development(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx := context.Background()
	log.Infow("starting pharmstock server", "env", cfg.App.Env, "storage", cfg.App.StorageDriver)

	m := metrics.New()
	components, err := bootstrap.Build(ctx, cfg, m)
	if err != nil {
		log.Fatalw("failed to initialize storage", "error", err)
	}
	defer components.Close()

	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret())
	jwtConfig.Issuer = cfg.Auth.Issuer
	jwtConfig.AccessTokenTTL = cfg.Auth.TokenTTL
	jwtService := auth.NewJWTService(jwtConfig)

	// The memory driver starts empty on every run, so give it the demo stock.
	if components.Memory != nil {
		n, err := demo.SeedStock(ctx, components.Service, types.Today(time.Now))
		if err != nil {
			log.Fatalw("failed to seed demo stock", "error", err)
		}
		token, _, err := jwtService.GenerateAccessToken(demo.AdminUser())
		if err != nil {
			log.Fatalw("failed to issue demo token", "error", err)
		}
		log.Infow("memory storage seeded", "batches", n, "tenant", demo.TenantID, "token", token)
	}

	routerCfg := v1.RouterConfig{
		Service:        components.Service,
		Logger:         log,
		JWTValidator:   jwtService,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		HealthChecks:   map[string]handlers.HealthCheck{},
		Debug:          cfg.App.Development(),
	}
	if components.Pool != nil {
		routerCfg.HealthChecks["postgres"] = components.Pool.Ping
	}
	if components.Idempotency != nil {
		routerCfg.IdempotencyStore = components.Idempotency
	}
	router := v1.NewRouter(routerCfg)

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.App.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
