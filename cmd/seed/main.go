// Package main seeds the database with the demo pharmacies, drug catalog and
// opening stock, then prints an admin token for the demo tenant.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"pharmstock/internal/bootstrap"
	"pharmstock/internal/config"
	"pharmstock/internal/core/types"
	"pharmstock/internal/demo"
	"pharmstock/internal/domain/auth"
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
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	if cfg.App.StorageDriver != config.DriverPostgres {
		log.Fatalw("seed requires the postgres storage driver", "storage", cfg.App.StorageDriver)
	}

	ctx := context.Background()
	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer components.Close()

	if err := seedReference(ctx, components, log); err != nil {
		log.Fatalw("failed to seed reference data", "error", err)
	}

	created, err := demo.SeedStock(ctx, components.Service, types.Today(time.Now))
	if err != nil {
		log.Fatalw("failed to seed opening stock", "error", err)
	}
	log.Infow("opening stock received", "batches", created)

	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret())
	jwtConfig.Issuer = cfg.Auth.Issuer
	jwtConfig.AccessTokenTTL = cfg.Auth.TokenTTL
	token, expiresAt, err := auth.NewJWTService(jwtConfig).GenerateAccessToken(demo.AdminUser())
	if err != nil {
		log.Fatalw("failed to issue admin token", "error", err)
	}

	log.Info("seeding completed successfully")
	fmt.Printf("\nTenant:      %s\n", demo.TenantID)
	for _, p := range demo.Pharmacies() {
		fmt.Printf("Pharmacy:    %s (%s)\n", p.ID, p.Name)
	}
	fmt.Printf("Token until: %s\n\n%s\n", expiresAt.Format(time.RFC3339), token)
}

func seedReference(ctx context.Context, c *bootstrap.Components, log *logger.Logger) error {
	return c.TxManager.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err := c.Pharmacies.Load(ctx, demo.Pharmacies())
		if err != nil {
			return fmt.Errorf("load pharmacies: %w", err)
		}
		log.Infow("pharmacies loaded", "count", n)

		n, err = c.Drugs.Load(ctx, demo.Drugs())
		if err != nil {
			return fmt.Errorf("load drugs: %w", err)
		}
		log.Infow("drugs loaded", "count", n)
		return nil
	})
}
