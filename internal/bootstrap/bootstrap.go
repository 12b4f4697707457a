// Package bootstrap wires storage, reference data and the stock engine for
// the server, worker and seed binaries.
package bootstrap

import (
	"context"
	"fmt"

	"pharmstock/internal/config"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/demo"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/cache"
	"pharmstock/internal/infrastructure/metrics"
	"pharmstock/internal/infrastructure/storage/memory"
	"pharmstock/internal/infrastructure/storage/postgres"
	"pharmstock/internal/infrastructure/storage/postgres/catalog_repo"
	"pharmstock/internal/infrastructure/storage/postgres/stock_repo"
	"pharmstock/pkg/logger"
)

// Components is everything a binary may need. Postgres fields are nil
// under the memory driver and Memory is nil under postgres.
type Components struct {
	Service   *stock.Service
	Directory security.PharmacyDirectory

	Pool        *postgres.Pool
	TxManager   *postgres.TxManager
	Drugs       *catalog_repo.DrugRepo
	Pharmacies  *catalog_repo.PharmacyRepo
	References  *cache.ReferenceCache
	Audit       *postgres.AuditService
	Idempotency *postgres.IdempotencyStore

	Memory *memory.Store

	closers []func()
}

// Close releases resources in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// Build opens storage for cfg.App.StorageDriver and creates the engine.
// m may be nil.
func Build(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*Components, error) {
	var observer stock.Observer
	if m != nil {
		observer = m
	}

	switch cfg.App.StorageDriver {
	case config.DriverMemory:
		return buildMemory(cfg, observer), nil
	case config.DriverPostgres:
		return buildPostgres(ctx, cfg, m, observer)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.App.StorageDriver)
	}
}

// StockConfig maps process configuration onto the engine's.
func StockConfig(cfg config.Config) stock.Config {
	sc := stock.DefaultConfig()
	sc.ExpiringSoonDays = cfg.Stock.ExpiringSoonDays
	sc.DefaultMovementLimit = cfg.Stock.DefaultMovementLimit
	sc.MaxMovementLimit = cfg.Stock.MaxMovementLimit
	return sc
}

func buildMemory(cfg config.Config, observer stock.Observer) *Components {
	store := memory.NewStore(cfg.Database.LockTimeout)
	demo.LoadReference(store)

	return &Components{
		Service:   stock.NewService(store, security.NewScopeAuthorizer(store), store, StockConfig(cfg), observer, nil),
		Directory: store,
		Memory:    store,
	}
}

func buildPostgres(ctx context.Context, cfg config.Config, m *metrics.Metrics, observer stock.Observer) (*Components, error) {
	c := &Components{}

	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN)
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	c.Pool = pool
	c.closers = append(c.closers, pool.Close)

	txOpts := postgres.DefaultTxOptions()
	txOpts.StatementTimeout = cfg.Database.StatementTimeout
	txOpts.LockTimeout = cfg.Database.LockTimeout
	c.TxManager = postgres.NewTxManager(pool, txOpts)

	c.Drugs = catalog_repo.NewDrugRepo(c.TxManager)
	c.Pharmacies = catalog_repo.NewPharmacyRepo(c.TxManager)
	c.References = cache.NewReferenceCache(pool.Pool, referenceSource{c.Drugs, c.Pharmacies}, cfg.Database.ReferenceTTL)
	c.References.Start(ctx)
	c.closers = append(c.closers, c.References.Stop)
	c.Directory = c.References

	c.Audit, err = postgres.NewAuditService(c.TxManager, postgres.DefaultCompressThreshold)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create audit service: %w", err)
	}

	if cfg.App.IdempotencyEnabled {
		c.Idempotency = postgres.NewIdempotencyStore(c.TxManager, cfg.App.IdempotencyTTL)
	}

	c.Service = stock.NewService(
		stock_repo.NewRunner(c.TxManager),
		security.NewScopeAuthorizer(c.References),
		c.References,
		StockConfig(cfg),
		observer,
		stock_repo.NewReportArchive(c.Audit),
	)

	if m != nil {
		m.RegisterPool(pool)
	}
	logger.Info(ctx, "postgres storage ready",
		"max_conns", poolCfg.MaxConns,
		"statement_timeout", txOpts.StatementTimeout,
		"lock_timeout", txOpts.LockTimeout,
	)
	return c, nil
}

// referenceSource feeds cache misses from the catalog tables.
type referenceSource struct {
	drugs      *catalog_repo.DrugRepo
	pharmacies *catalog_repo.PharmacyRepo
}

func (s referenceSource) GetDrug(ctx context.Context, drugID id.ID) (entity.Drug, error) {
	return s.drugs.GetDrug(ctx, drugID)
}

func (s referenceSource) GetPharmacy(ctx context.Context, pharmacyID id.ID) (entity.Pharmacy, error) {
	return s.pharmacies.GetPharmacy(ctx, pharmacyID)
}
