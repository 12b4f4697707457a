package worker

import (
	"context"
	"fmt"
	"time"

	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/core/tx"
	"pharmstock/internal/domain/stock"
	"pharmstock/pkg/logger"
)

// Engine is the part of the stock service the sweeps drive.
type Engine interface {
	PharmaciesWithStock(ctx context.Context) ([]id.ID, error)
	RemoveExpiredStock(ctx context.Context, pharmacyID id.ID) (stock.ExpiryResult, error)
	Reconcile(ctx context.Context, pharmacyID id.ID) (stock.ReconcileReport, error)
}

// StockJobs fans the engine's maintenance operations out over every
// pharmacy holding stock, each under a system user of the owning tenant.
type StockJobs struct {
	engine    Engine
	directory security.PharmacyDirectory
}

// NewStockJobs creates the sweeps.
func NewStockJobs(engine Engine, directory security.PharmacyDirectory) *StockJobs {
	return &StockJobs{engine: engine, directory: directory}
}

// SweepExpired writes off expired batches in every pharmacy.
func (j *StockJobs) SweepExpired(ctx context.Context) error {
	return j.forEachPharmacy(ctx, "expiry sweep", func(ctx context.Context, pharmacyID id.ID) error {
		res, err := j.engine.RemoveExpiredStock(ctx, pharmacyID)
		if err != nil {
			return err
		}
		if len(res.Batches) > 0 {
			logger.Info(ctx, "expired batches written off",
				"pharmacy_id", pharmacyID,
				"batches", len(res.Batches),
				"lost_value", res.TotalLostValue.StringFixed(2),
			)
		}
		return nil
	})
}

// ReconcileAll rebuilds batch quantities from the ledger in every pharmacy.
func (j *StockJobs) ReconcileAll(ctx context.Context) error {
	return j.forEachPharmacy(ctx, "reconcile", func(ctx context.Context, pharmacyID id.ID) error {
		report, err := j.engine.Reconcile(ctx, pharmacyID)
		if err != nil {
			return err
		}
		if len(report.Corrections) > 0 || len(report.Unrepaired) > 0 || len(report.OrphanLedgerKeys) > 0 {
			logger.Warn(ctx, "reconcile found drift",
				"pharmacy_id", pharmacyID,
				"corrections", len(report.Corrections),
				"unrepaired", len(report.Unrepaired),
				"orphans", len(report.OrphanLedgerKeys),
			)
		}
		return nil
	})
}

// forEachPharmacy keeps going after a failing pharmacy and reports the count.
func (j *StockJobs) forEachPharmacy(ctx context.Context, op string, fn func(context.Context, id.ID) error) error {
	pharmacies, err := j.engine.PharmaciesWithStock(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	failed := 0
	for _, pharmacyID := range pharmacies {
		if err := ctx.Err(); err != nil {
			return err
		}
		tenantID, err := j.directory.TenantOf(ctx, pharmacyID)
		if err != nil {
			logger.Warn(ctx, op+" skipped pharmacy", "pharmacy_id", pharmacyID, "error", err)
			failed++
			continue
		}
		if err := fn(appctx.WithSystemUser(ctx, tenantID), pharmacyID); err != nil {
			logger.Error(ctx, op+" failed", "pharmacy_id", pharmacyID, "tenant_id", tenantID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d pharmacies", op, failed, len(pharmacies))
	}
	return nil
}

// OutboxRelay is implemented by postgres.OutboxRelay.
type OutboxRelay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutboxJobs delivers pending stock events and keeps the outbox table small.
type OutboxJobs struct {
	relay     OutboxRelay
	txManager tx.Manager
	retention time.Duration
	now       func() time.Time
}

// NewOutboxJobs creates the outbox jobs. Published rows older than retention are purged.
func NewOutboxJobs(relay OutboxRelay, txManager tx.Manager, retention time.Duration) *OutboxJobs {
	return &OutboxJobs{relay: relay, txManager: txManager, retention: retention, now: time.Now}
}

// Relay drains the outbox batch by batch until a batch comes back empty.
func (j *OutboxJobs) Relay(ctx context.Context) error {
	total := 0
	for {
		n, err := j.relay.ProcessBatch(ctx)
		total += n
		if err != nil {
			return fmt.Errorf("relay outbox: %w", err)
		}
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		logger.Debug(ctx, "outbox relayed", "messages", total)
	}
	return nil
}

// Maintain moves exhausted messages to the dead letter table and purges old
// published rows in one transaction.
func (j *OutboxJobs) Maintain(ctx context.Context) error {
	return j.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		moved, err := j.relay.MoveToDLQ(ctx)
		if err != nil {
			return fmt.Errorf("move outbox to dlq: %w", err)
		}
		purged, err := j.relay.PurgePublished(ctx, j.now().Add(-j.retention))
		if err != nil {
			return fmt.Errorf("purge outbox: %w", err)
		}
		if moved > 0 {
			logger.Warn(ctx, "outbox messages moved to dlq", "count", moved)
		}
		if purged > 0 {
			logger.Info(ctx, "published outbox messages purged", "count", purged)
		}
		return nil
	})
}

// KeyCleaner is implemented by postgres.IdempotencyStore.
type KeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// CleanupIdempotency returns a job body deleting expired idempotency keys.
func CleanupIdempotency(cleaner KeyCleaner) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := cleaner.CleanupExpired(ctx)
		if err != nil {
			return fmt.Errorf("cleanup idempotency keys: %w", err)
		}
		if n > 0 {
			logger.Info(ctx, "expired idempotency keys removed", "count", n)
		}
		return nil
	}
}
