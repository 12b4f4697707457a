// Package cache provides caching of reference data with PostgreSQL LISTEN/NOTIFY invalidation.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/pkg/logger"
)

// ReferenceChannel is the NOTIFY channel raised by triggers on ref_drugs and
// ref_pharmacies. Payload format: "drug:<uuid>", "pharmacy:<uuid>" or empty to flush.
const ReferenceChannel = "reference_changed"

// ReferenceSource loads reference rows on a cache miss.
type ReferenceSource interface {
	GetDrug(ctx context.Context, drugID id.ID) (entity.Drug, error)
	GetPharmacy(ctx context.Context, pharmacyID id.ID) (entity.Pharmacy, error)
}

// ReferenceCache memoizes drug and pharmacy lookups done on every stock
// operation. Entries live until a NOTIFY invalidates them or the TTL passes.
type ReferenceCache struct {
	pool   *pgxpool.Pool
	source ReferenceSource
	ttl    time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	drugs      map[id.ID]cached[entity.Drug]
	pharmacies map[id.ID]cached[entity.Pharmacy]

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type cached[T any] struct {
	value    T
	loadedAt time.Time
}

// NewReferenceCache creates a cache over source. pool may be nil, in which
// case Start is a no-op and only the TTL expires entries.
func NewReferenceCache(pool *pgxpool.Pool, source ReferenceSource, ttl time.Duration) *ReferenceCache {
	return &ReferenceCache{
		pool:       pool,
		source:     source,
		ttl:        ttl,
		now:        time.Now,
		drugs:      make(map[id.ID]cached[entity.Drug]),
		pharmacies: make(map[id.ID]cached[entity.Pharmacy]),
	}
}

// GetDrug implements stock.DrugCatalog.
func (c *ReferenceCache) GetDrug(ctx context.Context, drugID id.ID) (entity.Drug, error) {
	if d, ok := lookup(c, c.drugs, drugID); ok {
		return d, nil
	}
	d, err := c.source.GetDrug(ctx, drugID)
	if err != nil {
		return entity.Drug{}, err
	}
	c.mu.Lock()
	c.drugs[drugID] = cached[entity.Drug]{value: d, loadedAt: c.now()}
	c.mu.Unlock()
	return d, nil
}

// TenantOf implements security.PharmacyDirectory.
func (c *ReferenceCache) TenantOf(ctx context.Context, pharmacyID id.ID) (string, error) {
	if p, ok := lookup(c, c.pharmacies, pharmacyID); ok {
		return p.TenantID, nil
	}
	p, err := c.source.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.pharmacies[pharmacyID] = cached[entity.Pharmacy]{value: p, loadedAt: c.now()}
	c.mu.Unlock()
	return p.TenantID, nil
}

func lookup[T any](c *ReferenceCache, m map[id.ID]cached[T], key id.ID) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := m[key]
	if !ok || (c.ttl > 0 && c.now().Sub(entry.loadedAt) > c.ttl) {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Invalidate drops entries named by a NOTIFY payload.
func (c *ReferenceCache) Invalidate(payload string) {
	kind, rawID, _ := strings.Cut(strings.TrimSpace(payload), ":")
	entryID, err := id.Parse(rawID)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		clear(c.drugs)
		clear(c.pharmacies)
	case kind == "drug":
		delete(c.drugs, entryID)
	case kind == "pharmacy":
		delete(c.pharmacies, entryID)
	default:
		clear(c.drugs)
		clear(c.pharmacies)
	}
}

// Start begins listening for invalidations.
func (c *ReferenceCache) Start(ctx context.Context) {
	if c.pool == nil {
		return
	}
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.listenLoop(ctx)
	logger.Info(ctx, "reference cache started")
}

// Stop gracefully stops the listener.
func (c *ReferenceCache) Stop() {
	c.lifecycleMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *ReferenceCache) listenLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			logger.Error(ctx, "failed to acquire connection for LISTEN", "error", err)
			sleep(ctx, time.Second)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+ReferenceChannel); err != nil {
			logger.Error(ctx, "failed to LISTEN", "error", err)
			conn.Release()
			sleep(ctx, time.Second)
			continue
		}

		// Notifications sent while we were not listening are lost.
		c.Invalidate("")

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "reference listener interrupted", "error", err)
				}
				break
			}
			logger.Debug(ctx, "reference changed", "payload", notification.Payload)
			c.Invalidate(notification.Payload)
		}
		conn.Release()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
