package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/memory"
	"pharmstock/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(day string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = types.MustDate(day).Add(8 * time.Hour)
}

type sweepFixture struct {
	store *memory.Store
	svc   *stock.Service
	clock *clock
	drug  id.ID
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		store: memory.NewStore(0),
		clock: &clock{},
		drug:  id.New(),
	}
	f.clock.Set("2025-01-10")
	f.store.SetClock(f.clock.Now)
	f.store.AddDrug(entity.Drug{ID: f.drug, Code: "INS100", Name: "Insulin 100IU", IsActive: true})

	cfg := stock.DefaultConfig()
	cfg.Now = f.clock.Now
	f.svc = stock.NewService(f.store, security.NewScopeAuthorizer(f.store), f.store, cfg, nil, nil)
	return f
}

func (f *sweepFixture) pharmacy(t *testing.T, tenantID string, batches map[string]string) id.ID {
	t.Helper()
	pharmacyID := id.New()
	f.store.AddPharmacy(entity.Pharmacy{ID: pharmacyID, TenantID: tenantID, Name: tenantID, IsActive: true})

	ctx := appctx.WithSystemUser(context.Background(), tenantID)
	for number, expiry := range batches {
		_, err := f.svc.Receive(ctx, stock.ReceiveRequest{
			PharmacyID:  pharmacyID,
			DrugID:      f.drug,
			BatchNumber: number,
			Quantity:    types.MustQuantity("5"),
			ExpiryDate:  types.MustDate(expiry),
			CostPrice:   types.MustMoney("4.00"),
		})
		require.NoError(t, err)
	}
	return pharmacyID
}

func TestStockJobs_SweepExpiredAcrossTenants(t *testing.T) {
	f := newSweepFixture(t)
	a := f.pharmacy(t, "tenant-a", map[string]string{"OLD-A": "2025-02-01", "NEW-A": "2026-01-01"})
	b := f.pharmacy(t, "tenant-b", map[string]string{"OLD-B": "2025-02-15"})

	f.clock.Set("2025-03-01")
	jobs := NewStockJobs(f.svc, f.store)
	require.NoError(t, jobs.SweepExpired(context.Background()))

	for _, key := range []entity.BatchKey{
		{PharmacyID: a, DrugID: f.drug, BatchNumber: "OLD-A"},
		{PharmacyID: b, DrugID: f.drug, BatchNumber: "OLD-B"},
	} {
		batch, ok := f.store.Batch(key)
		require.True(t, ok)
		assert.True(t, batch.Quantity.IsZero(), key.BatchNumber)
	}
	kept, ok := f.store.Batch(entity.BatchKey{PharmacyID: a, DrugID: f.drug, BatchNumber: "NEW-A"})
	require.True(t, ok)
	assert.Equal(t, "5", kept.Quantity.String())

	// A second sweep has nothing left to write off.
	before := len(f.store.Movements())
	require.NoError(t, jobs.SweepExpired(context.Background()))
	assert.Len(t, f.store.Movements(), before)
}

func TestStockJobs_ReconcileAll(t *testing.T) {
	f := newSweepFixture(t)
	f.pharmacy(t, "tenant-a", map[string]string{"LOT-1": "2026-01-01"})
	f.pharmacy(t, "tenant-b", map[string]string{"LOT-2": "2026-01-01"})

	assert.NoError(t, NewStockJobs(f.svc, f.store).ReconcileAll(context.Background()))
}

type failingDirectory struct {
	security.PharmacyDirectory
	fail id.ID
}

func (d failingDirectory) TenantOf(ctx context.Context, pharmacyID id.ID) (string, error) {
	if pharmacyID == d.fail {
		return "", errors.New("directory unavailable")
	}
	return d.PharmacyDirectory.TenantOf(ctx, pharmacyID)
}

func TestStockJobs_FailingPharmacyDoesNotStopSweep(t *testing.T) {
	f := newSweepFixture(t)
	broken := f.pharmacy(t, "tenant-a", map[string]string{"OLD-A": "2025-02-01"})
	healthy := f.pharmacy(t, "tenant-b", map[string]string{"OLD-B": "2025-02-01"})

	f.clock.Set("2025-03-01")
	jobs := NewStockJobs(f.svc, failingDirectory{PharmacyDirectory: f.store, fail: broken})
	err := jobs.SweepExpired(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	batch, ok := f.store.Batch(entity.BatchKey{PharmacyID: healthy, DrugID: f.drug, BatchNumber: "OLD-B"})
	require.True(t, ok)
	assert.True(t, batch.Quantity.IsZero())
}

type relayFake struct {
	batches []int
	calls   int
	moved   int64
	cutoff  time.Time
	inTx    bool
}

func (r *relayFake) ProcessBatch(context.Context) (int, error) {
	if r.calls >= len(r.batches) {
		r.calls++
		return 0, nil
	}
	n := r.batches[r.calls]
	r.calls++
	return n, nil
}

func (r *relayFake) MoveToDLQ(ctx context.Context) (int64, error) {
	r.inTx = ctx.Value(txKey{}) != nil
	return r.moved, nil
}

func (r *relayFake) PurgePublished(_ context.Context, olderThan time.Time) (int64, error) {
	r.cutoff = olderThan
	return 0, nil
}

type txKey struct{}

type txFake struct{ runs int }

func (m *txFake) RunInTransaction(ctx context.Context, fn func(context.Context) error) error {
	m.runs++
	return fn(context.WithValue(ctx, txKey{}, true))
}

func TestOutboxJobs(t *testing.T) {
	t.Run("relay drains until empty", func(t *testing.T) {
		relay := &relayFake{batches: []int{100, 100, 7}}
		require.NoError(t, NewOutboxJobs(relay, &txFake{}, time.Hour).Relay(context.Background()))
		assert.Equal(t, 4, relay.calls)
	})

	t.Run("maintenance runs in one transaction", func(t *testing.T) {
		relay := &relayFake{moved: 2}
		txm := &txFake{}
		jobs := NewOutboxJobs(relay, txm, 24*time.Hour)
		now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		jobs.now = func() time.Time { return now }

		require.NoError(t, jobs.Maintain(context.Background()))
		assert.Equal(t, 1, txm.runs)
		assert.True(t, relay.inTx)
		assert.Equal(t, now.Add(-24*time.Hour), relay.cutoff)
	})
}

type cleanerFake struct{ err error }

func (c cleanerFake) CleanupExpired(context.Context) (int64, error) { return 3, c.err }

func TestCleanupIdempotency(t *testing.T) {
	assert.NoError(t, CleanupIdempotency(cleanerFake{})(context.Background()))
	assert.Error(t, CleanupIdempotency(cleanerFake{err: errors.New("db down")})(context.Background()))
}

func TestWorker_RunOnceRecoversPanic(t *testing.T) {
	w := New(logger.NewFromCore(zapcore.NewNopCore()))
	err := w.RunOnce(context.Background(), Job{Name: "boom", Run: func(context.Context) error {
		panic("boom")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	w := New(logger.NewFromCore(zapcore.NewNopCore()))
	runs := make(chan struct{}, 16)
	w.Add(Job{Name: "tick", Interval: time.Millisecond, Run: func(context.Context) error {
		select {
		case runs <- struct{}{}:
		default:
		}
		return nil
	}})
	w.Add(Job{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }})
	assert.Equal(t, []string{"tick"}, w.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-runs
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
