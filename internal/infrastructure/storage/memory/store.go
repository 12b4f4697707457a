// Package memory provides an in-process storage driver for development and tests.
//
// Units of work are serialized by a single lock, which gives the same
// guarantees as row locks held until commit: no two units observe the same
// batch at the same time. Each unit works on a copy of the state that
// replaces the committed state only when fn succeeds.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/domain/stock"
)

// OutboxEntry is an event stored by a committed unit of work.
type OutboxEntry struct {
	Seq   int64
	Event stock.Event
}

type state struct {
	batches   map[entity.BatchKey]entity.StockBatch
	movements []entity.StockMovement
	outbox    []OutboxEntry
	sequences map[string]int64
	seq       int64
}

func (s *state) clone() *state {
	return &state{
		batches:   maps.Clone(s.batches),
		movements: slices.Clone(s.movements),
		outbox:    slices.Clone(s.outbox),
		sequences: maps.Clone(s.sequences),
		seq:       s.seq,
	}
}

// Store holds stock state, reference data and the outbox in memory.
type Store struct {
	lock        chan struct{}
	lockTimeout time.Duration
	now         func() time.Time

	state *state

	refMu      sync.RWMutex
	drugs      map[id.ID]entity.Drug
	pharmacies map[id.ID]entity.Pharmacy
}

// NewStore creates an empty store. A positive lockTimeout bounds how long a
// unit of work waits for the lock before failing with ConcurrencyConflict.
func NewStore(lockTimeout time.Duration) *Store {
	return &Store{
		lock:        make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		now:         time.Now,
		state: &state{
			batches:   make(map[entity.BatchKey]entity.StockBatch),
			sequences: make(map[string]int64),
		},
		drugs:      make(map[id.ID]entity.Drug),
		pharmacies: make(map[id.ID]entity.Pharmacy),
	}
}

type activeKey struct{}

// Within runs fn in a unit of work and commits its changes if fn returns nil.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, uow stock.UnitOfWork) error) error {
	return s.run(ctx, false, fn)
}

// ReadOnly runs fn against a private copy that is always discarded.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context, uow stock.UnitOfWork) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(ctx context.Context, uow stock.UnitOfWork) error) error {
	if ctx.Value(activeKey{}) != nil {
		return stock.ErrNestedUnitOfWork
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	work := s.state.clone()
	uow := &unitOfWork{st: work, now: s.now, readOnly: readOnly}
	if err := fn(context.WithValue(ctx, activeKey{}, true), uow); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	// Cancellation before commit is a rollback.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return apperror.NewConcurrencyConflict("stock batch", errors.New("lock wait timeout"))
	}
}

func (s *Store) release() { <-s.lock }

// SetClock replaces the clock used for movement timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// --- reference data ---

// AddDrug registers reference data for a drug.
func (s *Store) AddDrug(d entity.Drug) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	s.drugs[d.ID] = d
}

// AddPharmacy registers a pharmacy and its tenant.
func (s *Store) AddPharmacy(p entity.Pharmacy) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	s.pharmacies[p.ID] = p
}

// GetDrug implements stock.DrugCatalog.
func (s *Store) GetDrug(_ context.Context, drugID id.ID) (entity.Drug, error) {
	s.refMu.RLock()
	defer s.refMu.RUnlock()
	d, ok := s.drugs[drugID]
	if !ok || !d.IsActive {
		return entity.Drug{}, apperror.NewNotFound("drug", drugID.String())
	}
	return d, nil
}

// TenantOf implements security.PharmacyDirectory.
func (s *Store) TenantOf(_ context.Context, pharmacyID id.ID) (string, error) {
	s.refMu.RLock()
	defer s.refMu.RUnlock()
	p, ok := s.pharmacies[pharmacyID]
	if !ok || !p.IsActive {
		return "", apperror.NewNotFound("pharmacy", pharmacyID.String())
	}
	return p.TenantID, nil
}

// --- committed state inspection ---

// Batch returns the committed batch for key.
func (s *Store) Batch(key entity.BatchKey) (entity.StockBatch, bool) {
	s.acquireBlocking()
	defer s.release()
	b, ok := s.state.batches[key]
	return b, ok
}

// Movements returns all committed movements in append order.
func (s *Store) Movements() []entity.StockMovement {
	s.acquireBlocking()
	defer s.release()
	return slices.Clone(s.state.movements)
}

// Outbox returns committed events in append order.
func (s *Store) Outbox() []OutboxEntry {
	s.acquireBlocking()
	defer s.release()
	return slices.Clone(s.state.outbox)
}

// OverwriteBatch writes b without a ledger entry. It simulates manual
// database edits and is only meant for repair drills and tests.
func (s *Store) OverwriteBatch(b entity.StockBatch) {
	s.acquireBlocking()
	defer s.release()
	s.state.batches[b.Key()] = b
}

func (s *Store) acquireBlocking() { s.lock <- struct{}{} }
