package memory

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"time"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
)

var errReadOnly = errors.New("write in read-only unit of work")

type unitOfWork struct {
	st       *state
	now      func() time.Time
	readOnly bool
}

func (u *unitOfWork) Batches() stock.BatchStore      { return batchStore{u} }
func (u *unitOfWork) Movements() stock.MovementStore { return movementStore{u} }
func (u *unitOfWork) Events() stock.EventPublisher   { return publisher{u} }
func (u *unitOfWork) Sequences() stock.SequenceStore { return sequenceStore{u} }

// --- sequences ---

type sequenceStore struct{ u *unitOfWork }

func (s sequenceStore) Advance(_ context.Context, key string) (int64, error) {
	if s.u.readOnly {
		return 0, errReadOnly
	}
	s.u.st.sequences[key]++
	return s.u.st.sequences[key], nil
}

// --- batches ---

type batchStore struct{ u *unitOfWork }

func (b batchStore) Find(_ context.Context, key entity.BatchKey) (entity.StockBatch, error) {
	batch, ok := b.u.st.batches[key]
	if !ok {
		return entity.StockBatch{}, apperror.NewNotFound("stock batch", key.String())
	}
	return batch, nil
}

func (b batchStore) FindForUpdate(ctx context.Context, key entity.BatchKey) (entity.StockBatch, error) {
	return b.Find(ctx, key)
}

func (b batchStore) Upsert(_ context.Context, batch entity.StockBatch) (entity.StockBatch, error) {
	if b.u.readOnly {
		return entity.StockBatch{}, errReadOnly
	}
	now := b.u.now().UTC()
	key := batch.Key()
	existing, exists := b.u.st.batches[key]
	if id.IsNil(batch.ID) {
		if exists {
			return entity.StockBatch{}, apperror.NewConcurrencyConflict("stock batch",
				errors.New("batch created by a concurrent unit of work"))
		}
		batch.ID = id.New()
		batch.CreatedAt = now
	} else if exists {
		batch.CreatedAt = existing.CreatedAt
	}
	batch.UpdatedAt = now
	b.u.st.batches[key] = batch
	return batch, nil
}

func (b batchStore) FindAvailableForUpdate(_ context.Context, pharmacyID, drugID id.ID, today types.Date) ([]entity.StockBatch, error) {
	return b.collect(func(x entity.StockBatch) bool {
		return x.PharmacyID == pharmacyID && x.DrugID == drugID && x.IsSellable(today)
	}, byExpiry), nil
}

func (b batchStore) FindAllocatedForUpdate(_ context.Context, pharmacyID, drugID id.ID) ([]entity.StockBatch, error) {
	return b.collect(func(x entity.StockBatch) bool {
		return x.PharmacyID == pharmacyID && x.DrugID == drugID && x.AllocatedQuantity.IsPositive()
	}, byExpiry), nil
}

func (b batchStore) FindExpiredForUpdate(_ context.Context, pharmacyID id.ID, today types.Date) ([]entity.StockBatch, error) {
	return b.collect(func(x entity.StockBatch) bool {
		return x.PharmacyID == pharmacyID && x.IsExpiredOn(today) && x.Quantity.IsPositive()
	}, byKey), nil
}

func (b batchStore) ListForUpdate(_ context.Context, pharmacyID id.ID) ([]entity.StockBatch, error) {
	return b.collect(func(x entity.StockBatch) bool { return x.PharmacyID == pharmacyID }, byKey), nil
}

func (b batchStore) List(_ context.Context, pharmacyID id.ID, f stock.BatchFilter) ([]entity.StockBatch, error) {
	return b.collect(func(x entity.StockBatch) bool {
		if x.PharmacyID != pharmacyID {
			return false
		}
		if f.DrugID != nil && x.DrugID != *f.DrugID {
			return false
		}
		if f.QuarantinedOnly && !x.IsQuarantined {
			return false
		}
		expiring := f.ExpiringFrom != nil || f.ExpiringBy != nil
		if (!f.IncludeEmpty || expiring) && !x.Quantity.IsPositive() {
			return false
		}
		if f.ExpiringFrom != nil && x.ExpiryDate.Before(*f.ExpiringFrom) {
			return false
		}
		if f.ExpiringBy != nil && x.ExpiryDate.After(*f.ExpiringBy) {
			return false
		}
		return true
	}, byDrugExpiry), nil
}

func (b batchStore) PharmaciesWithStock(context.Context) ([]id.ID, error) {
	seen := make(map[id.ID]struct{})
	for _, x := range b.u.st.batches {
		seen[x.PharmacyID] = struct{}{}
	}
	out := slices.Collect(maps.Keys(seen))
	slices.SortFunc(out, func(a, b id.ID) int { return cmp.Compare(a.String(), b.String()) })
	return out, nil
}

func (b batchStore) collect(keep func(entity.StockBatch) bool, order func(a, b entity.StockBatch) int) []entity.StockBatch {
	var out []entity.StockBatch
	for _, x := range b.u.st.batches {
		if keep(x) {
			out = append(out, x)
		}
	}
	slices.SortFunc(out, order)
	return out
}

func byKey(a, b entity.StockBatch) int {
	switch {
	case a.Key().Less(b.Key()):
		return -1
	case b.Key().Less(a.Key()):
		return 1
	}
	return 0
}

func byExpiry(a, b entity.StockBatch) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.BatchNumber, b.BatchNumber)
}

func byDrugExpiry(a, b entity.StockBatch) int {
	if c := cmp.Compare(a.DrugID.String(), b.DrugID.String()); c != 0 {
		return c
	}
	return byExpiry(a, b)
}

// --- movements ---

type movementStore struct{ u *unitOfWork }

func (m movementStore) Append(_ context.Context, mv entity.StockMovement) (entity.StockMovement, error) {
	if m.u.readOnly {
		return entity.StockMovement{}, errReadOnly
	}
	m.u.st.seq++
	mv.Seq = m.u.st.seq
	if id.IsNil(mv.ID) {
		mv.ID = id.New()
	}
	mv.CreatedAt = m.u.now().UTC()
	mv.Metadata = maps.Clone(mv.Metadata)
	m.u.st.movements = append(m.u.st.movements, mv)
	return mv, nil
}

func (m movementStore) LatestFor(_ context.Context, key entity.BatchKey) (entity.StockMovement, bool, error) {
	for i := len(m.u.st.movements) - 1; i >= 0; i-- {
		if m.u.st.movements[i].Key() == key {
			return m.u.st.movements[i], true, nil
		}
	}
	return entity.StockMovement{}, false, nil
}

func (m movementStore) List(ctx context.Context, pharmacyID id.ID, f stock.MovementFilter) iter.Seq2[entity.StockMovement, error] {
	movements := m.u.st.movements
	return func(yield func(entity.StockMovement, error) bool) {
		n := 0
		for i := len(movements) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(entity.StockMovement{}, err)
				return
			}
			mv := movements[i]
			if !matches(mv, pharmacyID, f) {
				continue
			}
			if f.Limit > 0 && n >= f.Limit {
				return
			}
			n++
			if !yield(mv, nil) {
				return
			}
		}
	}
}

func matches(mv entity.StockMovement, pharmacyID id.ID, f stock.MovementFilter) bool {
	if mv.PharmacyID != pharmacyID {
		return false
	}
	if f.DrugID != nil && mv.DrugID != *f.DrugID {
		return false
	}
	if f.BatchNumber != "" && mv.BatchNumber != f.BatchNumber {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, mv.Type) {
		return false
	}
	if f.From != nil && mv.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !mv.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (m movementStore) SumByBatch(_ context.Context, pharmacyID id.ID) (map[entity.BatchKey]types.Quantity, error) {
	sums := make(map[entity.BatchKey]types.Quantity)
	for _, mv := range m.u.st.movements {
		if mv.PharmacyID != pharmacyID {
			continue
		}
		key := mv.Key()
		sums[key] = sums[key].Add(mv.Quantity)
	}
	return sums, nil
}

// --- outbox ---

type publisher struct{ u *unitOfWork }

func (p publisher) Publish(_ context.Context, event stock.Event) error {
	if p.u.readOnly {
		return errReadOnly
	}
	p.u.st.seq++
	p.u.st.outbox = append(p.u.st.outbox, OutboxEntry{Seq: p.u.st.seq, Event: event})
	return nil
}
