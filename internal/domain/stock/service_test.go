package stock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmstock/internal/core/apperror"
	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/memory"
)

const tenantID = "tenant-a"

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
	c.now = types.MustDate(day).Add(10 * time.Hour)
}

type fixture struct {
	t       *testing.T
	store   *memory.Store
	svc     *stock.Service
	clock   *clock
	ctx     context.Context
	p1, p2  id.ID
	foreign id.ID
	drug    id.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		store:   memory.NewStore(0),
		clock:   &clock{},
		p1:      id.New(),
		p2:      id.New(),
		foreign: id.New(),
		drug:    id.New(),
	}
	f.clock.Set("2025-03-01")
	f.store.SetClock(f.clock.Now)

	f.store.AddPharmacy(entity.Pharmacy{ID: f.p1, TenantID: tenantID, Name: "Central", IsActive: true})
	f.store.AddPharmacy(entity.Pharmacy{ID: f.p2, TenantID: tenantID, Name: "Riverside", IsActive: true})
	f.store.AddPharmacy(entity.Pharmacy{ID: f.foreign, TenantID: "tenant-b", Name: "Elsewhere", IsActive: true})
	f.store.AddDrug(entity.Drug{ID: f.drug, Code: "AMOX500", Name: "Amoxicillin 500mg", ReferencePrice: types.MustMoney("9.90"), IsActive: true})

	cfg := stock.DefaultConfig()
	cfg.Now = f.clock.Now
	f.svc = stock.NewService(f.store, security.NewScopeAuthorizer(f.store), f.store, cfg, nil, nil)

	f.ctx = appctx.WithUser(context.Background(), &appctx.UserContext{
		UserID:      "pharmacist-1",
		TenantID:    tenantID,
		PharmacyIDs: []string{f.p1.String(), f.p2.String()},
	})
	return f
}

func (f *fixture) key(pharmacyID id.ID, batchNumber string) entity.BatchKey {
	return entity.BatchKey{PharmacyID: pharmacyID, DrugID: f.drug, BatchNumber: batchNumber}
}

func (f *fixture) receive(pharmacyID id.ID, batchNumber, qty, expiry, cost string) stock.ReceiveResult {
	f.t.Helper()
	res, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
		PharmacyID:  pharmacyID,
		DrugID:      f.drug,
		BatchNumber: batchNumber,
		Quantity:    types.MustQuantity(qty),
		ExpiryDate:  types.MustDate(expiry),
		CostPrice:   types.MustMoney(cost),
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) batch(pharmacyID id.ID, batchNumber string) entity.StockBatch {
	f.t.Helper()
	b, ok := f.store.Batch(f.key(pharmacyID, batchNumber))
	require.True(f.t, ok, "batch %s not found", batchNumber)
	return b
}

// assertLedgerMatches checks that every batch equals the sum of its movements
// and keeps 0 <= allocated <= quantity.
func (f *fixture) assertLedgerMatches() {
	f.t.Helper()
	sums := make(map[entity.BatchKey]types.Quantity)
	for _, m := range f.store.Movements() {
		sums[m.Key()] = sums[m.Key()].Add(m.Quantity)
	}
	for key, sum := range sums {
		b, ok := f.store.Batch(key)
		require.True(f.t, ok)
		assert.True(f.t, sum.Equal(b.Quantity), "batch %s: ledger %s, stored %s", key, sum, b.Quantity)
		assert.NoError(f.t, b.CheckInvariant())
	}
}

func qty(s string) types.Quantity { return types.MustQuantity(s) }

func assertDecimal(t *testing.T, want string, got types.Quantity) {
	t.Helper()
	assert.True(t, types.MustQuantity(want).Equal(got), "want %s, got %s", want, got)
}

func TestReceive(t *testing.T) {
	t.Run("creates batch with reference selling price", func(t *testing.T) {
		f := newFixture(t)
		res := f.receive(f.p1, "LOT-1", "100", "2026-01-01", "5.00")

		assert.True(t, res.Created)
		assertDecimal(t, "100", res.Batch.Quantity)
		assertDecimal(t, "100", res.Batch.AvailableQuantity)
		assertDecimal(t, "9.90", res.Batch.SellingPrice)
		assert.False(t, res.Batch.IsExpired)

		assert.Equal(t, entity.MovementPurchase, res.Movement.Type)
		assertDecimal(t, "100", res.Movement.Quantity)
		assertDecimal(t, "100", res.Movement.BalanceAfter)
		assertDecimal(t, "500", res.Movement.StockValue)
		assertDecimal(t, "500", res.Movement.StockValueDifference)
		assert.Equal(t, "pharmacist-1", res.Movement.UserID)
	})

	t.Run("existing batch adds quantity and takes the latest price", func(t *testing.T) {
		f := newFixture(t)
		f.receive(f.p1, "LOT-1", "100", "2026-01-01", "5.00")
		res := f.receive(f.p1, "LOT-1", "20", "2026-01-01", "6.00")

		assert.False(t, res.Created)
		assertDecimal(t, "120", res.Batch.Quantity)
		assertDecimal(t, "6.00", res.Batch.CostPrice)
		assertDecimal(t, "120", res.Movement.StockValueDifference)
		assertDecimal(t, "620", res.Movement.StockValue)
		f.assertLedgerMatches()
	})

	t.Run("existing batch with another expiry is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.receive(f.p1, "LOT-1", "10", "2026-01-01", "5")

		_, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
			PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "LOT-1",
			Quantity: qty("5"), ExpiryDate: types.MustDate("2026-02-01"), CostPrice: types.MustMoney("5"),
		})
		appErr, ok := apperror.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperror.CodeValidation, appErr.Code)

		b := f.batch(f.p1, "LOT-1")
		assertDecimal(t, "10", b.Quantity)
		assert.Equal(t, "2026-01-01", b.ExpiryDate.String())
		assert.Len(t, f.store.Movements(), 1)
	})

	t.Run("fractional quantity at a four-digit price keeps full value", func(t *testing.T) {
		f := newFixture(t)
		first := f.receive(f.p1, "FR", "0.3333", "2026-01-01", "1.2345")
		assertDecimal(t, "0.41145885", first.Movement.StockValueDifference)
		assert.True(t, types.FitsPlaces(first.Movement.StockValue, types.ValuePlaces))

		second := f.receive(f.p1, "FR", "0.0007", "2026-01-01", "9.9999")
		assertDecimal(t, "0.00699993", second.Movement.StockValueDifference)
		assertDecimal(t, "0.41845878", second.Movement.StockValue)
		f.assertLedgerMatches()
	})

	t.Run("prices beyond four places are rejected", func(t *testing.T) {
		f := newFixture(t)
		selling := types.MustMoney("2.00001")
		for name, req := range map[string]stock.ReceiveRequest{
			"cost price": {
				PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "P",
				Quantity: qty("0.3333"), ExpiryDate: types.MustDate("2026-01-01"), CostPrice: types.MustMoney("1.23456"),
			},
			"selling price": {
				PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "P",
				Quantity: qty("1"), ExpiryDate: types.MustDate("2026-01-01"), CostPrice: types.MustMoney("1"),
				SellingPrice: &selling,
			},
		} {
			_, err := f.svc.Receive(f.ctx, req)
			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok, name)
			assert.Equal(t, apperror.CodeValidation, appErr.Code, name)
			assert.Equal(t, name, appErr.Details["field"], name)
		}
		assert.Empty(t, f.store.Movements())
	})

	t.Run("new batch expiring in the past is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
			PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "OLD",
			Quantity: qty("1"), ExpiryDate: types.MustDate("2025-02-28"), CostPrice: types.MustMoney("1"),
		})
		appErr, ok := apperror.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperror.CodeValidation, appErr.Code)
		assert.Equal(t, stock.OpReceive, appErr.Details["operation"])
	})

	t.Run("unknown drug", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
			PharmacyID: f.p1, DrugID: id.New(), BatchNumber: "X",
			Quantity: qty("1"), ExpiryDate: types.MustDate("2026-01-01"), CostPrice: types.MustMoney("1"),
		})
		assert.True(t, apperror.IsNotFound(err))
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
			PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "X",
			Quantity: qty("0"), ExpiryDate: types.MustDate("2026-01-01"),
		})
		appErr, ok := apperror.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperror.CodeValidation, appErr.Code)
	})
}

func TestDispense_SimpleScenario(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "100", "2026-01-01", "5.00")

	res, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("30")})
	require.NoError(t, err)

	assertDecimal(t, "70", f.batch(f.p1, "A").Quantity)
	require.Len(t, res.Movements, 1)
	m := res.Movements[0]
	assert.Equal(t, entity.MovementSale, m.Type)
	assertDecimal(t, "-30", m.Quantity)
	assertDecimal(t, "70", m.BalanceAfter)
	assertDecimal(t, "-150.00", m.StockValueDifference)
	assertDecimal(t, "350", m.StockValue)
	assertDecimal(t, "5.00", m.ValuationRate)
	assertDecimal(t, "70", res.RemainingAvailable)
	f.assertLedgerMatches()
}

func TestDispense_FEFOAcrossTwoBatches(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "B", "50", "2025-12-01", "2")
	f.receive(f.p1, "A", "10", "2025-06-01", "2")

	res, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("15")})
	require.NoError(t, err)

	require.Len(t, res.Movements, 2)
	assert.Equal(t, "A", res.Movements[0].BatchNumber)
	assertDecimal(t, "-10", res.Movements[0].Quantity)
	assert.Equal(t, "B", res.Movements[1].BatchNumber)
	assertDecimal(t, "-5", res.Movements[1].Quantity)
	assert.Less(t, res.Movements[0].Seq, res.Movements[1].Seq)

	assertDecimal(t, "0", f.batch(f.p1, "A").Quantity)
	assertDecimal(t, "45", f.batch(f.p1, "B").Quantity)
	f.assertLedgerMatches()
}

func TestDispense_SkipsQuarantinedAndExpiredBatches(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "E1", "10", "2025-04-01", "1")
	f.receive(f.p1, "E2", "10", "2025-05-01", "1")
	f.receive(f.p1, "E3", "10", "2025-06-01", "1")

	_, err := f.svc.SetQuarantine(f.ctx, stock.QuarantineRequest{Key: f.key(f.p1, "E2"), Quarantined: true, Reason: "recall"})
	require.NoError(t, err)
	f.clock.Set("2025-04-02") // E1 is now expired

	res, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("4")})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, "E3", res.Movements[0].BatchNumber)
	assertDecimal(t, "10", f.batch(f.p1, "E1").Quantity)
	assertDecimal(t, "10", f.batch(f.p1, "E2").Quantity)

	_, err = f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("7")})
	assert.True(t, apperror.IsInsufficientStock(err))
}

func TestDispense_OverDispenseRejected(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "5", "2026-01-01", "1")
	eventsBefore := len(f.store.Outbox())

	_, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("8")})
	require.Error(t, err)

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientStock, appErr.Code)
	assert.Equal(t, "8", appErr.Details["requested"])
	assert.Equal(t, "5", appErr.Details["available"])
	assert.Equal(t, stock.OpDispense, appErr.Details["operation"])
	assert.Equal(t, f.drug.String(), appErr.Details["drug_id"])

	assertDecimal(t, "5", f.batch(f.p1, "A").Quantity)
	assert.Len(t, f.store.Movements(), 1)
	assert.Len(t, f.store.Outbox(), eventsBefore)
}

func TestDispense_NoStockIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsNotFound(err))
}

func TestDispense_ConcurrentRequestsNeverOversell(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "60", "2025-09-01", "1")
	f.receive(f.p1, "B", "40", "2025-10-01", "1")

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		short     atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("8")})
			switch {
			case err == nil:
				succeeded.Add(1)
			case apperror.IsInsufficientStock(err):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 12, succeeded.Load())
	assert.EqualValues(t, 8, short.Load())
	total := f.batch(f.p1, "A").Quantity.Add(f.batch(f.p1, "B").Quantity)
	assertDecimal(t, "4", total)
	f.assertLedgerMatches()
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2026-01-01", "2")

	res, err := f.svc.Adjust(f.ctx, stock.AdjustRequest{
		PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "A", Quantity: qty("-3"), Reason: "broken vials",
	})
	require.NoError(t, err)
	assertDecimal(t, "7", res.Batch.Quantity)
	assert.Equal(t, entity.MovementAdjustment, res.Movement.Type)
	assert.Equal(t, "10", res.Movement.Metadata["oldQuantity"])
	assert.Equal(t, "7", res.Movement.Metadata["newQuantity"])
	assert.Equal(t, "broken vials", res.Movement.Metadata["reason"])
	assertDecimal(t, "-6", res.Movement.StockValueDifference)

	rate := types.MustMoney("3")
	res, err = f.svc.Adjust(f.ctx, stock.AdjustRequest{
		PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "A", Quantity: qty("2"), Reason: "found in back room", Rate: &rate,
	})
	require.NoError(t, err)
	assertDecimal(t, "6", res.Movement.StockValueDifference)
	assertDecimal(t, "20", res.Movement.StockValue)

	_, err = f.svc.Allocate(f.ctx, stock.ReservationRequest{
		PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("5"), ReferenceType: "order", ReferenceNumber: "SO-1",
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		batch  string
		delta  string
		assert func(t *testing.T, err error)
	}{
		{"negative result", "A", "-10", func(t *testing.T, err error) { assert.True(t, apperror.IsInvalidAdjustment(err)) }},
		{"below allocated", "A", "-5", func(t *testing.T, err error) { assert.True(t, apperror.IsInvalidAdjustment(err)) }},
		{"missing batch", "NOPE", "1", func(t *testing.T, err error) { assert.True(t, apperror.IsNotFound(err)) }},
		{"too many places", "A", "0.000001", isValidation},
		{"too many places when negative", "A", "-0.00001", isValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Adjust(f.ctx, stock.AdjustRequest{
				PharmacyID: f.p1, DrugID: f.drug, BatchNumber: tt.batch, Quantity: qty(tt.delta), Reason: "count",
			})
			tt.assert(t, err)
		})
	}

	rate = types.MustMoney("3.00001")
	_, err = f.svc.Adjust(f.ctx, stock.AdjustRequest{
		PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "A", Quantity: qty("1"), Reason: "count", Rate: &rate,
	})
	isValidation(t, err)

	assertDecimal(t, "9", f.batch(f.p1, "A").Quantity)
	f.assertLedgerMatches()
}

func isValidation(t *testing.T, err error) {
	t.Helper()
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok, "unexpected error: %v", err)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
}

func TestTransfer_CreatesDestinationBatch(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "T1", "40", "2025-11-30", "4.50")

	res, err := f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p1, ToPharmacyID: f.p2, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("10"),
	})
	require.NoError(t, err)

	src := f.batch(f.p1, "T1")
	dst := f.batch(f.p2, "T1")
	assertDecimal(t, "30", src.Quantity)
	assertDecimal(t, "10", dst.Quantity)
	assert.True(t, src.ExpiryDate.Equal(dst.ExpiryDate))
	assertDecimal(t, "4.50", dst.CostPrice)
	assertDecimal(t, "0", dst.MinimumStockLevel)

	assert.Equal(t, entity.MovementTransferOut, res.Out.Type)
	assertDecimal(t, "-10", res.Out.Quantity)
	assert.Equal(t, f.p2.String(), res.Out.Metadata["toPharmacyId"])
	assert.Equal(t, entity.MovementTransferIn, res.In.Type)
	assertDecimal(t, "10", res.In.Quantity)
	assert.Equal(t, f.p1.String(), res.In.Metadata["fromPharmacyId"])
	assert.Equal(t, res.TransferID, res.In.Metadata["transferId"])
	assert.Equal(t, "TRF-2025-00001", res.ReferenceNumber)
	assert.Equal(t, res.ReferenceNumber, res.Out.ReferenceNumber)

	// Each side chains its own value.
	assertDecimal(t, "135", res.Out.StockValue)
	assertDecimal(t, "45", res.In.StockValue)
	f.assertLedgerMatches()
}

func TestTransfer_AddsToExistingDestination(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "T1", "40", "2025-11-30", "4")
	f.receive(f.p2, "T1", "5", "2025-11-30", "4")

	_, err := f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p2, ToPharmacyID: f.p1, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("5"),
	})
	require.NoError(t, err)
	assertDecimal(t, "45", f.batch(f.p1, "T1").Quantity)
	assertDecimal(t, "0", f.batch(f.p2, "T1").Quantity)
	f.assertLedgerMatches()
}

func TestTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "T1", "10", "2025-11-30", "4")

	_, err := f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p1, ToPharmacyID: f.p2, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("11"),
	})
	assert.True(t, apperror.IsInsufficientStock(err))

	_, err = f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p1, ToPharmacyID: f.p1, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("1"),
	})
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)

	_, err = f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p1, ToPharmacyID: f.foreign, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("1"),
	})
	assert.True(t, apperror.IsForbidden(err))

	_, err = f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p2, ToPharmacyID: f.p1, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("1"),
	})
	assert.True(t, apperror.IsNotFound(err))

	assertDecimal(t, "10", f.batch(f.p1, "T1").Quantity)
	_, exists := f.store.Batch(f.key(f.p2, "T1"))
	assert.False(t, exists)
}

func TestAllocateAndRelease(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2025-06-01", "2")
	f.receive(f.p1, "B", "50", "2025-12-01", "2")

	req := stock.ReservationRequest{
		PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("15"), ReferenceType: "prescription", ReferenceNumber: "RX-7",
	}
	res, err := f.svc.Allocate(f.ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Movements, 2)
	for _, m := range res.Movements {
		assert.Equal(t, entity.MovementAllocation, m.Type)
		assertDecimal(t, "0", m.Quantity)
		assertDecimal(t, "0", m.StockValueDifference)
	}
	assertDecimal(t, "20", res.Movements[0].StockValue)
	assert.Equal(t, "0", res.Movements[0].Metadata["allocatedBefore"])
	assert.Equal(t, "10", res.Movements[0].Metadata["allocatedAfter"])

	a, b := f.batch(f.p1, "A"), f.batch(f.p1, "B")
	assertDecimal(t, "10", a.AllocatedQuantity)
	assertDecimal(t, "10", a.Quantity)
	assertDecimal(t, "5", b.AllocatedQuantity)

	available, err := f.svc.Availability(f.ctx, f.p1, f.drug)
	require.NoError(t, err)
	assertDecimal(t, "45", available)

	// Reserved units are not dispensable.
	_, err = f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("46")})
	assert.True(t, apperror.IsInsufficientStock(err))

	req.Quantity = qty("12")
	res, err = f.svc.Release(f.ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Movements, 2)
	assert.Equal(t, entity.MovementRelease, res.Movements[0].Type)
	assertDecimal(t, "0", f.batch(f.p1, "A").AllocatedQuantity)
	assertDecimal(t, "3", f.batch(f.p1, "B").AllocatedQuantity)

	req.Quantity = qty("4")
	_, err = f.svc.Release(f.ctx, req)
	assert.True(t, apperror.IsInsufficientStock(err))
	f.assertLedgerMatches()
}

func TestAllocate_ConcurrentReservationsKeepInvariant(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2025-06-01", "1")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Allocate(f.ctx, stock.ReservationRequest{
				PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("3"), ReferenceType: "order", ReferenceNumber: "SO",
			})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load())
	b := f.batch(f.p1, "A")
	assertDecimal(t, "9", b.AllocatedQuantity)
	assert.NoError(t, b.CheckInvariant())
}

func TestRemoveExpiredStock(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "OLD", "8", "2025-03-10", "2.5")
	f.receive(f.p1, "NEW", "5", "2025-09-01", "2.5")
	_, err := f.svc.Allocate(f.ctx, stock.ReservationRequest{
		PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("3"), ReferenceType: "order", ReferenceNumber: "SO-9",
	})
	require.NoError(t, err)

	f.clock.Set("2025-03-10")
	res, err := f.svc.RemoveExpiredStock(f.ctx, f.p1)
	require.NoError(t, err)
	assert.Empty(t, res.Movements, "a batch expiring today is not expired yet")

	f.clock.Set("2025-03-11")
	res, err = f.svc.RemoveExpiredStock(f.ctx, f.p1)
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	m := res.Movements[0]
	assert.Equal(t, entity.MovementExpiry, m.Type)
	assertDecimal(t, "-8", m.Quantity)
	assert.Equal(t, "20", m.Metadata["lostValue"])
	assertDecimal(t, "20", res.TotalLostValue)
	assertDecimal(t, "3", res.Batches[0].AllocatedReleased)

	old := f.batch(f.p1, "OLD")
	assertDecimal(t, "0", old.Quantity)
	assertDecimal(t, "0", old.AllocatedQuantity)
	assertDecimal(t, "5", f.batch(f.p1, "NEW").Quantity)

	movementsBefore := len(f.store.Movements())
	res, err = f.svc.RemoveExpiredStock(f.ctx, f.p1)
	require.NoError(t, err)
	assert.Empty(t, res.Movements)
	assert.Len(t, f.store.Movements(), movementsBefore)
	f.assertLedgerMatches()
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2026-01-01", "1")
	f.receive(f.p1, "B", "7", "2026-01-01", "1")
	_, err := f.svc.Allocate(f.ctx, stock.ReservationRequest{
		PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("10"), ReferenceType: "order", ReferenceNumber: "SO-1",
	})
	require.NoError(t, err)

	report, err := f.svc.Reconcile(f.ctx, f.p1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.BatchesChecked)
	assert.Empty(t, report.Corrections)

	// Simulate a manual edit that bypassed the ledger.
	drifted := f.batch(f.p1, "A")
	drifted.Quantity = qty("25")
	f.store.OverwriteBatch(drifted)
	drifted = f.batch(f.p1, "B")
	drifted.Quantity = qty("1")
	drifted.AllocatedQuantity = qty("0")
	f.store.OverwriteBatch(drifted)

	report, err = f.svc.Reconcile(f.ctx, f.p1)
	require.NoError(t, err)
	require.Len(t, report.Corrections, 2)

	a := f.batch(f.p1, "A")
	assertDecimal(t, "10", a.Quantity)
	assertDecimal(t, "10", a.AllocatedQuantity)
	assertDecimal(t, "7", f.batch(f.p1, "B").Quantity)

	movements := f.store.Movements()
	last := movements[len(movements)-1]
	assert.Equal(t, entity.MovementAdjustment, last.Type)
	assert.Equal(t, entity.ReferenceReconciliation, last.ReferenceType)
	assertDecimal(t, "0", last.Quantity)
	f.assertLedgerMatches()

	report, err = f.svc.Reconcile(f.ctx, f.p1)
	require.NoError(t, err)
	assert.Empty(t, report.Corrections)
}

func TestReconcile_ClampsAllocation(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "4", "2026-01-01", "1")

	b := f.batch(f.p1, "A")
	b.Quantity = qty("10")
	b.AllocatedQuantity = qty("9")
	f.store.OverwriteBatch(b)

	report, err := f.svc.Reconcile(f.ctx, f.p1)
	require.NoError(t, err)
	require.Len(t, report.Corrections, 1)
	c := report.Corrections[0]
	assertDecimal(t, "9", c.OldAllocated)
	assertDecimal(t, "4", c.NewAllocated)
	assert.NoError(t, f.batch(f.p1, "A").CheckInvariant())
}

func TestAccessScoping(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2026-01-01", "1")

	restricted := appctx.WithUser(context.Background(), &appctx.UserContext{
		UserID: "clerk", TenantID: tenantID, PharmacyIDs: []string{f.p2.String()},
	})
	_, err := f.svc.Dispense(restricted, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsForbidden(err))

	_, err = f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.foreign, DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsForbidden(err))

	_, err = f.svc.Dispense(context.Background(), stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsForbidden(err))

	_, err = f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: id.New(), DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsForbidden(err))

	admin := appctx.WithUser(context.Background(), &appctx.UserContext{UserID: "root", TenantID: tenantID, IsAdmin: true})
	_, err = f.svc.Dispense(admin, stock.DispenseRequest{PharmacyID: id.New(), DrugID: f.drug, Quantity: qty("1")})
	assert.True(t, apperror.IsNotFound(err))
	_, err = f.svc.Dispense(admin, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
	assert.NoError(t, err)

	system := appctx.WithSystemUser(context.Background(), tenantID)
	_, err = f.svc.Reconcile(system, f.p1)
	assert.NoError(t, err)

	assertDecimal(t, "9", f.batch(f.p1, "A").Quantity)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	level := qty("20")
	_, err := f.svc.Receive(f.ctx, stock.ReceiveRequest{
		PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "A", Quantity: qty("12"),
		ExpiryDate: types.MustDate("2025-04-15"), CostPrice: types.MustMoney("2"), MinimumStockLevel: &level,
	})
	require.NoError(t, err)
	f.receive(f.p1, "B", "6", "2025-12-31", "3")

	t.Run("expiring soon uses an inclusive horizon", func(t *testing.T) {
		views, err := f.svc.ExpiringSoon(f.ctx, f.p1, 45)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, "A", views[0].BatchNumber)
		assert.True(t, views[0].IsExpiringSoon)

		views, err = f.svc.ExpiringSoon(f.ctx, f.p1, 44)
		require.NoError(t, err)
		assert.Empty(t, views)
	})

	t.Run("low stock aggregates per drug", func(t *testing.T) {
		lines, err := f.svc.LowStock(f.ctx, f.p1)
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assertDecimal(t, "18", lines[0].TotalQuantity)
		assertDecimal(t, "20", lines[0].MinimumStockLevel)
		assert.Equal(t, 2, lines[0].Batches)
	})

	t.Run("valuation compares state and ledger", func(t *testing.T) {
		report, err := f.svc.Valuation(f.ctx, f.p1)
		require.NoError(t, err)
		require.Len(t, report.Lines, 2)
		assertDecimal(t, "42", report.TotalStateValue)
		assertDecimal(t, "42", report.TotalLedgerValue)
	})

	t.Run("movements newest first with filters", func(t *testing.T) {
		_, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
		require.NoError(t, err)

		all, err := f.svc.ListMovements(f.ctx, f.p1, stock.MovementFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, entity.MovementSale, all[0].Type)

		sales, err := f.svc.ListMovements(f.ctx, f.p1, stock.MovementFilter{Types: []entity.MovementType{entity.MovementPurchase}, Limit: 1})
		require.NoError(t, err)
		require.Len(t, sales, 1)
		assert.Equal(t, "B", sales[0].BatchNumber)

		_, err = f.svc.ListMovements(f.ctx, f.p1, stock.MovementFilter{Types: []entity.MovementType{"GIFT"}})
		assert.Error(t, err)
	})

	t.Run("batch settings", func(t *testing.T) {
		price := types.MustMoney("4.25")
		view, err := f.svc.UpdateBatchSettings(f.ctx, stock.BatchSettingsRequest{Key: f.key(f.p1, "B"), SellingPrice: &price})
		require.NoError(t, err)
		assertDecimal(t, "4.25", view.SellingPrice)

		got, err := f.svc.GetBatch(f.ctx, f.key(f.p1, "B"))
		require.NoError(t, err)
		assertDecimal(t, "4.25", got.SellingPrice)
	})
}

func TestLedgerConsistencyOverMixedOperations(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "30", "2025-05-01", "1.10")
	f.receive(f.p1, "B", "30", "2025-07-01", "1.20")
	f.receive(f.p1, "C", "30", "2025-09-01", "1.30")

	steps := []func() error{
		func() error {
			_, err := f.svc.Dispense(f.ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("35.5")})
			return err
		},
		func() error {
			_, err := f.svc.Allocate(f.ctx, stock.ReservationRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("10"), ReferenceType: "o", ReferenceNumber: "1"})
			return err
		},
		func() error {
			_, err := f.svc.Transfer(f.ctx, stock.TransferRequest{FromPharmacyID: f.p1, ToPharmacyID: f.p2, DrugID: f.drug, BatchNumber: "C", Quantity: qty("7.25")})
			return err
		},
		func() error {
			_, err := f.svc.Adjust(f.ctx, stock.AdjustRequest{PharmacyID: f.p1, DrugID: f.drug, BatchNumber: "B", Quantity: qty("-2"), Reason: "damaged"})
			return err
		},
		func() error {
			_, err := f.svc.Release(f.ctx, stock.ReservationRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("4"), ReferenceType: "o", ReferenceNumber: "1"})
			return err
		},
		func() error {
			f.clock.Set("2025-07-02")
			_, err := f.svc.RemoveExpiredStock(f.ctx, f.p1)
			return err
		},
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		f.assertLedgerMatches()
	}

	report, err := f.svc.Reconcile(f.ctx, f.p1)
	require.NoError(t, err)
	assert.Empty(t, report.Corrections)
}

func TestContextCancellationRollsBack(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "A", "10", "2026-01-01", "1")

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err := f.svc.Dispense(ctx, stock.DispenseRequest{PharmacyID: f.p1, DrugID: f.drug, Quantity: qty("1")})
	require.Error(t, err)
	assertDecimal(t, "10", f.batch(f.p1, "A").Quantity)
}

func TestTransfer_NumbersOnlyCommittedTransfers(t *testing.T) {
	f := newFixture(t)
	f.receive(f.p1, "T1", "5", "2025-11-30", "1.00")
	transfer := func(quantity string) (stock.TransferResult, error) {
		return f.svc.Transfer(f.ctx, stock.TransferRequest{
			FromPharmacyID: f.p1, ToPharmacyID: f.p2, DrugID: f.drug, BatchNumber: "T1", Quantity: qty(quantity),
		})
	}

	first, err := transfer("1")
	require.NoError(t, err)
	_, err = transfer("100")
	require.Error(t, err)
	second, err := transfer("1")
	require.NoError(t, err)

	assert.Equal(t, "TRF-2025-00001", first.ReferenceNumber)
	assert.Equal(t, "TRF-2025-00002", second.ReferenceNumber)

	named, err := f.svc.Transfer(f.ctx, stock.TransferRequest{
		FromPharmacyID: f.p1, ToPharmacyID: f.p2, DrugID: f.drug, BatchNumber: "T1", Quantity: qty("1"),
		ReferenceNumber: "WAYBILL-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "WAYBILL-9", named.In.ReferenceNumber)
}
