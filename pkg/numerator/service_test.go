package numerator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySequence struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (m *memorySequence) Advance(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.values == nil {
		m.values = map[string]int64{}
	}
	m.values[key]++
	return m.values[key], nil
}

func TestKey(t *testing.T) {
	period := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "acme:TRF_2025", Key(DefaultConfig("TRF"), "acme", period))

	monthly := DefaultConfig("TRF")
	monthly.ResetPeriod = ResetMonthly
	assert.Equal(t, "TRF_2025_03", Key(monthly, "", period))

	never := DefaultConfig("TRF")
	never.ResetPeriod = ResetNever
	assert.Equal(t, "acme:TRF", Key(never, "acme", period))
}

func TestFormat(t *testing.T) {
	period := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "TRF-2025-00042", Format(DefaultConfig("TRF"), period, 42))
	assert.Equal(t, "RX-007", Format(Config{Prefix: "RX", PadWidth: 3}, period, 7))
	assert.Equal(t, "RX-123456", Format(Config{Prefix: "RX", PadWidth: 3}, period, 123456))
}

func TestParse(t *testing.T) {
	assert.Equal(t, int64(42), Parse("TRF-2025-00042"))
	assert.Equal(t, int64(7), Parse("RX-007"))
	assert.Equal(t, int64(-1), Parse("TRF-2025-"))
	assert.Equal(t, int64(-1), Parse("garbage"))
}

func TestNext(t *testing.T) {
	ctx := context.Background()
	seq := &memorySequence{}
	cfg := DefaultConfig("TRF")
	y2025 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	y2026 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	first, err := Next(ctx, seq, cfg, "acme", y2025)
	require.NoError(t, err)
	second, err := Next(ctx, seq, cfg, "acme", y2025)
	require.NoError(t, err)
	other, err := Next(ctx, seq, cfg, "globex", y2025)
	require.NoError(t, err)
	nextYear, err := Next(ctx, seq, cfg, "acme", y2026)
	require.NoError(t, err)

	assert.Equal(t, "TRF-2025-00001", first)
	assert.Equal(t, "TRF-2025-00002", second)
	assert.Equal(t, "TRF-2025-00001", other)
	assert.Equal(t, "TRF-2026-00001", nextYear)
}

func TestNext_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Next(ctx, &memorySequence{}, Config{}, "acme", time.Now())
	assert.Error(t, err)

	_, err = Next(ctx, &memorySequence{err: errors.New("db down")}, DefaultConfig("TRF"), "acme", time.Now())
	assert.ErrorContains(t, err, "db down")
}

func TestNext_Concurrent(t *testing.T) {
	ctx := context.Background()
	seq := &memorySequence{}
	cfg := DefaultConfig("TRF")
	period := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := Next(ctx, seq, cfg, "acme", period)
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
