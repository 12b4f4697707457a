package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmstock/internal/config"
	"pharmstock/internal/demo"
	"pharmstock/internal/infrastructure/metrics"
)

func TestBuild_Memory(t *testing.T) {
	cfg := config.Config{
		App:   config.AppConfig{Env: "development", StorageDriver: config.DriverMemory},
		Stock: config.StockConfig{ExpiringSoonDays: 30, DefaultMovementLimit: 10, MaxMovementLimit: 50},
	}

	c, err := Build(context.Background(), cfg, metrics.New())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Memory)
	assert.Nil(t, c.Pool)

	tenant, err := c.Directory.TenantOf(context.Background(), demo.CentralPharmacy)
	require.NoError(t, err)
	assert.Equal(t, demo.TenantID, tenant)
}

func TestBuild_UnknownDriver(t *testing.T) {
	_, err := Build(context.Background(), config.Config{App: config.AppConfig{StorageDriver: "sqlite"}}, nil)
	assert.Error(t, err)
}

func TestStockConfig(t *testing.T) {
	sc := StockConfig(config.Config{Stock: config.StockConfig{ExpiringSoonDays: 14, DefaultMovementLimit: 5, MaxMovementLimit: 9}})
	assert.Equal(t, 14, sc.ExpiringSoonDays)
	assert.Equal(t, 5, sc.DefaultMovementLimit)
	assert.Equal(t, 9, sc.MaxMovementLimit)
	assert.NotNil(t, sc.Now)
}
