package stock

import (
	"time"

	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/types"
	"pharmstock/pkg/numerator"
)

// Config tunes the engine.
type Config struct {
	// ExpiringSoonDays is the horizon of the expiring-soon flag and report.
	ExpiringSoonDays int

	// DefaultMovementLimit and MaxMovementLimit bound movement listings.
	DefaultMovementLimit int
	MaxMovementLimit     int

	// TransferNumbering numbers transfers sent without a reference number.
	TransferNumbering numerator.Config

	// Now is the clock; tests pin it.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ExpiringSoonDays:     entity.DefaultExpiringSoonDays,
		DefaultMovementLimit: 100,
		MaxMovementLimit:     1000,
		TransferNumbering:    numerator.DefaultConfig("TRF"),
		Now:                  time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpiringSoonDays <= 0 {
		c.ExpiringSoonDays = d.ExpiringSoonDays
	}
	if c.DefaultMovementLimit <= 0 {
		c.DefaultMovementLimit = d.DefaultMovementLimit
	}
	if c.MaxMovementLimit <= 0 {
		c.MaxMovementLimit = d.MaxMovementLimit
	}
	if c.TransferNumbering.Prefix == "" {
		c.TransferNumbering = d.TransferNumbering
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

func (c Config) today() types.Date {
	return types.Today(c.Now)
}

// Observer receives operation telemetry.
type Observer interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	AddMovedQuantity(movementType entity.MovementType, quantity float64)
	AddReconcileCorrections(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) AddMovedQuantity(entity.MovementType, float64)  {}
func (nopObserver) AddReconcileCorrections(int)                    {}
