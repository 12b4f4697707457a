// Package numerator allocates human-readable sequential numbers such as
// TRF-2025-00042 from named counters.
package numerator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResetPeriod controls when a counter starts again from 1.
type ResetPeriod string

const (
	ResetYearly  ResetPeriod = "year"
	ResetMonthly ResetPeriod = "month"
	ResetNever   ResetPeriod = "never"
)

// Config holds numbering configuration.
type Config struct {
	// Prefix added to all numbers (e.g., "TRF")
	Prefix string

	// IncludeYear adds year to the number
	IncludeYear bool

	// PadWidth is the minimum number width (default 5)
	PadWidth int

	ResetPeriod ResetPeriod
}

// DefaultConfig returns PREFIX-YEAR-XXXXX numbering reset every year.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:      prefix,
		IncludeYear: true,
		PadWidth:    5,
		ResetPeriod: ResetYearly,
	}
}

// Sequence advances a named counter by one and returns the new value.
// Storage implementations run it inside the caller's transaction, so a
// rolled back unit of work gives its number back.
type Sequence interface {
	Advance(ctx context.Context, key string) (int64, error)
}

// Key names the counter for scope (usually a tenant) and period.
func Key(cfg Config, scope string, period time.Time) string {
	base := cfg.Prefix
	if scope != "" {
		base = scope + ":" + base
	}
	switch cfg.ResetPeriod {
	case ResetMonthly:
		return base + "_" + period.Format("2006_01")
	case ResetYearly:
		return base + "_" + period.Format("2006")
	default:
		return base
	}
}

// Format renders n according to cfg.
func Format(cfg Config, period time.Time, n int64) string {
	width := cfg.PadWidth
	if width <= 0 {
		width = 5
	}
	if cfg.IncludeYear {
		return fmt.Sprintf("%s-%s-%0*d", cfg.Prefix, period.Format("2006"), width, n)
	}
	return fmt.Sprintf("%s-%0*d", cfg.Prefix, width, n)
}

// Parse extracts the numeric part of a formatted number, or -1.
func Parse(formatted string) int64 {
	i := strings.LastIndexByte(formatted, '-')
	if i < 0 || i == len(formatted)-1 {
		return -1
	}
	n, err := strconv.ParseInt(formatted[i+1:], 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Next advances the counter of scope and period and formats the result.
func Next(ctx context.Context, seq Sequence, cfg Config, scope string, period time.Time) (string, error) {
	if cfg.Prefix == "" {
		return "", fmt.Errorf("numerator: empty prefix")
	}
	n, err := seq.Advance(ctx, Key(cfg, scope, period))
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", cfg.Prefix, err)
	}
	return Format(cfg, period, n), nil
}
