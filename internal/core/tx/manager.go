// Package tx declares the transaction boundary for code outside the storage layer.
package tx

import (
	"context"
)

// Manager runs fn inside one database transaction. fn's error rolls it back;
// calls made while a transaction is active join it.
type Manager interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager adds read-only transactions for reports and listings.
type ReadOnlyManager interface {
	Manager
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
