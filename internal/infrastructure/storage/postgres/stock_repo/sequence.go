package stock_repo

import (
	"context"
	"fmt"

	"pharmstock/internal/infrastructure/storage/postgres"
)

// SequenceRepo keeps named counters in sys_sequences. The row stays locked
// until the transaction ends, so numbers are handed out without gaps.
type SequenceRepo struct {
	txm *postgres.TxManager
}

func NewSequenceRepo(txm *postgres.TxManager) *SequenceRepo {
	return &SequenceRepo{txm: txm}
}

// Advance bumps the counter of key and returns the new value.
func (r *SequenceRepo) Advance(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.txm.GetQuerier(ctx).QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + 1
		RETURNING current_val
	`, key).Scan(&n)
	if err != nil {
		return 0, postgres.MapError(fmt.Errorf("advance sequence %s: %w", key, err))
	}
	return n, nil
}
