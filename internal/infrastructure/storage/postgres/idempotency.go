package postgres

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"pharmstock/internal/core/apperror"
)

// IdempotencyStatus represents the state of an idempotent request.
type IdempotencyStatus string

const (
	IdempotencyStatusPending IdempotencyStatus = "pending"
	IdempotencyStatusSuccess IdempotencyStatus = "success"
	IdempotencyStatusFailed  IdempotencyStatus = "failed"
)

// staleAfter is how long a pending key may sit before another request reclaims it.
const staleAfter = time.Minute

// IdempotencyRecord stores the result of an idempotent request.
type IdempotencyRecord struct {
	Key         string            `db:"idempotency_key"`
	TenantID    string            `db:"tenant_id"`
	UserID      string            `db:"user_id"`
	Operation   string            `db:"operation"`
	Status      IdempotencyStatus `db:"status"`
	RequestHash string            `db:"request_hash"`
	Response    []byte            `db:"response"`
	StatusCode  *int              `db:"response_status"`
	ContentType *string           `db:"response_content_type"`
	Inserted    bool              `db:"inserted"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
	ExpiresAt   time.Time         `db:"expires_at"`
}

// IdempotencyReplay is the cached HTTP response for replay.
type IdempotencyReplay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyClaim identifies one request.
type IdempotencyClaim struct {
	Key         string
	TenantID    string
	UserID      string
	Operation   string
	RequestHash string
}

// IdempotencyStore manages Idempotency-Key records of mutating stock requests.
type IdempotencyStore struct {
	txManager *TxManager
	ttl       time.Duration
	now       func() time.Time
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(txManager *TxManager, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{txManager: txManager, ttl: ttl, now: time.Now}
}

// AcquireKey attempts to acquire an idempotency key.
// Returns:
//   - (nil, nil) if the key is now owned by the caller
//   - (replay, nil) if the request already completed
//   - (nil, error) if the key is in flight elsewhere or was used for another request
func (s *IdempotencyStore) AcquireKey(ctx context.Context, claim IdempotencyClaim) (*IdempotencyReplay, error) {
	now := s.now().UTC()

	var record IdempotencyRecord
	err := pgxscan.Get(ctx, s.txManager.GetQuerier(ctx), &record, `
		INSERT INTO sys_idempotency (idempotency_key, tenant_id, user_id, operation, status, request_hash, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		ON CONFLICT (tenant_id, idempotency_key) DO UPDATE SET
			expires_at = GREATEST(sys_idempotency.expires_at, EXCLUDED.expires_at)
		RETURNING idempotency_key, tenant_id, user_id, operation, status, request_hash,
		          response, response_status, response_content_type,
		          (xmax = 0) AS inserted, created_at, updated_at, expires_at
	`, claim.Key, claim.TenantID, claim.UserID, claim.Operation, IdempotencyStatusPending, claim.RequestHash, now, now.Add(s.ttl))
	if err != nil {
		return nil, MapError(fmt.Errorf("acquire idempotency key: %w", err))
	}

	if record.Inserted {
		return nil, nil
	}

	if record.UserID != claim.UserID || record.Operation != claim.Operation || record.RequestHash != claim.RequestHash {
		return nil, apperror.NewIdempotencyMismatch(claim.Key).
			WithDetail("stored_operation", record.Operation).
			WithDetail("request_operation", claim.Operation)
	}

	switch record.Status {
	case IdempotencyStatusSuccess, IdempotencyStatusFailed:
		return record.replay(), nil

	case IdempotencyStatusPending:
		if now.Sub(record.UpdatedAt) <= staleAfter {
			return nil, apperror.NewIdempotencyConflict(claim.Key)
		}
		// The previous holder likely crashed; take the key over.
		tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
			UPDATE sys_idempotency
			SET updated_at = $1
			WHERE tenant_id = $2 AND idempotency_key = $3 AND status = $4 AND updated_at = $5
		`, now, claim.TenantID, claim.Key, IdempotencyStatusPending, record.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, apperror.NewIdempotencyConflict(claim.Key)
		}
		return nil, nil
	}

	return nil, fmt.Errorf("idempotency key %q has unknown status %q", claim.Key, record.Status)
}

func (r IdempotencyRecord) replay() *IdempotencyReplay {
	status := http.StatusOK
	if r.StatusCode != nil && *r.StatusCode != 0 {
		status = *r.StatusCode
	}
	contentType := "application/json"
	if r.ContentType != nil && *r.ContentType != "" {
		contentType = *r.ContentType
	}
	return &IdempotencyReplay{StatusCode: status, ContentType: contentType, Body: r.Response}
}

// CompleteKey stores the response of a finished request. Responses with
// status >= 500 release the key instead so the client can retry.
func (s *IdempotencyStore) CompleteKey(ctx context.Context, claim IdempotencyClaim, replay IdempotencyReplay) error {
	if replay.StatusCode >= http.StatusInternalServerError {
		return s.ReleaseKey(ctx, claim)
	}

	status := IdempotencyStatusSuccess
	if replay.StatusCode >= http.StatusBadRequest {
		status = IdempotencyStatusFailed
	}

	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET status = $1,
		    response = $2,
		    response_status = $3,
		    response_content_type = $4,
		    updated_at = $5
		WHERE tenant_id = $6 AND idempotency_key = $7
	`, status, replay.Body, replay.StatusCode, replay.ContentType, s.now().UTC(), claim.TenantID, claim.Key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseKey forgets a pending key.
func (s *IdempotencyStore) ReleaseKey(ctx context.Context, claim IdempotencyClaim) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency
		WHERE tenant_id = $1 AND idempotency_key = $2 AND status = $3
	`, claim.TenantID, claim.Key, IdempotencyStatusPending)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CleanupExpired removes expired idempotency records.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency WHERE expires_at < $1
	`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return result.RowsAffected(), nil
}
