package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"pharmstock/internal/core/apperror"
)

// PostgreSQL error codes the storage layer translates.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// MapError converts driver errors into application errors. Lock waits,
// deadlocks and serialization failures become a retryable
// ConcurrencyConflict. Errors that are already AppErrors pass through.
func MapError(err error) error {
	if err == nil || apperror.IsAppError(err) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return apperror.NewConcurrencyConflict(tableOrRow(pgErr), err)
	case pgQueryCanceled:
		return apperror.NewConcurrencyConflict(tableOrRow(pgErr), err).
			WithDetail("reason", "statement timeout")
	case pgUniqueViolation:
		// A concurrent unit of work created the same row first; retrying sees it.
		return apperror.NewConcurrencyConflict(tableOrRow(pgErr), err).
			WithDetail("constraint", pgErr.ConstraintName)
	case pgCheckViolation:
		return apperror.NewInternal(err).WithDetail("constraint", pgErr.ConstraintName)
	}
	return err
}

func tableOrRow(pgErr *pgconn.PgError) string {
	if pgErr.TableName != "" {
		return pgErr.TableName
	}
	return "row"
}
