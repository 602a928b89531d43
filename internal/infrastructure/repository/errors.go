package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAppendOnlyViolation surfaces the schema trigger that rejects UPDATE and
// DELETE on the ledger. Seeing it means something tried to mutate history.
var ErrAppendOnlyViolation = errors.New("audit ledger is append-only")

// IsNotFound reports whether the error means no matching row
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyViolation reports a unique constraint violation. On the
// ledger this means two writers raced for the same (org, sequence) slot; the
// append retry takes the next slot.
func IsDuplicateKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsAppendOnlyViolation reports whether the storage layer rejected a
// mutation of the ledger
func IsAppendOnlyViolation(err error) bool {
	if errors.Is(err, ErrAppendOnlyViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	// P0001: raise_exception, raised by the audit_events mutation triggers
	return errors.As(err, &pgErr) && pgErr.Code == "P0001"
}

// WrapRepositoryError adds the failed operation to a database error and
// normalizes the append-only trigger rejection
func WrapRepositoryError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if IsAppendOnlyViolation(err) {
		return fmt.Errorf("%s: %w", operation, ErrAppendOnlyViolation)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
