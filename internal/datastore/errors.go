package datastore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the runner and DAL classify against. Named the way
// the teacher names its MySQL error-code constants in
// internal/storage/dolt/transaction.go's isSerializationError.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateInFailedTransaction  = "25P02"
	sqlStateUniqueViolation      = "23505"
)

// MutationTargetNotFoundError indicates an update/delete/release that was
// expected to affect exactly one row affected zero rows: the target either
// never existed, was already deleted, or (for lease releases) the lease
// token/expiry did not match exactly.
type MutationTargetNotFoundError struct {
	Op string
}

func (e *MutationTargetNotFoundError) Error() string {
	return fmt.Sprintf("datastore: mutation target not found: %s", e.Op)
}

// MutationTargetAlreadyExistsError indicates an insert collided with an
// existing row. PutClientReport returns it only when the prior row's contents
// differ from the one being written (an identical retry succeeds); the other
// put operations return it on any collision, without comparing contents.
type MutationTargetAlreadyExistsError struct {
	Op string
}

func (e *MutationTargetAlreadyExistsError) Error() string {
	return fmt.Sprintf("datastore: mutation target already exists: %s", e.Op)
}

// DbStateError indicates a stored row failed to decode, or violated a column
// invariant expected by the application — corruption or schema drift.
type DbStateError struct {
	Msg string
}

func (e *DbStateError) Error() string { return fmt.Sprintf("datastore: bad db state: %s", e.Msg) }

// InvalidParameterError is a caller error: a request the DAL refuses to
// perform because it violates a documented precondition (e.g. transitioning a
// collection job back to "start").
type InvalidParameterError struct {
	Param string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("datastore: invalid parameter: %s", e.Param)
}

// ErrAlreadyCollected is the domain signal that a batch has already been
// collected in a way that is incompatible with the requested operation.
var ErrAlreadyCollected = errors.New("datastore: batch already collected")

// ErrCryptDecryptionFailed surfaces internal/crypter's decryption failure
// through the DAL's own error type so callers don't need to import crypter
// directly to classify it.
var ErrCryptDecryptionFailed = errors.New("datastore: decryption failed under every configured key")

// errForceRetry is the error the runner records for an attempt whose DAL
// method called Transaction.Retry after detecting a snapshot-visibility race
// (the current transaction's repeatable-read snapshot predates a concurrent
// winning write), so the whole transaction retries rather than reporting a
// spurious conflict.
var errForceRetry = errors.New("datastore: force retry: snapshot predates concurrent write")

// pgErrorCode extracts the SQLSTATE code from err, if it is (or wraps) a
// *pgconn.PgError.
func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isSerializationError reports whether err is a retryable transaction
// conflict: serialization failure or deadlock detected. Named to mirror
// internal/storage/dolt/transaction.go's isSerializationError.
func isSerializationError(err error) bool {
	if errors.Is(err, errForceRetry) {
		return true
	}
	switch pgErrorCode(err) {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	}
	return false
}

// isTransactionAbortedError reports whether err is Postgres's generic
// "current transaction is aborted" error, the cascade error the operation
// group (opgroup.go) must not let race ahead of the statement that actually
// caused the abort.
func isTransactionAbortedError(err error) bool {
	return pgErrorCode(err) == sqlStateInFailedTransaction
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == sqlStateUniqueViolation
}

// isNoRowsErr reports whether err is database/sql's sentinel (sql.ErrNoRows)
// for a QueryRow that matched no rows.
func isNoRowsErr(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
