package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/abetterinternet/janus-sub000/internal/telemetry"
)

// Transaction is the handle DAL methods receive inside RunInTransaction. It
// wraps a *sql.Tx together with the per-attempt operation tracker, and
// exposes Retry so a DAL method that detects a snapshot-visibility race
// (rather than a Postgres-reported conflict) can force the whole attempt to
// retry.
type Transaction struct {
	tx      *sql.Tx
	tracker *opTracker
	retry   bool
}

// Retry marks the current attempt for forced retry regardless of whether the
// statements it already issued returned errors. DAL methods call this when
// they observe that their transaction's snapshot predates a write they must
// treat as already having happened (see spec scenario for put_* idempotency).
func (t *Transaction) Retry() { t.retry = true }

// exec runs fn (an ExecContext/QueryContext/QueryRowContext call against
// t.tx) under opgroup accounting, so a transaction-aborted error from fn
// never returns to the caller before every statement concurrently in flight
// on this transaction has also finished.
func (t *Transaction) exec(fn func() error) error {
	return t.tracker.track(fn)
}

// TxFunc is the per-attempt closure signature RunInTransaction drives: DAL
// code receives *Transaction instead of a raw *sql.Tx so every statement
// goes through opgroup accounting uniformly.
type TxFunc func(ctx context.Context, tx *Transaction) error

// RunInTransaction runs fn inside a single repeatable-read Postgres transaction,
// retrying without limit and without backoff whenever fn's outcome is a
// serialization failure or deadlock (spec.md section 9's retry-semantics
// design note: an aggregator that gives up on a conflicted write can silently
// drop a client report, so these attempts are not bounded the way connection
// retries are). Modeled on internal/storage/dolt/transaction.go's
// RunInTransaction/runTransactionOnce, with the retry cap and backoff
// removed and SQLSTATE-based classification swapped in for MySQL's.
func (d *Datastore) RunInTransaction(ctx context.Context, name string, fn TxFunc) error {
	for {
		start := time.Now()
		err := d.runTransactionOnce(ctx, name, fn)
		duration := time.Since(start).Seconds()

		status := "success"
		switch {
		case err == nil:
		case isSerializationError(err):
			status = "retry"
		case isDatabaseError(err):
			status = "error_db"
		default:
			status = "error_other"
		}

		telemetry.Metrics.Transactions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tx", name), attribute.String("status", status)))
		telemetry.Metrics.TransactionDuration.Record(ctx, duration,
			metric.WithAttributes(attribute.String("tx", name)))

		if status == "retry" {
			slog.DebugContext(ctx, "retrying transaction after serialization conflict", "tx", name)
			continue
		}
		return err
	}
}

func (d *Datastore) runTransactionOnce(ctx context.Context, name string, fn TxFunc) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "datastore.transaction",
		trace.WithAttributes(attribute.String("tx.name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sqlTx, err := d.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("datastore: beginning transaction %s: %w", name, err)
	}

	txn := &Transaction{tx: sqlTx, tracker: newOpTracker()}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil || txn.retry {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				telemetry.Metrics.RollbackErrors.Add(ctx, 1,
					metric.WithAttributes(attribute.String("code", pgErrorCode(rbErr))))
			}
			if err == nil && txn.retry {
				err = errForceRetry
			}
			return
		}
		if commitErr := sqlTx.Commit(); commitErr != nil {
			err = fmt.Errorf("datastore: committing transaction %s: %w", name, commitErr)
		}
	}()

	err = fn(ctx, txn)
	return err
}

// isDatabaseError reports whether err originated from the database driver
// (as opposed to an application-level error like MutationTargetNotFoundError
// or InvalidParameterError), for metrics classification.
func isDatabaseError(err error) bool {
	return pgErrorCode(err) != ""
}
