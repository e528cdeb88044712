package datastore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/abetterinternet/janus-sub000/internal/clock"
)

func newTestDatastore(t *testing.T) (*Datastore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Datastore{pool: db, clock: clock.NewMock(mustTime(t, "2026-01-01T00:00:00Z"))}, mock
}

func TestRunInTransactionCommitsOnSuccess(t *testing.T) {
	d, mock := newTestDatastore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.RunInTransaction(context.Background(), "test", func(ctx context.Context, tx *Transaction) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	d, mock := newTestDatastore(t)
	wantErr := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := d.RunInTransaction(context.Background(), "test", func(ctx context.Context, tx *Transaction) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRunInTransactionRetriesOnForcedRetry covers a DAL method calling
// tx.Retry() when it detects its snapshot predates a concurrent winning
// write (see reports.go's PutClientReport): the whole attempt must roll back
// and run again, transparently to the caller.
func TestRunInTransactionRetriesOnForcedRetry(t *testing.T) {
	d, mock := newTestDatastore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := d.RunInTransaction(context.Background(), "test", func(ctx context.Context, tx *Transaction) error {
		attempts++
		if attempts == 1 {
			tx.Retry()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("got %d attempts, want 2", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
