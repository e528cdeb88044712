package datastore

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTrackReturnsNonAbortedErrorImmediately(t *testing.T) {
	tracker := newOpTracker()
	wantErr := &MutationTargetNotFoundError{Op: "test"}
	if err := tracker.track(func() error { return wantErr }); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

// TestTrackWaitsForConcurrentStatementsBeforeReturningAbortedError covers the
// opgroup drain barrier: a statement that fails with Postgres's
// transaction-aborted cascade error must not return to its caller until
// every statement concurrently in flight on the same group has also
// finished, so the cascade error never races ahead of the real root cause.
func TestTrackWaitsForConcurrentStatementsBeforeReturningAbortedError(t *testing.T) {
	tracker := newOpTracker()
	started := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan struct{})

	go func() {
		_ = tracker.track(func() error {
			close(started)
			<-release
			return nil
		})
		close(slowDone)
	}()

	<-started

	abortedErr := &pgconn.PgError{Code: sqlStateInFailedTransaction}
	abortedDone := make(chan struct{})
	go func() {
		_ = tracker.track(func() error { return abortedErr })
		close(abortedDone)
	}()

	select {
	case <-abortedDone:
		t.Fatal("aborted statement returned before the concurrent slow statement finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-slowDone
	<-abortedDone
}

// TestTrackJoinsFreshGroupAfterDraining verifies that a statement issued
// after a group has started draining does not get stuck behind that group's
// barrier.
func TestTrackJoinsFreshGroupAfterDraining(t *testing.T) {
	tracker := newOpTracker()
	abortedErr := &pgconn.PgError{Code: sqlStateInFailedTransaction}

	done := make(chan struct{})
	go func() {
		_ = tracker.track(func() error { return abortedErr })
		close(done)
	}()
	<-done

	fastDone := make(chan struct{})
	go func() {
		_ = tracker.track(func() error { return nil })
		close(fastDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("statement joining after draining should not block")
	}
}
