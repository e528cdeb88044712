package datastore

import "sync"

// opGroup is one generation of concurrently in-flight statements within a
// single transaction. Every statement issued through a transaction's
// opTracker joins the current group on entry and leaves it on completion.
//
// If a statement leaves with Postgres's generic "current transaction is
// aborted" error, the group is promoted to draining: every statement still
// in-flight at that moment must also leave before the aborted error is
// allowed to return to its caller. This stops the cascade error from racing
// ahead of the one genuine error that caused the abort in the first place,
// which is the error that must set the transaction's retry flag.
//
// New statements issued while a group is draining do not join it — they join
// a fresh successor group instead, so they are never blocked behind a
// barrier that has nothing to do with them.
type opGroup struct {
	mu       sync.Mutex
	live     int
	draining bool
	done     chan struct{}
}

func newOpGroup() *opGroup {
	return &opGroup{}
}

// enter records one more in-flight statement in g.
func (g *opGroup) enter() {
	g.mu.Lock()
	g.live++
	g.mu.Unlock()
}

// leave records a statement's completion with the given error. If err is a
// transaction-aborted error, the caller must wait on the returned channel
// (if non-nil) before returning err to its own caller. A nil channel means
// no wait is required.
func (g *opGroup) leave(err error) <-chan struct{} {
	aborted := isTransactionAbortedError(err)

	g.mu.Lock()
	if aborted && !g.draining {
		g.draining = true
		g.done = make(chan struct{})
	}
	g.live--
	drained := g.draining && g.live <= 0
	var wait chan struct{}
	if aborted {
		wait = g.done
	}
	doneCh := g.done
	g.mu.Unlock()

	if drained && doneCh != nil {
		closeOnce(doneCh)
	}
	return wait
}

// isDraining reports whether g has been promoted to draining and should no
// longer accept new entrants.
func (g *opGroup) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// closeOnce closes ch. Closing a channel twice panics, so callers must reach
// here only once per group: leave calls it only from the statement that takes
// a draining group's live count to zero, and join never admits a statement
// into a draining group, so that happens exactly once per group.
func closeOnce(ch chan struct{}) {
	close(ch)
}

// opTracker is the per-transaction handle on the current opGroup. outerMu
// guards the pointer to the current group; each group's own mu guards its
// own state. The outer lock is always acquired before any inner lock is
// touched, and is released before an inner lock is held for any length of
// time, so the two never nest in the other order.
type opTracker struct {
	outerMu sync.Mutex
	current *opGroup
}

func newOpTracker() *opTracker {
	return &opTracker{current: newOpGroup()}
}

// join returns the group a new statement should join: the current group, or
// a fresh successor if the current one is draining.
func (t *opTracker) join() *opGroup {
	t.outerMu.Lock()
	defer t.outerMu.Unlock()
	if g := t.current; g != nil {
		// Check draining and enter under the same inner lock, so no
		// statement can join a group after it starts draining.
		g.mu.Lock()
		if !g.draining {
			g.live++
			g.mu.Unlock()
			return g
		}
		g.mu.Unlock()
	}
	g := newOpGroup()
	g.enter()
	t.current = g
	return g
}

// track wraps a single statement's execution with opgroup accounting. fn
// performs the statement and returns its error; track returns that same
// error to the caller, but only after waiting on the drain barrier if fn's
// error was a transaction-aborted cascade error.
func (t *opTracker) track(fn func() error) error {
	g := t.join()
	err := fn()
	wait := g.leave(err)
	if wait != nil {
		<-wait
	}
	return err
}
