package datastore

import "testing"

func TestCollectionJobStateSQLRoundTrip(t *testing.T) {
	for _, s := range []CollectionJobState{
		CollectionJobStart, CollectionJobCollectable, CollectionJobFinished,
		CollectionJobAbandoned, CollectionJobDeleted,
	} {
		if got := collectionJobStateFromSQL(collectionJobStateToSQL(s)); got != s {
			t.Fatalf("state %v: got %v after round trip", s, got)
		}
	}
}

// TestAllowedCollectionJobTransition covers spec.md section 3's
// collection-job state machine: start -> collectable -> {finished,
// abandoned}; deleted reachable from any non-terminal state; never back to
// start.
func TestAllowedCollectionJobTransition(t *testing.T) {
	cases := []struct {
		from, to CollectionJobState
		want     bool
	}{
		{CollectionJobStart, CollectionJobCollectable, true},
		{CollectionJobStart, CollectionJobDeleted, true},
		{CollectionJobStart, CollectionJobFinished, false},
		{CollectionJobCollectable, CollectionJobFinished, true},
		{CollectionJobCollectable, CollectionJobAbandoned, true},
		{CollectionJobCollectable, CollectionJobDeleted, true},
		{CollectionJobCollectable, CollectionJobCollectable, true},
		{CollectionJobFinished, CollectionJobCollectable, false},
		{CollectionJobAbandoned, CollectionJobCollectable, false},
		{CollectionJobDeleted, CollectionJobCollectable, false},
		{CollectionJobCollectable, CollectionJobStart, false},
		{CollectionJobStart, CollectionJobStart, false},
	}
	for _, tc := range cases {
		if got := allowedCollectionJobTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("allowedCollectionJobTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
