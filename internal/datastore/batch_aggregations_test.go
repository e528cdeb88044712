package datastore

import "testing"

func TestBatchAggregationStateSQLRoundTrip(t *testing.T) {
	for _, s := range []BatchAggregationState{BatchAggregationAggregating, BatchAggregationCollected} {
		if got := batchAggregationStateFromSQL(batchAggregationStateToSQL(s)); got != s {
			t.Fatalf("state %v: got %v after round trip", s, got)
		}
	}
}
