package datastore

import (
	"testing"
	"time"
)

// TestBatchIdentifierColumnsPassesTimeValuesThrough guards against the
// interval being encoded as a numeric Unix timestamp, which a timestamptz
// column bind rejects outright: start/end must remain time.Time all the way
// to the driver.
func TestBatchIdentifierColumnsPassesTimeValuesThrough(t *testing.T) {
	iv := Interval{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	start, end, batchID := batchIdentifierColumns(BatchIdentifier{Interval: &iv})
	if start == nil || end == nil {
		t.Fatal("expected non-nil start/end for a time-interval identifier")
	}
	if !start.Equal(iv.Start) || !end.Equal(iv.End) {
		t.Fatalf("got (%v,%v), want (%v,%v)", start, end, iv.Start, iv.End)
	}
	if batchID != nil {
		t.Fatalf("expected nil batch id for a time-interval identifier, got %x", batchID)
	}
}

func TestBatchIdentifierColumnsFixedSize(t *testing.T) {
	var id [32]byte
	for i := range id {
		id[i] = byte(i)
	}
	start, end, batchID := batchIdentifierColumns(BatchIdentifier{FixedSizeID: &id})
	if start != nil || end != nil {
		t.Fatalf("expected nil start/end for a fixed-size identifier, got (%v,%v)", start, end)
	}
	if len(batchID) != 32 {
		t.Fatalf("got batch id of length %d, want 32", len(batchID))
	}
	for i, b := range batchID {
		if b != id[i] {
			t.Fatalf("batch id byte %d: got %x, want %x", i, b, id[i])
		}
	}
}

// TestBatchIdentifierRoundTrip covers the inverse: rebuilding a
// BatchIdentifier from the columns read back from a row.
func TestBatchIdentifierRoundTrip(t *testing.T) {
	iv := Interval{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	id := BatchIdentifier{Interval: &iv}
	start, end, batchID := batchIdentifierColumns(id)
	got := batchIdentifierFromColumns(start, end, batchID)
	if got.Interval == nil || !got.Interval.Start.Equal(iv.Start) || !got.Interval.End.Equal(iv.End) {
		t.Fatalf("got %+v, want interval %+v", got, iv)
	}

	var fixed [32]byte
	fixed[0] = 0xAB
	id2 := BatchIdentifier{FixedSizeID: &fixed}
	start2, end2, batchID2 := batchIdentifierColumns(id2)
	got2 := batchIdentifierFromColumns(start2, end2, batchID2)
	if got2.FixedSizeID == nil || *got2.FixedSizeID != fixed {
		t.Fatalf("got %+v, want fixed size id %x", got2, fixed)
	}
}

func TestBatchStateSQLRoundTrip(t *testing.T) {
	for _, s := range []BatchState{BatchOpen, BatchClosing, BatchClosed} {
		if got := batchStateFromSQL(batchStateToSQL(s)); got != s {
			t.Fatalf("state %v: got %v after round trip", s, got)
		}
	}
}
