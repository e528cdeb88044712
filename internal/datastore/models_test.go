package datastore

import (
	"bytes"
	"testing"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

func xorShares(a, b codec.Encoded) (codec.Encoded, error) {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return codec.Encoded(out), nil
}

// TestBatchAggregationCombine covers the share-combination rule
// (original_source/janus_server/src/aggregator/aggregate_share.rs): checksum
// combination is XOR, so combining is commutative and associative, and
// report counts add.
func TestBatchAggregationCombine(t *testing.T) {
	a := BatchAggregation{
		AggregateShare: codec.Encoded{0x01, 0x02},
		ReportCount:    3,
		Checksum:       [32]byte{0xAA},
	}
	b := BatchAggregation{
		AggregateShare: codec.Encoded{0x10, 0x20},
		ReportCount:    4,
		Checksum:       [32]byte{0x55},
	}

	combined := a
	if err := combined.Combine(b, xorShares); err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if !bytes.Equal(combined.AggregateShare, []byte{0x11, 0x22}) {
		t.Fatalf("got share %x, want %x", combined.AggregateShare, []byte{0x11, 0x22})
	}
	if combined.ReportCount != 7 {
		t.Fatalf("got report count %d, want 7", combined.ReportCount)
	}
	wantChecksum := [32]byte{0xFF}
	if combined.Checksum != wantChecksum {
		t.Fatalf("got checksum %x, want %x", combined.Checksum, wantChecksum)
	}

	// Order must not matter: combining b into a gives the same result as a
	// into b, since concurrent aggregation jobs update the same row in
	// whatever order they happen to commit.
	reversed := b
	if err := reversed.Combine(a, xorShares); err != nil {
		t.Fatalf("Combine (reversed): %v", err)
	}
	if reversed.ReportCount != combined.ReportCount || reversed.Checksum != combined.Checksum {
		t.Fatal("combine is not commutative")
	}
}

func TestIntervalContains(t *testing.T) {
	start, end := mustTime(t, "2026-01-01T00:00:00Z"), mustTime(t, "2026-01-01T01:00:00Z")
	iv := Interval{Start: start, End: end}

	cases := []struct {
		name string
		t    string
		want bool
	}{
		{"at start", "2026-01-01T00:00:00Z", true},
		{"inside", "2026-01-01T00:30:00Z", true},
		{"at end (exclusive)", "2026-01-01T01:00:00Z", false},
		{"before start", "2025-12-31T23:59:59Z", false},
		{"after end", "2026-01-01T01:00:01Z", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := iv.Contains(mustTime(t, tc.t)); got != tc.want {
				t.Errorf("Contains(%s) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}
