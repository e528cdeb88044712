package datastore

import "testing"

func TestHpkeKeypairStateSQLRoundTrip(t *testing.T) {
	for _, s := range []HpkeKeypairState{HpkeKeypairPending, HpkeKeypairActive, HpkeKeypairExpired} {
		if got := hpkeKeypairStateFromSQL(hpkeKeypairStateToSQL(s)); got != s {
			t.Fatalf("state %v: got %v after round trip", s, got)
		}
	}
}
