package datastore

import (
	"testing"
	"time"
)

// mustTime parses an RFC3339 timestamp, failing the test on a malformed
// literal rather than returning a zero time that would silently pass.
func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing time %q: %v", s, err)
	}
	return tm.UTC()
}
