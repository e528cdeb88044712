package datastore

import "testing"

func TestReportAggregationStateSQLRoundTrip(t *testing.T) {
	for _, s := range []ReportAggregationState{
		ReportAggregationStart, ReportAggregationWaiting, ReportAggregationFinished, ReportAggregationFailed,
	} {
		if got := reportAggregationStateFromSQL(reportAggregationStateToSQL(s)); got != s {
			t.Fatalf("state %v: got %v after round trip", s, got)
		}
	}
}

func TestAllowedReportAggregationTransition(t *testing.T) {
	cases := []struct {
		from, to ReportAggregationState
		want     bool
	}{
		{ReportAggregationStart, ReportAggregationWaiting, true},
		{ReportAggregationStart, ReportAggregationFinished, true},
		{ReportAggregationStart, ReportAggregationFailed, true},
		{ReportAggregationStart, ReportAggregationStart, false},
		{ReportAggregationWaiting, ReportAggregationFinished, true},
		{ReportAggregationWaiting, ReportAggregationFailed, true},
		{ReportAggregationWaiting, ReportAggregationStart, false},
		{ReportAggregationFinished, ReportAggregationWaiting, false},
		{ReportAggregationFailed, ReportAggregationFinished, false},
	}
	for _, tc := range cases {
		if got := allowedReportAggregationTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("allowedReportAggregationTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// TestValidateReportAggregationStateFields covers spec.md section 3's
// invariant that a report aggregation's non-null fields match its state tag.
func TestValidateReportAggregationStateFields(t *testing.T) {
	errCode := uint8(1)

	cases := []struct {
		name    string
		ra      *ReportAggregation
		wantErr bool
	}{
		{"waiting with prep state", &ReportAggregation{State: ReportAggregationWaiting, PrepState: []byte{0x01}}, false},
		{"waiting without prep state", &ReportAggregation{State: ReportAggregationWaiting}, true},
		{"failed with error code", &ReportAggregation{State: ReportAggregationFailed, ErrorCode: &errCode}, false},
		{"failed without error code", &ReportAggregation{State: ReportAggregationFailed}, true},
		{"start needs nothing", &ReportAggregation{State: ReportAggregationStart}, false},
		{"finished needs nothing", &ReportAggregation{State: ReportAggregationFinished}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateReportAggregationStateFields(tc.ra)
			if tc.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
