package datastore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// TestGetTaskMetricsUnknownTaskReturnsNil covers spec.md section 4.4's
// requirement that an unknown task be distinguishable from a known task with
// zero reports: the former returns (nil, nil), not a zero-valued TaskMetrics.
func TestGetTaskMetricsUnknownTaskReturnsNil(t *testing.T) {
	d, mock := newTestDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks t WHERE t.task_id").
		WillReturnRows(sqlmock.NewRows([]string{"report_count", "report_aggregation_count"}))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetTaskMetrics(context.Background(), taskID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetTaskMetricsKnownTask(t *testing.T) {
	d, mock := newTestDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks t WHERE t.task_id").
		WillReturnRows(sqlmock.NewRows([]string{"report_count", "report_aggregation_count"}).
			AddRow(0, 0))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetTaskMetrics(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, got, "a known task must report a non-nil TaskMetrics even at zero")
	require.Zero(t, got.ReportCount)
	require.Zero(t, got.ReportAggregationCount)
}

// TestGetUnaggregatedClientReportIDsForTaskReturnsTimes covers review
// feedback that claiming reports for aggregation must surface each report's
// timestamp alongside its id, since the caller needs it to compute the new
// aggregation job's client timestamp interval.
func TestGetUnaggregatedClientReportIDsForTaskReturnsTimes(t *testing.T) {
	d, mock := newTestDatastore(t)
	var id1, id2 [16]byte
	id1[0], id2[0] = 0x1, 0x2
	t1 := mustTime(t, "2026-01-01T00:00:00Z")
	t2 := mustTime(t, "2026-01-01T00:05:00Z")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE client_reports SET aggregation_started").
		WillReturnRows(sqlmock.NewRows([]string{"report_id", "client_timestamp"}).
			AddRow(id1[:], t1).
			AddRow(id2[:], t2))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetUnaggregatedClientReportIDsForTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, id1, got[0].ReportID)
	require.True(t, got[0].Time.Equal(t1))
	require.Equal(t, id2, got[1].ReportID)
	require.True(t, got[1].Time.Equal(t2))
}
