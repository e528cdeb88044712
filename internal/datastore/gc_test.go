package datastore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredClientReportsReturnsRowsAffected(t *testing.T) {
	d, mock := newTestDatastore(t)
	var taskID [32]byte

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM client_reports").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	got, err := d.DeleteExpiredClientReports(context.Background(), taskID, 100)
	require.NoError(t, err)
	require.EqualValues(t, 3, got)
}

func TestDeleteExpiredAggregationArtifactsReturnsCascadeCount(t *testing.T) {
	d, mock := newTestDatastore(t)
	var taskID [32]byte

	mock.ExpectBegin()
	mock.ExpectQuery("WITH candidates AS").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	got, err := d.DeleteExpiredAggregationArtifacts(context.Background(), taskID, 100)
	require.NoError(t, err)
	require.EqualValues(t, 2, got)
}

// TestDeleteExpiredCollectionArtifactsSumsAllCascades covers review feedback
// that GC on the collection family must cascade to batch_aggregations,
// outstanding_batches, collection_jobs, and aggregate_share_jobs in one
// statement: the method's returned count is the sum across every one of
// those deleted-row CTEs, not just the deleted batches.
func TestDeleteExpiredCollectionArtifactsSumsAllCascades(t *testing.T) {
	d, mock := newTestDatastore(t)
	var taskID [32]byte

	mock.ExpectBegin()
	mock.ExpectQuery("WITH batch_candidates AS").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectCommit()

	got, err := d.DeleteExpiredCollectionArtifacts(context.Background(), taskID, 100)
	require.NoError(t, err)
	require.EqualValues(t, 9, got)
}
