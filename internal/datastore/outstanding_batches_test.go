package datastore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// TestGetOutstandingBatchesForTaskReportsMinMaxRange covers spec scenario S5:
// a fixed-size batch fed by two aggregation jobs, one holding report
// aggregations in start, waiting and failed, the other in finished, finished
// and failed, reports MinSize 2 (finished only) and MaxSize 4 (every
// non-failed one), not a single undifferentiated size.
func TestGetOutstandingBatchesForTaskReportsMinMaxRange(t *testing.T) {
	d, mock := newTestDatastore(t)
	var batchID [32]byte
	batchID[0] = 0x42

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT ob.batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "min_size", "max_size"}).
			AddRow(batchID[:], 2, 4))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetOutstandingBatchesForTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(2), got[0].MinSize)
	require.Equal(t, uint64(4), got[0].MaxSize)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetFilledOutstandingBatchThresholdsOnMinSize checks that the fill
// threshold is compared against MinSize (the finished-only count), not
// MaxSize: the query's HAVING clause must compare the count of finished
// report aggregations against the threshold, so a batch whose MaxSize already
// clears the threshold but whose MinSize does not is not returned as filled.
func TestGetFilledOutstandingBatchThresholdsOnMinSize(t *testing.T) {
	d, mock := newTestDatastore(t)
	var batchID [32]byte
	batchID[0] = 0x7

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ob.batch_id.*HAVING count\(\*\) FILTER \(WHERE cr\.report_id IS NOT NULL AND ra\.state = 'finished'\) >= \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "min_size", "max_size"}).
			AddRow(batchID[:], 4, 4))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetFilledOutstandingBatch(context.Background(), taskID, 4)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, batchID, got.BatchID)
}

// TestGetFilledOutstandingBatchNoneQualify covers the no-rows case: no
// outstanding batch currently meets the threshold, so the method must return
// a nil batch and no error rather than propagating sql.ErrNoRows.
func TestGetFilledOutstandingBatchNoneQualify(t *testing.T) {
	d, mock := newTestDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT ob.batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "min_size", "max_size"}))
	mock.ExpectCommit()

	var taskID [32]byte
	got, err := d.GetFilledOutstandingBatch(context.Background(), taskID, 10)
	require.NoError(t, err)
	require.Nil(t, got)
}
