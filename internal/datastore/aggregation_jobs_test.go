package datastore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAcquireIncompleteAggregationJobsScansLeasedRows(t *testing.T) {
	d, mock := newTestDatastore(t)
	var taskID [32]byte
	var jobID [16]byte
	taskID[0], jobID[0] = 0x9, 0x1
	var leaseToken [16]byte
	leaseToken[0] = 0xAB

	mock.ExpectBegin()
	mock.ExpectQuery("WITH candidates AS").
		WillReturnRows(sqlmock.NewRows(
			[]string{"task_id", "aggregation_job_id", "aggregation_param", "round", "lease_attempts", "lease_token"}).
			AddRow(taskID[:], jobID[:], []byte{0x1}, 2, 1, leaseToken[:]))
	mock.ExpectCommit()

	got, err := d.AcquireIncompleteAggregationJobs(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, taskID, got[0].TaskID)
	require.Equal(t, jobID, got[0].ID)
	require.NotNil(t, got[0].LeaseToken)
	require.Equal(t, leaseToken, *got[0].LeaseToken)
	require.EqualValues(t, 2, got[0].Round)
	require.EqualValues(t, 1, got[0].LeaseAttempts)
}

func TestReleaseAggregationJobNotFoundWhenLeaseDoesNotMatch(t *testing.T) {
	d, mock := newTestDatastore(t)
	var taskID [32]byte
	var jobID, leaseToken [16]byte

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE aggregation_jobs SET lease_expiry = NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := d.ReleaseAggregationJob(context.Background(), taskID, jobID, mustTime(t, "2026-01-01T00:00:00Z"), leaseToken)
	var notFound *MutationTargetNotFoundError
	require.ErrorAs(t, err, &notFound)
}
