package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"database/sql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abetterinternet/janus-sub000/internal/codec"
	"github.com/abetterinternet/janus-sub000/internal/telemetry"
)

// PutAggregationJob inserts a new aggregation job with the state and round
// given in job.
func (d *Datastore) PutAggregationJob(ctx context.Context, job *AggregationJob) error {
	return d.RunInTransaction(ctx, "put_aggregation_job", func(ctx context.Context, tx *Transaction) error {
		var partialBatchID []byte
		if job.PartialBatchID != nil {
			partialBatchID = job.PartialBatchID[:]
		}
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO aggregation_jobs (aggregation_job_id, task_id, aggregation_param, state, round,
					client_timestamp_interval_start, client_timestamp_interval_end,
					partial_batch_identifier, last_request_hash)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				job.ID[:], job.TaskID[:], []byte(job.AggregationParam), aggregationJobStateToSQL(job.State), job.Round,
				job.ClientTimestampInterval.Start, job.ClientTimestampInterval.End,
				partialBatchID, job.LastRequestHash)
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_aggregation_job"}
			}
			return fmt.Errorf("datastore: put_aggregation_job: %w", err)
		}
		return nil
	})
}

func aggregationJobStateToSQL(s AggregationJobState) string {
	switch s {
	case AggregationJobInProgress:
		return "in_progress"
	case AggregationJobFinished:
		return "finished"
	case AggregationJobAbandoned:
		return "abandoned"
	default:
		return "in_progress"
	}
}

func aggregationJobStateFromSQL(s string) AggregationJobState {
	switch s {
	case "finished":
		return AggregationJobFinished
	case "abandoned":
		return AggregationJobAbandoned
	default:
		return AggregationJobInProgress
	}
}

// GetAggregationJob reads one aggregation job by (task, job id).
func (d *Datastore) GetAggregationJob(ctx context.Context, taskID [32]byte, jobID [16]byte) (*AggregationJob, error) {
	var job *AggregationJob
	err := d.RunInTransaction(ctx, "get_aggregation_job", func(ctx context.Context, tx *Transaction) error {
		j, err := d.getAggregationJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

func (d *Datastore) getAggregationJobTx(ctx context.Context, tx *Transaction, taskID [32]byte, jobID [16]byte) (*AggregationJob, error) {
	job := &AggregationJob{ID: jobID, TaskID: taskID}
	var state string
	var param, leaseToken, partialBatchID []byte
	var ctsStart, ctsEnd time.Time
	err := tx.exec(func() error {
		row := tx.tx.QueryRowContext(ctx,
			`SELECT aggregation_param, state, round, lease_expiry, lease_token, lease_attempts,
				client_timestamp_interval_start, client_timestamp_interval_end,
				partial_batch_identifier, last_request_hash
			 FROM aggregation_jobs WHERE task_id = $1 AND aggregation_job_id = $2`,
			taskID[:], jobID[:])
		return row.Scan(&param, &state, &job.Round, &job.LeaseExpiry, &leaseToken, &job.LeaseAttempts,
			&ctsStart, &ctsEnd, &partialBatchID, &job.LastRequestHash)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MutationTargetNotFoundError{Op: "get_aggregation_job"}
		}
		return nil, fmt.Errorf("datastore: get_aggregation_job: %w", err)
	}
	job.AggregationParam = codec.Encoded(param)
	job.State = aggregationJobStateFromSQL(state)
	job.ClientTimestampInterval = Interval{Start: ctsStart, End: ctsEnd}
	if leaseToken != nil {
		var arr [16]byte
		copy(arr[:], leaseToken)
		job.LeaseToken = &arr
	}
	if partialBatchID != nil {
		var arr [32]byte
		copy(arr[:], partialBatchID)
		job.PartialBatchID = &arr
	}
	return job, nil
}

// UpdateAggregationJob advances a job's round and/or state, and records the
// hash of the continuation request that drove the transition. Per spec.md's
// aggregation-job state machine, round must not decrease while the job
// remains in_progress, and a terminal state (finished, abandoned) cannot
// transition to any other state.
func (d *Datastore) UpdateAggregationJob(ctx context.Context, taskID [32]byte, jobID [16]byte, newRound uint64, newState AggregationJobState, lastRequestHash []byte) error {
	return d.RunInTransaction(ctx, "update_aggregation_job", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getAggregationJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		if current.State != AggregationJobInProgress {
			return &InvalidParameterError{Param: "aggregation job is in a terminal state"}
		}
		if newState == AggregationJobInProgress && newRound < current.Round {
			return &InvalidParameterError{Param: "aggregation job round must not decrease"}
		}

		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE aggregation_jobs SET round = $3, state = $4, last_request_hash = $5
				 WHERE task_id = $1 AND aggregation_job_id = $2`,
				taskID[:], jobID[:], newRound, aggregationJobStateToSQL(newState), lastRequestHash)
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "update_aggregation_job"}
			}
			return nil
		})
	})
}

// AcquireIncompleteAggregationJobs leases up to maxJobs in_progress
// aggregation jobs with no live lease, for leaseDuration, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent aggregator processes never
// lease the same job (spec.md section 4.4's lease-manager contract).
func (d *Datastore) AcquireIncompleteAggregationJobs(ctx context.Context, leaseDuration time.Duration, maxJobs int) ([]*AggregationJob, error) {
	var jobs []*AggregationJob
	err := d.RunInTransaction(ctx, "acquire_incomplete_aggregation_jobs", func(ctx context.Context, tx *Transaction) error {
		jobs = nil
		now := d.clock.Now()
		expiry := now.Add(leaseDuration)

		rows, err := d.queryRows(ctx, tx,
			`WITH candidates AS (
			   SELECT aj.task_id, aj.aggregation_job_id FROM aggregation_jobs aj
			   JOIN tasks t ON t.task_id = aj.task_id
			   WHERE aj.state = 'in_progress' AND (aj.lease_expiry IS NULL OR aj.lease_expiry <= $1)
			     AND (t.report_expiry_age IS NULL OR aj.client_timestamp_interval_end IS NULL
			          OR aj.client_timestamp_interval_end > $1 - t.report_expiry_age)
			   ORDER BY aj.aggregation_job_id
			   LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 UPDATE aggregation_jobs aj
			 SET lease_expiry = $3, lease_token = gen_random_bytes(16),
			     lease_attempts = aj.lease_attempts + 1
			 FROM candidates c
			 WHERE aj.task_id = c.task_id AND aj.aggregation_job_id = c.aggregation_job_id
			 RETURNING aj.task_id, aj.aggregation_job_id, aj.aggregation_param, aj.round,
			           aj.lease_attempts, aj.lease_token`,
			now, maxJobs, expiry)
		if err != nil {
			return fmt.Errorf("datastore: acquire_incomplete_aggregation_jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job := &AggregationJob{State: AggregationJobInProgress}
			var taskID, jobID, param, leaseToken []byte
			if err := rows.Scan(&taskID, &jobID, &param, &job.Round, &job.LeaseAttempts, &leaseToken); err != nil {
				return err
			}
			copy(job.TaskID[:], taskID)
			copy(job.ID[:], jobID)
			job.AggregationParam = codec.Encoded(param)
			job.LeaseExpiry = &expiry
			var lt [16]byte
			copy(lt[:], leaseToken)
			job.LeaseToken = &lt
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		telemetry.Metrics.LeasesAcquired.Add(ctx, int64(len(jobs)), metric.WithAttributes(attribute.String("kind", "aggregation_job")))
		return nil
	})
	return jobs, err
}

// ReleaseAggregationJob clears a job's lease iff the (leaseExpiry, leaseToken)
// pair still matches the one stored on it, so a caller whose lease already
// expired and was reassigned to a new holder with a new expiry cannot clobber
// that new lease (spec.md section 4.4).
func (d *Datastore) ReleaseAggregationJob(ctx context.Context, taskID [32]byte, jobID [16]byte, leaseExpiry time.Time, leaseToken [16]byte) error {
	return d.RunInTransaction(ctx, "release_aggregation_job", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE aggregation_jobs SET lease_expiry = NULL, lease_token = NULL
				 WHERE task_id = $1 AND aggregation_job_id = $2 AND lease_expiry = $3 AND lease_token = $4`,
				taskID[:], jobID[:], leaseExpiry, leaseToken[:])
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "release_aggregation_job"}
			}
			return nil
		})
	})
}
