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

func collectionJobStateToSQL(s CollectionJobState) string {
	switch s {
	case CollectionJobCollectable:
		return "collectable"
	case CollectionJobFinished:
		return "finished"
	case CollectionJobAbandoned:
		return "abandoned"
	case CollectionJobDeleted:
		return "deleted"
	default:
		return "start"
	}
}

func collectionJobStateFromSQL(s string) CollectionJobState {
	switch s {
	case "collectable":
		return CollectionJobCollectable
	case "finished":
		return CollectionJobFinished
	case "abandoned":
		return CollectionJobAbandoned
	case "deleted":
		return CollectionJobDeleted
	default:
		return CollectionJobStart
	}
}

// allowedCollectionJobTransition enforces spec.md section 3's collection-job
// state machine: start -> collectable -> {finished, abandoned}; deleted is
// reachable from any non-terminal state and is itself terminal; a transition
// back to start is never permitted regardless of the current state.
func allowedCollectionJobTransition(from, to CollectionJobState) bool {
	if to == CollectionJobStart {
		return false
	}
	switch from {
	case CollectionJobStart:
		return to == CollectionJobCollectable || to == CollectionJobDeleted
	case CollectionJobCollectable:
		return to == CollectionJobCollectable || to == CollectionJobFinished ||
			to == CollectionJobAbandoned || to == CollectionJobDeleted
	default:
		return false
	}
}

// PutCollectionJob inserts a new collection job in the start state.
func (d *Datastore) PutCollectionJob(ctx context.Context, job *CollectionJob) error {
	return d.RunInTransaction(ctx, "put_collection_job", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(job.BatchIdentifier)
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO collection_jobs (collection_job_id, task_id, batch_interval_start,
					batch_interval_end, batch_id, aggregation_param, state)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				job.ID[:], job.TaskID[:], start, end, batchID, []byte(job.AggregationParam),
				collectionJobStateToSQL(CollectionJobStart))
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_collection_job"}
			}
			return fmt.Errorf("datastore: put_collection_job: %w", err)
		}
		return nil
	})
}

// GetCollectionJob reads one collection job by id. Idempotent collector
// polling relies on this returning the same terminal result every time it is
// called after the job reaches finished or abandoned
// (original_source/janus_server/src/aggregator/aggregate_share.rs's
// step_collect_job doc comments).
func (d *Datastore) GetCollectionJob(ctx context.Context, taskID [32]byte, jobID [16]byte) (*CollectionJob, error) {
	var job *CollectionJob
	err := d.RunInTransaction(ctx, "get_collection_job", func(ctx context.Context, tx *Transaction) error {
		j, err := d.getCollectionJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

func (d *Datastore) getCollectionJobTx(ctx context.Context, tx *Transaction, taskID [32]byte, jobID [16]byte) (*CollectionJob, error) {
	job := &CollectionJob{ID: jobID, TaskID: taskID}
	var state string
	var start, end *time.Time
	var batchID []byte
	var param, leaderShare, helperShare []byte
	var leaseToken []byte
	err := tx.exec(func() error {
		row := tx.tx.QueryRowContext(ctx,
			`SELECT batch_interval_start, batch_interval_end, batch_id, aggregation_param, state,
				leader_aggregate_share, helper_encrypted_aggregate_share, report_count,
				lease_expiry, lease_token, lease_attempts
			 FROM collection_jobs WHERE task_id = $1 AND collection_job_id = $2`,
			taskID[:], jobID[:])
		return row.Scan(&start, &end, &batchID, &param, &state, &leaderShare, &helperShare,
			&job.ReportCount, &job.LeaseExpiry, &leaseToken, &job.LeaseAttempts)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MutationTargetNotFoundError{Op: "get_collection_job"}
		}
		return nil, fmt.Errorf("datastore: get_collection_job: %w", err)
	}
	job.BatchIdentifier = batchIdentifierFromColumns(start, end, batchID)
	job.AggregationParam = codec.Encoded(param)
	job.State = collectionJobStateFromSQL(state)
	job.LeaderAggregateShare = codec.Encoded(leaderShare)
	job.HelperEncryptedAggregateShare = codec.Encoded(helperShare)
	if leaseToken != nil {
		var arr [16]byte
		copy(arr[:], leaseToken)
		job.LeaseToken = &arr
	}
	return job, nil
}

func batchIdentifierFromColumns(start, end *time.Time, batchID []byte) BatchIdentifier {
	if batchID != nil {
		var id [32]byte
		copy(id[:], batchID)
		return BatchIdentifier{FixedSizeID: &id}
	}
	if start != nil && end != nil {
		return BatchIdentifier{Interval: &Interval{Start: *start, End: *end}}
	}
	return BatchIdentifier{}
}

// UpdateCollectionJobState transitions a collection job's state, rejecting
// any transition the state machine forbids (most notably, back to start).
func (d *Datastore) UpdateCollectionJobState(ctx context.Context, taskID [32]byte, jobID [16]byte, newState CollectionJobState) error {
	return d.RunInTransaction(ctx, "update_collection_job_state", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getCollectionJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		if !allowedCollectionJobTransition(current.State, newState) {
			return &InvalidParameterError{Param: "collection job state transition not permitted"}
		}
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE collection_jobs SET state = $3 WHERE task_id = $1 AND collection_job_id = $2`,
				taskID[:], jobID[:], collectionJobStateToSQL(newState))
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "update_collection_job_state"}
			}
			return nil
		})
	})
}

// FinishCollectionJob writes the leader's computed aggregate shares and
// transitions the job to finished in one statement.
func (d *Datastore) FinishCollectionJob(ctx context.Context, taskID [32]byte, jobID [16]byte, leaderShare, helperShare codec.Encoded, reportCount uint64) error {
	return d.RunInTransaction(ctx, "finish_collection_job", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getCollectionJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		if !allowedCollectionJobTransition(current.State, CollectionJobFinished) {
			return &InvalidParameterError{Param: "collection job state transition not permitted"}
		}
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE collection_jobs
				 SET state = $3, leader_aggregate_share = $4, helper_encrypted_aggregate_share = $5,
				     report_count = $6, lease_expiry = NULL, lease_token = NULL
				 WHERE task_id = $1 AND collection_job_id = $2`,
				taskID[:], jobID[:], collectionJobStateToSQL(CollectionJobFinished),
				[]byte(leaderShare), []byte(helperShare), reportCount)
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "finish_collection_job"}
			}
			return nil
		})
	})
}

// AcquireIncompleteCollectionJobs leases up to maxJobs collectable
// collection jobs with no live lease, mirroring
// AcquireIncompleteAggregationJobs.
func (d *Datastore) AcquireIncompleteCollectionJobs(ctx context.Context, leaseDuration time.Duration, maxJobs int) ([]*CollectionJob, error) {
	var jobs []*CollectionJob
	err := d.RunInTransaction(ctx, "acquire_incomplete_collection_jobs", func(ctx context.Context, tx *Transaction) error {
		jobs = nil
		now := d.clock.Now()
		expiry := now.Add(leaseDuration)

		rows, err := d.queryRows(ctx, tx,
			`WITH candidates AS (
			   SELECT task_id, collection_job_id FROM collection_jobs
			   WHERE state = 'collectable' AND (lease_expiry IS NULL OR lease_expiry <= $1)
			   ORDER BY collection_job_id
			   LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 UPDATE collection_jobs cj
			 SET lease_expiry = $3, lease_token = gen_random_bytes(16),
			     lease_attempts = cj.lease_attempts + 1
			 FROM candidates c
			 WHERE cj.task_id = c.task_id AND cj.collection_job_id = c.collection_job_id
			 RETURNING cj.task_id, cj.collection_job_id, cj.batch_interval_start, cj.batch_interval_end,
			           cj.batch_id, cj.aggregation_param, cj.lease_attempts, cj.lease_token`,
			now, maxJobs, expiry)
		if err != nil {
			return fmt.Errorf("datastore: acquire_incomplete_collection_jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job := &CollectionJob{State: CollectionJobCollectable}
			var taskID, jobID []byte
			var start, end *time.Time
			var batchID, param, leaseToken []byte
			if err := rows.Scan(&taskID, &jobID, &start, &end, &batchID, &param, &job.LeaseAttempts, &leaseToken); err != nil {
				return err
			}
			copy(job.TaskID[:], taskID)
			copy(job.ID[:], jobID)
			job.BatchIdentifier = batchIdentifierFromColumns(start, end, batchID)
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

		telemetry.Metrics.LeasesAcquired.Add(ctx, int64(len(jobs)), metric.WithAttributes(attribute.String("kind", "collection_job")))
		return nil
	})
	return jobs, err
}

// ReleaseCollectionJob clears a collection job's lease iff the
// (leaseExpiry, leaseToken) pair matches the one currently stored, and is a
// no-op (not an error) if the job has already reached a terminal state —
// releasing a lease on a job that is already finished or abandoned is
// expected when a collect driver loses a race with a faster peer
// (aggregate_share.rs's step_collect_job doc comments).
func (d *Datastore) ReleaseCollectionJob(ctx context.Context, taskID [32]byte, jobID [16]byte, leaseExpiry time.Time, leaseToken [16]byte) error {
	return d.RunInTransaction(ctx, "release_collection_job", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getCollectionJobTx(ctx, tx, taskID, jobID)
		if err != nil {
			return err
		}
		if current.State == CollectionJobFinished || current.State == CollectionJobAbandoned ||
			current.State == CollectionJobDeleted {
			return nil
		}
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE collection_jobs SET lease_expiry = NULL, lease_token = NULL
				 WHERE task_id = $1 AND collection_job_id = $2 AND lease_expiry = $3 AND lease_token = $4`,
				taskID[:], jobID[:], leaseExpiry, leaseToken[:])
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "release_collection_job"}
			}
			return nil
		})
	})
}
