package datastore

import (
	"context"
	"errors"
	"fmt"

	"database/sql"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

// PutAggregateShareJob records the helper's computed aggregate share for a
// leader's aggregate-share request, so a retried identical request can be
// answered without recomputing it.
func (d *Datastore) PutAggregateShareJob(ctx context.Context, job *AggregateShareJob) error {
	return d.RunInTransaction(ctx, "put_aggregate_share_job", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(job.BatchIdentifier)
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO aggregate_share_jobs (task_id, batch_interval_start, batch_interval_end,
					batch_id, aggregation_param, helper_aggregate_share, report_count, checksum)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				job.TaskID[:], start, end, batchID, []byte(job.AggregationParam),
				[]byte(job.HelperAggregateShare), job.ReportCount, job.Checksum[:])
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_aggregate_share_job"}
			}
			return fmt.Errorf("datastore: put_aggregate_share_job: %w", err)
		}
		return nil
	})
}

// GetAggregateShareJob reads a previously computed aggregate share job, so
// the helper's aggregate-share endpoint can be idempotent.
func (d *Datastore) GetAggregateShareJob(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded) (*AggregateShareJob, error) {
	var result *AggregateShareJob
	err := d.RunInTransaction(ctx, "get_aggregate_share_job", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(id)
		job := &AggregateShareJob{TaskID: taskID, BatchIdentifier: id, AggregationParam: aggregationParam}
		var share, checksum []byte
		err := tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT helper_aggregate_share, report_count, checksum
				 FROM aggregate_share_jobs
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5`,
				taskID[:], start, end, batchID, []byte(aggregationParam))
			return row.Scan(&share, &job.ReportCount, &checksum)
		})
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &MutationTargetNotFoundError{Op: "get_aggregate_share_job"}
			}
			return fmt.Errorf("datastore: get_aggregate_share_job: %w", err)
		}
		job.HelperAggregateShare = codec.Encoded(share)
		copy(job.Checksum[:], checksum)
		result = job
		return nil
	})
	return result, err
}
