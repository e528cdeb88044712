package datastore

import (
	"context"
	"fmt"
)

// DeleteExpiredClientReports deletes up to limit client reports for taskID
// whose client_timestamp is older than the task's report_expiry_age, in one
// statement, so a single GC pass cannot hold a long-running lock over the
// whole table; it returns the number of rows deleted. Reports are already hidden from
// every other read path once expired (spec.md's GC-on-read rule); this just
// reclaims the space.
func (d *Datastore) DeleteExpiredClientReports(ctx context.Context, taskID [32]byte, limit int) (int64, error) {
	var deleted int64
	err := d.RunInTransaction(ctx, "delete_expired_client_reports", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`DELETE FROM client_reports
				 WHERE (task_id, report_id) IN (
				   SELECT cr.task_id, cr.report_id FROM client_reports cr
				   JOIN tasks t ON t.task_id = cr.task_id
				   WHERE cr.task_id = $1 AND t.report_expiry_age IS NOT NULL
				     AND cr.client_timestamp <= now() - t.report_expiry_age
				   LIMIT $2
				 )`,
				taskID[:], limit)
			if err != nil {
				return err
			}
			deleted, err = ct.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("datastore: delete_expired_client_reports: %w", err)
	}
	return deleted, nil
}

// DeleteExpiredAggregationArtifacts deletes aggregation jobs whose
// upper(client_timestamp_interval) is older than the task's report_expiry_age,
// cascading to their report aggregations in the same statement (spec.md
// section 4.5). A job with no client_timestamp_interval recorded yet (still
// accumulating reports) is never a candidate.
func (d *Datastore) DeleteExpiredAggregationArtifacts(ctx context.Context, taskID [32]byte, limit int) (int64, error) {
	var deleted int64
	err := d.RunInTransaction(ctx, "delete_expired_aggregation_artifacts", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`WITH candidates AS (
				   SELECT aj.ctid, aj.aggregation_job_id
				   FROM aggregation_jobs aj
				   JOIN tasks t ON t.task_id = aj.task_id
				   WHERE aj.task_id = $1 AND t.report_expiry_age IS NOT NULL
				     AND aj.client_timestamp_interval_end IS NOT NULL
				     AND aj.client_timestamp_interval_end <= now() - t.report_expiry_age
				   LIMIT $2
				 ),
				 deleted_ras AS (
				   DELETE FROM report_aggregations ra
				   USING candidates c
				   WHERE ra.task_id = $1 AND ra.aggregation_job_id = c.aggregation_job_id
				   RETURNING ra.task_id
				 ),
				 deleted_jobs AS (
				   DELETE FROM aggregation_jobs aj
				   USING candidates c
				   WHERE aj.ctid = c.ctid
				   RETURNING aj.aggregation_job_id
				 )
				 SELECT count(*) FROM deleted_jobs`,
				taskID[:], limit)
			return row.Scan(&deleted)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("datastore: delete_expired_aggregation_artifacts: %w", err)
	}
	return deleted, nil
}

// DeleteExpiredCollectionArtifacts deletes batches whose
// upper(batch_interval or client_timestamp_interval) is older than the
// task's report_expiry_age, cascading in the same statement to
// batch_aggregations, outstanding_batches, and the collection_jobs /
// aggregate_share_jobs rows that either share a deleted batch's identity or
// (for time-interval tasks only) have lower(batch_interval) past the cutoff.
// This asymmetric rule — batch artifacts cut on upper, collection artifacts
// also cut on lower — is spec.md section 4.5's; it ensures a collection job
// never survives the batch data it reads.
func (d *Datastore) DeleteExpiredCollectionArtifacts(ctx context.Context, taskID [32]byte, limit int) (int64, error) {
	var deleted int64
	err := d.RunInTransaction(ctx, "delete_expired_collection_artifacts", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`WITH batch_candidates AS (
				   SELECT b.ctid, b.task_id, b.batch_interval_start, b.batch_interval_end,
				          b.batch_id, b.aggregation_param
				   FROM batches b
				   JOIN tasks t ON t.task_id = b.task_id
				   WHERE b.task_id = $1 AND t.report_expiry_age IS NOT NULL
				     AND coalesce(b.batch_interval_end, b.client_timestamp_interval_end) <= now() - t.report_expiry_age
				   LIMIT $2
				 ),
				 deleted_batches AS (
				   DELETE FROM batches b
				   USING batch_candidates c
				   WHERE b.ctid = c.ctid
				   RETURNING b.task_id, b.batch_interval_start, b.batch_interval_end,
				             b.batch_id, b.aggregation_param
				 ),
				 deleted_batch_aggs AS (
				   DELETE FROM batch_aggregations ba
				   USING deleted_batches d
				   WHERE ba.task_id = d.task_id
				     AND ba.batch_interval_start IS NOT DISTINCT FROM d.batch_interval_start
				     AND ba.batch_interval_end IS NOT DISTINCT FROM d.batch_interval_end
				     AND ba.batch_id IS NOT DISTINCT FROM d.batch_id
				   RETURNING ba.task_id
				 ),
				 deleted_outstanding AS (
				   DELETE FROM outstanding_batches ob
				   USING deleted_batches d
				   WHERE ob.task_id = d.task_id AND d.batch_id IS NOT NULL AND ob.batch_id = d.batch_id
				   RETURNING ob.task_id
				 ),
				 deleted_collection_by_batch AS (
				   DELETE FROM collection_jobs cj
				   USING deleted_batches d
				   WHERE cj.task_id = d.task_id
				     AND cj.batch_interval_start IS NOT DISTINCT FROM d.batch_interval_start
				     AND cj.batch_interval_end IS NOT DISTINCT FROM d.batch_interval_end
				     AND cj.batch_id IS NOT DISTINCT FROM d.batch_id
				     AND cj.aggregation_param = d.aggregation_param
				   RETURNING cj.task_id
				 ),
				 deleted_collection_by_lower AS (
				   DELETE FROM collection_jobs cj
				   USING tasks t
				   WHERE t.task_id = cj.task_id AND cj.task_id = $1 AND t.report_expiry_age IS NOT NULL
				     AND cj.batch_interval_start IS NOT NULL
				     AND cj.batch_interval_start <= now() - t.report_expiry_age
				   RETURNING cj.task_id
				 ),
				 deleted_share_by_batch AS (
				   DELETE FROM aggregate_share_jobs asj
				   USING deleted_batches d
				   WHERE asj.task_id = d.task_id
				     AND asj.batch_interval_start IS NOT DISTINCT FROM d.batch_interval_start
				     AND asj.batch_interval_end IS NOT DISTINCT FROM d.batch_interval_end
				     AND asj.batch_id IS NOT DISTINCT FROM d.batch_id
				     AND asj.aggregation_param = d.aggregation_param
				   RETURNING asj.task_id
				 ),
				 deleted_share_by_lower AS (
				   DELETE FROM aggregate_share_jobs asj
				   USING tasks t
				   WHERE t.task_id = asj.task_id AND asj.task_id = $1 AND t.report_expiry_age IS NOT NULL
				     AND asj.batch_interval_start IS NOT NULL
				     AND asj.batch_interval_start <= now() - t.report_expiry_age
				   RETURNING asj.task_id
				 )
				 SELECT
				   (SELECT count(*) FROM deleted_batches) +
				   (SELECT count(*) FROM deleted_batch_aggs) +
				   (SELECT count(*) FROM deleted_outstanding) +
				   (SELECT count(*) FROM deleted_collection_by_batch) +
				   (SELECT count(*) FROM deleted_collection_by_lower) +
				   (SELECT count(*) FROM deleted_share_by_batch) +
				   (SELECT count(*) FROM deleted_share_by_lower)`,
				taskID[:], limit)
			return row.Scan(&deleted)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("datastore: delete_expired_collection_artifacts: %w", err)
	}
	return deleted, nil
}
