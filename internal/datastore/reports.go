package datastore

import (
	"context"
	"errors"
	"fmt"

	"database/sql"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

// PutClientReport inserts a client report, following the idempotent
// insert-or-compare decision table from spec.md section 4.4: a conflicting
// report id for the same task is a no-op success if its stored contents are
// byte-identical to the one being written (the client retried verbatim), and
// a conflict otherwise.
func (d *Datastore) PutClientReport(ctx context.Context, report *ClientReport) error {
	return d.RunInTransaction(ctx, "put_client_report", func(ctx context.Context, tx *Transaction) error {
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO client_reports (task_id, report_id, client_timestamp,
					extension_data, leader_encrypted_input, helper_encrypted_input)
				 VALUES ($1,$2,$3,$4,$5,$6)`,
				report.TaskID[:], report.ReportID[:], report.Time,
				[]byte(report.ExtensionData), []byte(report.LeaderEncryptedInput), []byte(report.HelperEncryptedInput))
			return err
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("datastore: put_client_report: %w", err)
		}

		existing, getErr := d.getClientReportTx(ctx, tx, report.TaskID, report.ReportID)
		if getErr != nil {
			if errors.Is(getErr, errReportNotFound) {
				// The INSERT collided with a row this transaction's snapshot
				// cannot see (a concurrent transaction committed it after the
				// snapshot was taken), so force the whole attempt to retry
				// rather than report a spurious conflict.
				tx.Retry()
				return nil
			}
			return getErr
		}
		if clientReportsEqual(existing, report) {
			return nil
		}
		return &MutationTargetAlreadyExistsError{Op: "put_client_report"}
	})
}

func clientReportsEqual(a, b *ClientReport) bool {
	return a.Time.Equal(b.Time) &&
		string(a.ExtensionData) == string(b.ExtensionData) &&
		string(a.LeaderEncryptedInput) == string(b.LeaderEncryptedInput) &&
		string(a.HelperEncryptedInput) == string(b.HelperEncryptedInput)
}

var errReportNotFound = errors.New("datastore: client report not found")

func (d *Datastore) getClientReportTx(ctx context.Context, tx *Transaction, taskID [32]byte, reportID [16]byte) (*ClientReport, error) {
	report := &ClientReport{TaskID: taskID, ReportID: reportID}
	var ext, leader, helper []byte
	err := tx.exec(func() error {
		row := tx.tx.QueryRowContext(ctx,
			`SELECT client_timestamp, extension_data, leader_encrypted_input, helper_encrypted_input
			 FROM client_reports
			 WHERE task_id = $1 AND report_id = $2
			   AND (client_timestamp > now() - (SELECT report_expiry_age FROM tasks WHERE task_id = $1) OR
			        (SELECT report_expiry_age FROM tasks WHERE task_id = $1) IS NULL)`,
			taskID[:], reportID[:])
		return row.Scan(&report.Time, &ext, &leader, &helper)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errReportNotFound
		}
		return nil, fmt.Errorf("datastore: get_client_report: %w", err)
	}
	report.ExtensionData = codec.Encoded(ext)
	report.LeaderEncryptedInput = codec.Encoded(leader)
	report.HelperEncryptedInput = codec.Encoded(helper)
	return report, nil
}

// GetClientReport reads a single client report by (task, report id),
// returning MutationTargetNotFoundError if it does not exist or has expired
// (expired rows are hidden at read time per spec.md's GC-on-read rule).
func (d *Datastore) GetClientReport(ctx context.Context, taskID [32]byte, reportID [16]byte) (*ClientReport, error) {
	var report *ClientReport
	err := d.RunInTransaction(ctx, "get_client_report", func(ctx context.Context, tx *Transaction) error {
		r, err := d.getClientReportTx(ctx, tx, taskID, reportID)
		if err != nil {
			if errors.Is(err, errReportNotFound) {
				return &MutationTargetNotFoundError{Op: "get_client_report"}
			}
			return err
		}
		report = r
		return nil
	})
	return report, err
}

// CountClientReportsForInterval counts non-expired, non-aggregation-started
// client reports whose timestamp falls within iv.
func (d *Datastore) CountClientReportsForInterval(ctx context.Context, taskID [32]byte, iv Interval) (uint64, error) {
	var count uint64
	err := d.RunInTransaction(ctx, "count_client_reports_for_interval", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT count(*) FROM client_reports cr
				 JOIN tasks t ON t.task_id = cr.task_id
				 WHERE cr.task_id = $1 AND cr.client_timestamp >= $2 AND cr.client_timestamp < $3
				   AND NOT cr.aggregation_started
				   AND (t.report_expiry_age IS NULL OR cr.client_timestamp > now() - t.report_expiry_age)`,
				taskID[:], iv.Start, iv.End)
			return row.Scan(&count)
		})
	})
	return count, err
}

// CountClientReportsForBatchID counts the client reports assigned to a
// fixed-size batch (via their report aggregations' aggregation job).
func (d *Datastore) CountClientReportsForBatchID(ctx context.Context, taskID [32]byte, batchID [32]byte) (uint64, error) {
	var count uint64
	err := d.RunInTransaction(ctx, "count_client_reports_for_batch_id", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT count(DISTINCT ra.report_id) FROM report_aggregations ra
				 JOIN aggregation_jobs aj ON aj.task_id = ra.task_id AND aj.aggregation_job_id = ra.aggregation_job_id
				 WHERE ra.task_id = $1 AND aj.partial_batch_identifier = $2`,
				taskID[:], batchID[:])
			return row.Scan(&count)
		})
	})
	return count, err
}

// GetUnaggregatedClientReportIDsForTask claims up to 5000 client reports
// that have not yet been assigned to an aggregation job, marking them
// aggregation_started so a concurrent caller does not claim the same rows
// (spec.md section 4.4). Each claimed report's time is returned alongside its
// id, since the caller needs it to compute the new aggregation job's
// ClientTimestampInterval.
func (d *Datastore) GetUnaggregatedClientReportIDsForTask(ctx context.Context, taskID [32]byte) ([]UnaggregatedReport, error) {
	const claimLimit = 5000
	var reports []UnaggregatedReport
	err := d.RunInTransaction(ctx, "get_unaggregated_client_report_ids", func(ctx context.Context, tx *Transaction) error {
		reports = nil
		rows, err := d.queryRows(ctx, tx,
			`UPDATE client_reports SET aggregation_started = true
			 WHERE report_id IN (
			   SELECT report_id FROM client_reports
			   WHERE task_id = $1 AND NOT aggregation_started
			   ORDER BY client_timestamp
			   LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 ) AND task_id = $1
			 RETURNING report_id, client_timestamp`,
			taskID[:], claimLimit)
		if err != nil {
			return fmt.Errorf("datastore: get_unaggregated_client_report_ids: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id []byte
			var r UnaggregatedReport
			if err := rows.Scan(&id, &r.Time); err != nil {
				return err
			}
			copy(r.ReportID[:], id)
			reports = append(reports, r)
		}
		return rows.Err()
	})
	return reports, err
}

// MarkReportsUnaggregated clears the aggregation_started flag on the given
// reports, used when an aggregation job that claimed them is abandoned
// before completing, so the reports become eligible for re-claim.
func (d *Datastore) MarkReportsUnaggregated(ctx context.Context, taskID [32]byte, reportIDs [][16]byte) error {
	return d.RunInTransaction(ctx, "mark_reports_unaggregated", func(ctx context.Context, tx *Transaction) error {
		ids := make([][]byte, len(reportIDs))
		for i, id := range reportIDs {
			ids[i] = id[:]
		}
		_, err := batchIN(ctx, tx, ids,
			`UPDATE client_reports SET aggregation_started = false
			 WHERE task_id = $1 AND report_id IN (%PLACEHOLDERS%)
			 RETURNING report_id`,
			[]any{taskID[:]},
			func(rows *sql.Rows) (struct{}, error) {
				var id []byte
				return struct{}{}, rows.Scan(&id)
			})
		if err != nil {
			return fmt.Errorf("datastore: mark_reports_unaggregated: %w", err)
		}
		return nil
	})
}

// IntervalHasUnaggregatedReports reports whether any non-expired client
// report in iv has not yet started aggregation.
func (d *Datastore) IntervalHasUnaggregatedReports(ctx context.Context, taskID [32]byte, iv Interval) (bool, error) {
	var has bool
	err := d.RunInTransaction(ctx, "interval_has_unaggregated_reports", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT EXISTS (
				   SELECT 1 FROM client_reports cr
				   JOIN tasks t ON t.task_id = cr.task_id
				   WHERE cr.task_id = $1 AND cr.client_timestamp >= $2 AND cr.client_timestamp < $3
				     AND NOT cr.aggregation_started
				     AND (t.report_expiry_age IS NULL OR cr.client_timestamp > now() - t.report_expiry_age)
				 )`,
				taskID[:], iv.Start, iv.End)
			return row.Scan(&has)
		})
	})
	return has, err
}

// TaskMetrics is the per-task summary returned by GetTaskMetrics.
type TaskMetrics struct {
	ReportCount            uint64
	ReportAggregationCount uint64
}

// GetTaskMetrics returns counts used for operator-facing dashboards: total
// non-expired reports received, and total report aggregations created. It
// returns (nil, nil) if taskID does not name a known task, so that case is
// distinguishable from a known task that has received zero reports
// (spec.md section 4.4).
func (d *Datastore) GetTaskMetrics(ctx context.Context, taskID [32]byte) (*TaskMetrics, error) {
	var metrics *TaskMetrics
	err := d.RunInTransaction(ctx, "get_task_metrics", func(ctx context.Context, tx *Transaction) error {
		metrics = nil
		m := &TaskMetrics{}
		err := tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT
				   (SELECT count(*) FROM client_reports cr WHERE cr.task_id = t.task_id
				      AND (t.report_expiry_age IS NULL OR cr.client_timestamp > now() - t.report_expiry_age)),
				   (SELECT count(*) FROM report_aggregations WHERE task_id = t.task_id)
				 FROM tasks t WHERE t.task_id = $1`,
				taskID[:])
			return row.Scan(&m.ReportCount, &m.ReportAggregationCount)
		})
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("datastore: get_task_metrics: %w", err)
		}
		metrics = m
		return nil
	})
	return metrics, err
}
