package datastore

import (
	"context"
	"errors"
	"fmt"

	"database/sql"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

// PutReportAggregation inserts a new report aggregation row in the start
// state (spec.md section 3's report-aggregation state machine).
func (d *Datastore) PutReportAggregation(ctx context.Context, ra *ReportAggregation) error {
	return d.RunInTransaction(ctx, "put_report_aggregation", func(ctx context.Context, tx *Transaction) error {
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO report_aggregations (task_id, aggregation_job_id, report_id,
					client_timestamp, ord, state)
				 VALUES ($1,$2,$3,$4,$5,$6)`,
				ra.TaskID[:], ra.AggregationJobID[:], ra.ReportID[:], ra.Time, ra.Ord,
				reportAggregationStateToSQL(ReportAggregationStart))
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_report_aggregation"}
			}
			return fmt.Errorf("datastore: put_report_aggregation: %w", err)
		}
		return nil
	})
}

func reportAggregationStateToSQL(s ReportAggregationState) string {
	switch s {
	case ReportAggregationWaiting:
		return "waiting"
	case ReportAggregationFinished:
		return "finished"
	case ReportAggregationFailed:
		return "failed"
	default:
		return "start"
	}
}

func reportAggregationStateFromSQL(s string) ReportAggregationState {
	switch s {
	case "waiting":
		return ReportAggregationWaiting
	case "finished":
		return ReportAggregationFinished
	case "failed":
		return ReportAggregationFailed
	default:
		return ReportAggregationStart
	}
}

// allowedReportAggregationTransition enforces the state machine's forward-
// only shape: start and waiting may each move to waiting, finished or failed;
// finished and failed are terminal. No transition back to start is permitted.
func allowedReportAggregationTransition(from, to ReportAggregationState) bool {
	switch from {
	case ReportAggregationStart:
		return to == ReportAggregationWaiting || to == ReportAggregationFinished || to == ReportAggregationFailed
	case ReportAggregationWaiting:
		return to == ReportAggregationWaiting || to == ReportAggregationFinished || to == ReportAggregationFailed
	default:
		return false
	}
}

// GetReportAggregation reads a single report aggregation.
func (d *Datastore) GetReportAggregation(ctx context.Context, taskID [32]byte, aggregationJobID [16]byte, reportID [16]byte) (*ReportAggregation, error) {
	var ra *ReportAggregation
	err := d.RunInTransaction(ctx, "get_report_aggregation", func(ctx context.Context, tx *Transaction) error {
		r, err := d.getReportAggregationTx(ctx, tx, taskID, aggregationJobID, reportID)
		if err != nil {
			return err
		}
		ra = r
		return nil
	})
	return ra, err
}

func (d *Datastore) getReportAggregationTx(ctx context.Context, tx *Transaction, taskID [32]byte, aggregationJobID [16]byte, reportID [16]byte) (*ReportAggregation, error) {
	ra := &ReportAggregation{TaskID: taskID, AggregationJobID: aggregationJobID, ReportID: reportID}
	var state string
	var prepState, prepMsg, outputShare []byte
	var errCode *int
	err := tx.exec(func() error {
		row := tx.tx.QueryRowContext(ctx,
			`SELECT client_timestamp, ord, state, prep_state, prep_msg, output_share, error_code
			 FROM report_aggregations
			 WHERE task_id = $1 AND aggregation_job_id = $2 AND report_id = $3`,
			taskID[:], aggregationJobID[:], reportID[:])
		return row.Scan(&ra.Time, &ra.Ord, &state, &prepState, &prepMsg, &outputShare, &errCode)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MutationTargetNotFoundError{Op: "get_report_aggregation"}
		}
		return nil, fmt.Errorf("datastore: get_report_aggregation: %w", err)
	}
	ra.State = reportAggregationStateFromSQL(state)
	ra.PrepState = codec.Encoded(prepState)
	ra.PrepMsg = codec.Encoded(prepMsg)
	ra.OutputShare = codec.Encoded(outputShare)
	if errCode != nil {
		v := uint8(*errCode)
		ra.ErrorCode = &v
	}
	return ra, nil
}

// validateReportAggregationStateFields enforces spec.md section 3's
// invariant that a report aggregation's non-null fields match its state tag:
// waiting must carry a prep_state (the VDAF capability is paused mid-round
// awaiting the peer), and failed must carry an error_code explaining why.
func validateReportAggregationStateFields(ra *ReportAggregation) error {
	switch ra.State {
	case ReportAggregationWaiting:
		if len(ra.PrepState) == 0 {
			return &InvalidParameterError{Param: "waiting report aggregation requires a prep state"}
		}
	case ReportAggregationFailed:
		if ra.ErrorCode == nil {
			return &InvalidParameterError{Param: "failed report aggregation requires an error code"}
		}
	}
	return nil
}

// UpdateReportAggregation writes a new state (and associated VDAF capability
// bytes) for a report aggregation, rejecting any transition the state
// machine forbids and any write whose non-null fields do not match the new
// state tag.
func (d *Datastore) UpdateReportAggregation(ctx context.Context, ra *ReportAggregation) error {
	return d.RunInTransaction(ctx, "update_report_aggregation", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getReportAggregationTx(ctx, tx, ra.TaskID, ra.AggregationJobID, ra.ReportID)
		if err != nil {
			return err
		}
		if !allowedReportAggregationTransition(current.State, ra.State) {
			return &InvalidParameterError{Param: "report aggregation state transition not permitted"}
		}
		if err := validateReportAggregationStateFields(ra); err != nil {
			return err
		}

		var errCode *int
		if ra.ErrorCode != nil {
			v := int(*ra.ErrorCode)
			errCode = &v
		}

		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE report_aggregations
				 SET state = $4, prep_state = $5, prep_msg = $6, output_share = $7, error_code = $8
				 WHERE task_id = $1 AND aggregation_job_id = $2 AND report_id = $3`,
				ra.TaskID[:], ra.AggregationJobID[:], ra.ReportID[:],
				reportAggregationStateToSQL(ra.State), []byte(ra.PrepState), []byte(ra.PrepMsg),
				[]byte(ra.OutputShare), errCode)
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "update_report_aggregation"}
			}
			return nil
		})
	})
}

// GetReportAggregationsForAggregationJob reads every report aggregation
// belonging to one aggregation job, ordered by their assigned ordinal.
func (d *Datastore) GetReportAggregationsForAggregationJob(ctx context.Context, taskID [32]byte, aggregationJobID [16]byte) ([]*ReportAggregation, error) {
	var results []*ReportAggregation
	err := d.RunInTransaction(ctx, "get_report_aggregations_for_aggregation_job", func(ctx context.Context, tx *Transaction) error {
		results = nil
		rows, err := d.queryRows(ctx, tx,
			`SELECT report_id, client_timestamp, ord, state, prep_state, prep_msg, output_share, error_code
			 FROM report_aggregations
			 WHERE task_id = $1 AND aggregation_job_id = $2
			 ORDER BY ord`,
			taskID[:], aggregationJobID[:])
		if err != nil {
			return fmt.Errorf("datastore: get_report_aggregations_for_aggregation_job: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			ra := &ReportAggregation{TaskID: taskID, AggregationJobID: aggregationJobID}
			var reportID []byte
			var state string
			var prepState, prepMsg, outputShare []byte
			var errCode *int
			if err := rows.Scan(&reportID, &ra.Time, &ra.Ord, &state, &prepState, &prepMsg, &outputShare, &errCode); err != nil {
				return err
			}
			copy(ra.ReportID[:], reportID)
			ra.State = reportAggregationStateFromSQL(state)
			ra.PrepState = codec.Encoded(prepState)
			ra.PrepMsg = codec.Encoded(prepMsg)
			ra.OutputShare = codec.Encoded(outputShare)
			if errCode != nil {
				v := uint8(*errCode)
				ra.ErrorCode = &v
			}
			results = append(results, ra)
		}
		return rows.Err()
	})
	return results, err
}
