package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"database/sql"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

func batchStateToSQL(s BatchState) string {
	switch s {
	case BatchClosing:
		return "closing"
	case BatchClosed:
		return "closed"
	default:
		return "open"
	}
}

func batchStateFromSQL(s string) BatchState {
	switch s {
	case "closing":
		return BatchClosing
	case "closed":
		return BatchClosed
	default:
		return BatchOpen
	}
}

// batchIdentifierColumns splits a BatchIdentifier into the column values
// used for either query-type representation; exactly one pair is non-nil per
// task's QueryType. start/end are passed straight through to timestamptz
// columns and must stay time.Time, not a numeric Unix encoding — a bigint
// bound to a timestamptz parameter is a type Postgres rejects outright.
func batchIdentifierColumns(id BatchIdentifier) (start, end *time.Time, batchID []byte) {
	if id.Interval != nil {
		s := id.Interval.Start
		e := id.Interval.End
		return &s, &e, nil
	}
	if id.FixedSizeID != nil {
		return nil, nil, id.FixedSizeID[:]
	}
	return nil, nil, nil
}

// PutBatch inserts a new batch row with the state given in b.State.
func (d *Datastore) PutBatch(ctx context.Context, b *Batch) error {
	return d.RunInTransaction(ctx, "put_batch", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(b.BatchIdentifier)
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO batches (task_id, batch_interval_start, batch_interval_end, batch_id,
					aggregation_param, state, outstanding_aggregation_jobs,
					client_timestamp_interval_start, client_timestamp_interval_end)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				b.TaskID[:], start, end, batchID, []byte(b.AggregationParam),
				batchStateToSQL(b.State), b.OutstandingAggregationJobs,
				b.ClientTimestampInterval.Start, b.ClientTimestampInterval.End)
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_batch"}
			}
			return fmt.Errorf("datastore: put_batch: %w", err)
		}
		return nil
	})
}

// GetBatch reads a single batch by its identifier.
func (d *Datastore) GetBatch(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded) (*Batch, error) {
	var batch *Batch
	err := d.RunInTransaction(ctx, "get_batch", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(id)
		b := &Batch{TaskID: taskID, BatchIdentifier: id}
		var state string
		var param []byte
		var ctsStart, ctsEnd time.Time
		err := tx.exec(func() error {
			row := tx.tx.QueryRowContext(ctx,
				`SELECT aggregation_param, state, outstanding_aggregation_jobs,
					client_timestamp_interval_start, client_timestamp_interval_end
				 FROM batches
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5`,
				taskID[:], start, end, batchID, []byte(aggregationParam))
			return row.Scan(&param, &state, &b.OutstandingAggregationJobs, &ctsStart, &ctsEnd)
		})
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &MutationTargetNotFoundError{Op: "get_batch"}
			}
			return fmt.Errorf("datastore: get_batch: %w", err)
		}
		b.AggregationParam = codec.Encoded(param)
		b.State = batchStateFromSQL(state)
		b.ClientTimestampInterval = Interval{Start: ctsStart, End: ctsEnd}
		batch = b
		return nil
	})
	return batch, err
}

// UpdateBatchState transitions a batch's lifecycle state
// (open -> closing -> closed, spec.md section 3).
func (d *Datastore) UpdateBatchState(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded, newState BatchState) error {
	return d.RunInTransaction(ctx, "update_batch_state", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(id)
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE batches SET state = $6
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5`,
				taskID[:], start, end, batchID, []byte(aggregationParam), batchStateToSQL(newState))
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "update_batch_state"}
			}
			return nil
		})
	})
}

// DecrementOutstandingAggregationJobs decrements a batch's outstanding job
// counter by one, atomically, as one aggregation job against it finishes.
func (d *Datastore) DecrementOutstandingAggregationJobs(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded) error {
	return d.RunInTransaction(ctx, "decrement_outstanding_aggregation_jobs", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(id)
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE batches SET outstanding_aggregation_jobs = outstanding_aggregation_jobs - 1
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5
				   AND outstanding_aggregation_jobs > 0`,
				taskID[:], start, end, batchID, []byte(aggregationParam))
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "decrement_outstanding_aggregation_jobs"}
			}
			return nil
		})
	})
}
