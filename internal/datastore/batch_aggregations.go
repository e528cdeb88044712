package datastore

import (
	"context"
	"errors"
	"fmt"

	"database/sql"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

func batchAggregationStateToSQL(s BatchAggregationState) string {
	switch s {
	case BatchAggregationCollected:
		return "collected"
	default:
		return "aggregating"
	}
}

func batchAggregationStateFromSQL(s string) BatchAggregationState {
	switch s {
	case "collected":
		return BatchAggregationCollected
	default:
		return BatchAggregationAggregating
	}
}

// PutBatchAggregation inserts the first partial aggregate share row for a
// (batch, aggregation param, ord) shard, with the state given in ba.State.
func (d *Datastore) PutBatchAggregation(ctx context.Context, ba *BatchAggregation) error {
	return d.RunInTransaction(ctx, "put_batch_aggregation", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(ba.BatchIdentifier)
		err := tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO batch_aggregations (task_id, batch_interval_start, batch_interval_end,
					batch_id, aggregation_param, ord, state, aggregate_share, report_count, checksum)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				ba.TaskID[:], start, end, batchID, []byte(ba.AggregationParam), ba.Ord,
				batchAggregationStateToSQL(ba.State), []byte(ba.AggregateShare), ba.ReportCount, ba.Checksum[:])
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_batch_aggregation"}
			}
			return fmt.Errorf("datastore: put_batch_aggregation: %w", err)
		}
		return nil
	})
}

// GetBatchAggregation reads one batch aggregation shard.
func (d *Datastore) GetBatchAggregation(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded, ord uint64) (*BatchAggregation, error) {
	var result *BatchAggregation
	err := d.RunInTransaction(ctx, "get_batch_aggregation", func(ctx context.Context, tx *Transaction) error {
		ba, err := d.getBatchAggregationTx(ctx, tx, taskID, id, aggregationParam, ord)
		if err != nil {
			return err
		}
		result = ba
		return nil
	})
	return result, err
}

func (d *Datastore) getBatchAggregationTx(ctx context.Context, tx *Transaction, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded, ord uint64) (*BatchAggregation, error) {
	start, end, batchID := batchIdentifierColumns(id)
	ba := &BatchAggregation{TaskID: taskID, BatchIdentifier: id, AggregationParam: aggregationParam, Ord: ord}
	var share, checksum []byte
	var state string
	err := tx.exec(func() error {
		row := tx.tx.QueryRowContext(ctx,
			`SELECT state, aggregate_share, report_count, checksum
			 FROM batch_aggregations
			 WHERE task_id = $1
			   AND batch_interval_start IS NOT DISTINCT FROM $2
			   AND batch_interval_end IS NOT DISTINCT FROM $3
			   AND batch_id IS NOT DISTINCT FROM $4
			   AND aggregation_param = $5
			   AND ord = $6`,
			taskID[:], start, end, batchID, []byte(aggregationParam), ord)
		return row.Scan(&state, &share, &ba.ReportCount, &checksum)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MutationTargetNotFoundError{Op: "get_batch_aggregation"}
		}
		return nil, fmt.Errorf("datastore: get_batch_aggregation: %w", err)
	}
	ba.State = batchAggregationStateFromSQL(state)
	ba.AggregateShare = codec.Encoded(share)
	copy(ba.Checksum[:], checksum)
	return ba, nil
}

// CombineBatchAggregation folds delta into the stored batch aggregation shard
// using combineShares. If the shard row does not exist it returns
// MutationTargetNotFoundError without retrying; the caller must
// PutBatchAggregation first in that case.
func (d *Datastore) CombineBatchAggregation(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded, ord uint64, delta BatchAggregation, combineShares func(a, b codec.Encoded) (codec.Encoded, error)) error {
	return d.RunInTransaction(ctx, "combine_batch_aggregation", func(ctx context.Context, tx *Transaction) error {
		current, err := d.getBatchAggregationTx(ctx, tx, taskID, id, aggregationParam, ord)
		if err != nil {
			return err
		}

		if err := current.Combine(delta, combineShares); err != nil {
			return fmt.Errorf("datastore: combine_batch_aggregation: %w", err)
		}

		start, end, batchID := batchIdentifierColumns(id)
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE batch_aggregations SET aggregate_share = $7, report_count = $8, checksum = $9
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5
				   AND ord = $6`,
				taskID[:], start, end, batchID, []byte(aggregationParam), ord,
				[]byte(current.AggregateShare), current.ReportCount, current.Checksum[:])
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "combine_batch_aggregation"}
			}
			return nil
		})
	})
}

// UpdateBatchAggregationState transitions a batch aggregation shard from
// aggregating to collected once a collection job has folded it into a
// collected aggregate share; a collected shard must never again be combined
// into (spec.md section 3).
func (d *Datastore) UpdateBatchAggregationState(ctx context.Context, taskID [32]byte, id BatchIdentifier, aggregationParam codec.Encoded, ord uint64, newState BatchAggregationState) error {
	return d.RunInTransaction(ctx, "update_batch_aggregation_state", func(ctx context.Context, tx *Transaction) error {
		start, end, batchID := batchIdentifierColumns(id)
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE batch_aggregations SET state = $7
				 WHERE task_id = $1
				   AND batch_interval_start IS NOT DISTINCT FROM $2
				   AND batch_interval_end IS NOT DISTINCT FROM $3
				   AND batch_id IS NOT DISTINCT FROM $4
				   AND aggregation_param = $5
				   AND ord = $6`,
				taskID[:], start, end, batchID, []byte(aggregationParam), ord, batchAggregationStateToSQL(newState))
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "update_batch_aggregation_state"}
			}
			return nil
		})
	})
}
