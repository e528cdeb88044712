package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upJobBatchAndKeyState, downJobBatchAndKeyState)
}

// upJobBatchAndKeyState fills in attributes spec.md section 3 requires that the
// initial schema omitted: an aggregation job's contained-report interval and
// fixed-size partial batch id (needed to GC aggregation artifacts and to link
// outstanding batches to their report aggregations), a batch's own
// client-timestamp interval (so a fixed-size batch, which has no
// batch_interval, still has an upper bound GC can cut against), batch
// aggregation sharding by ord plus its aggregating/collected state, and the
// global HPKE keypair lifecycle state.
func upJobBatchAndKeyState(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE aggregation_jobs
			ADD COLUMN client_timestamp_interval_start timestamptz,
			ADD COLUMN client_timestamp_interval_end   timestamptz,
			ADD COLUMN partial_batch_identifier        bytea,
			ADD COLUMN last_request_hash               bytea;
		CREATE INDEX aggregation_jobs_interval_end ON aggregation_jobs (task_id, client_timestamp_interval_end);
		CREATE INDEX aggregation_jobs_partial_batch ON aggregation_jobs (task_id, partial_batch_identifier);

		ALTER TABLE batches
			ADD COLUMN client_timestamp_interval_start timestamptz,
			ADD COLUMN client_timestamp_interval_end   timestamptz;

		ALTER TABLE batch_aggregations
			ADD COLUMN ord   bigint NOT NULL DEFAULT 0,
			ADD COLUMN state text   NOT NULL DEFAULT 'aggregating';
		DROP INDEX batch_aggregations_identity;
		CREATE UNIQUE INDEX batch_aggregations_identity ON batch_aggregations (
			task_id, aggregation_param, ord,
			coalesce(batch_interval_start, 'epoch'::timestamptz),
			coalesce(batch_interval_end, 'epoch'::timestamptz),
			coalesce(batch_id, '\x00'::bytea)
		);

		ALTER TABLE global_hpke_keypairs
			ADD COLUMN state      text NOT NULL DEFAULT 'pending',
			ADD COLUMN updated_at timestamptz NOT NULL DEFAULT now();
	`)
	return err
}

func downJobBatchAndKeyState(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE global_hpke_keypairs
			DROP COLUMN IF EXISTS state,
			DROP COLUMN IF EXISTS updated_at;

		DROP INDEX IF EXISTS batch_aggregations_identity;
		ALTER TABLE batch_aggregations
			DROP COLUMN IF EXISTS ord,
			DROP COLUMN IF EXISTS state;
		CREATE UNIQUE INDEX batch_aggregations_identity ON batch_aggregations (
			task_id, aggregation_param,
			coalesce(batch_interval_start, 'epoch'::timestamptz),
			coalesce(batch_interval_end, 'epoch'::timestamptz),
			coalesce(batch_id, '\x00'::bytea)
		);

		ALTER TABLE batches
			DROP COLUMN IF EXISTS client_timestamp_interval_start,
			DROP COLUMN IF EXISTS client_timestamp_interval_end;

		DROP INDEX IF EXISTS aggregation_jobs_partial_batch;
		DROP INDEX IF EXISTS aggregation_jobs_interval_end;
		ALTER TABLE aggregation_jobs
			DROP COLUMN IF EXISTS client_timestamp_interval_start,
			DROP COLUMN IF EXISTS client_timestamp_interval_end,
			DROP COLUMN IF EXISTS partial_batch_identifier,
			DROP COLUMN IF EXISTS last_request_hash;
	`)
	return err
}
