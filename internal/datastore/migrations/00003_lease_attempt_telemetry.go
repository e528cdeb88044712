package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upLeaseAttemptTelemetry, downLeaseAttemptTelemetry)
}

// upLeaseAttemptTelemetry adds nullable last_lease_acquired_at columns to
// aggregation_jobs and collection_jobs, without changing lease semantics. No
// datastore operation reads or writes these columns.
func upLeaseAttemptTelemetry(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE aggregation_jobs ADD COLUMN last_lease_acquired_at timestamptz;
		ALTER TABLE collection_jobs ADD COLUMN last_lease_acquired_at timestamptz;
	`)
	return err
}

func downLeaseAttemptTelemetry(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE aggregation_jobs DROP COLUMN IF EXISTS last_lease_acquired_at;
		ALTER TABLE collection_jobs DROP COLUMN IF EXISTS last_lease_acquired_at;
	`)
	return err
}
