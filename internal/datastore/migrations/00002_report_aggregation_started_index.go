package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upAggregationStartedIndex, downAggregationStartedIndex)
}

// upAggregationStartedIndex adds the partial index GetUnaggregatedClientReportIDsForTask
// relies on to claim unaggregated reports efficiently without scanning every
// report for a task.
func upAggregationStartedIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE INDEX client_reports_unaggregated
			ON client_reports (task_id, client_timestamp)
			WHERE NOT aggregation_started;
	`)
	return err
}

func downAggregationStartedIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS client_reports_unaggregated;`)
	return err
}
