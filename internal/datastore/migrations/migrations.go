// Package migrations holds the ordered, goose-managed schema migrations for
// the datastore core. Each version lives in its own NNNNN_description.go
// file and registers its up/down functions in an init(), the same
// file-per-version convention goose uses for Go migrations; goose infers
// each migration's version from its source filename. This replaces the
// teacher's idempotent-column-probing migrations.go (columnExists,
// addColumnIfNotExists): that style has no monotonic version counter to gate
// construction on, which the schema-compatibility check in
// internal/datastore/datastore.go requires.
package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

// Run applies every pending migration against db using the Postgres
// dialect. The datastore core itself never calls this — schema changes are
// an explicit operational action taken before a new build is rolled out, not
// something New triggers implicitly.
func Run(ctx context.Context, db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
