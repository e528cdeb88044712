package datastore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// TestCheckSchemaVersion covers the construction-time invariant from
// spec.md section 6: the core refuses to proceed against a schema version
// not in its supported set, and the latest supported version must be first.
func TestCheckSchemaVersion(t *testing.T) {
	require.Greater(t, supportedSchemaVersions[0], supportedSchemaVersions[len(supportedSchemaVersions)-1],
		"supportedSchemaVersions must be latest-first")

	for _, tc := range []struct {
		name    string
		version int64
		wantErr bool
	}{
		{"latest supported", supportedSchemaVersions[0], false},
		{"older supported", supportedSchemaVersions[len(supportedSchemaVersions)-1], false},
		{"unsupported", 1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectQuery("SELECT version_id FROM goose_db_version").
				WillReturnRows(sqlmock.NewRows([]string{"version_id"}).AddRow(tc.version))

			d := &Datastore{pool: db}
			err = d.checkSchemaVersion(context.Background())
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
