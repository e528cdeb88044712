package datastore

import (
	"context"
	"fmt"
	"strings"

	"database/sql"
)

// defaultBatchSize caps how many values go into a single IN (...) clause,
// mirroring internal/storage/batch.go's DefaultBatchSize.
const defaultBatchSize = 500

// batchIN runs queryTemplate once per chunk of ids (each chunk sized up to
// defaultBatchSize), substituting a Postgres-style $1,$2,... placeholder list
// for "%PLACEHOLDERS%" in queryTemplate, and calls scanRow once per returned
// row. Adapted from the teacher's generic BatchIN helper for pgx's $N
// placeholder style in place of database/sql's driver-specific one.
func batchIN[K any, V any](
	ctx context.Context,
	tx *Transaction,
	ids []K,
	queryTemplate string,
	extraArgs []any,
	scanRow func(*sql.Rows) (V, error),
) ([]V, error) {
	var results []V

	for start := 0; start < len(ids); start += defaultBatchSize {
		end := start + defaultBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+len(extraArgs))
		args = append(args, extraArgs...)
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", len(extraArgs)+i+1)
			args = append(args, id)
		}

		query := strings.Replace(queryTemplate, "%PLACEHOLDERS%", strings.Join(placeholders, ","), 1)

		var rows *sql.Rows
		err := tx.exec(func() error {
			var execErr error
			rows, execErr = tx.tx.QueryContext(ctx, query, args...)
			return execErr
		})
		if err != nil {
			return nil, fmt.Errorf("datastore: batchIN query: %w", err)
		}

		for rows.Next() {
			v, err := scanRow(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("datastore: batchIN scan: %w", err)
			}
			results = append(results, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("datastore: batchIN rows: %w", err)
		}
		rows.Close()
	}

	return results, nil
}
