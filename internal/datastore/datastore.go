// Package datastore is the durable storage and coordination core of the
// aggregator: a Postgres-backed transaction runner, operation-group
// pipelined-error-correctness barrier, data-access layer, lease manager, and
// garbage collector. It deliberately knows nothing about HTTP, VDAF
// cryptography, or the collect driver — see SPEC_FULL.md section 7.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/abetterinternet/janus-sub000/internal/clock"
	"github.com/abetterinternet/janus-sub000/internal/crypter"
)

// supportedSchemaVersions is the hard-coded set of migration versions this
// build of the datastore core knows how to operate against, latest first.
// Construction refuses to proceed against any other version, so a half
// rolled-out schema migration cannot be straddled by an old and new binary at
// once.
var supportedSchemaVersions = []int64{4, 3}

// Config configures a Datastore. It carries no file-parsing or environment
// lookups of its own — wiring Config from flags, env vars, or a config file
// is the caller's concern, not this package's (see SPEC_FULL.md section 3).
type Config struct {
	// ConnString is a libpq-style Postgres connection string.
	ConnString string
	// EncryptionKeys is the ordered list of AES-128 keys passed to
	// internal/crypter.New; the first is primary.
	EncryptionKeys [][]byte
	Clock          clock.Clock
}

// Datastore is the entry point for every storage operation. It owns the
// connection pool, the envelope crypter, and the logical clock, and gates
// construction on the schema version actually present in the target
// database.
type Datastore struct {
	pool    *sql.DB
	crypter *crypter.Crypter
	clock   clock.Clock
}

// New opens the database described by cfg, waits for it to become reachable
// (retrying the initial ping with exponential backoff, since a freshly
// started Postgres container or failed-over primary may not accept
// connections for the first few seconds), verifies its schema version is one
// this build supports, and returns a ready Datastore. The caller must call
// Close when done.
func New(ctx context.Context, cfg Config) (*Datastore, error) {
	pool, err := sql.Open("pgx", cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("datastore: connecting: %w", err)
	}

	// A freshly started Postgres instance (or one mid-failover) may refuse
	// connections for its first few seconds; retry the initial ping with
	// backoff rather than failing construction outright.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(func() error {
		return pool.PingContext(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("datastore: connecting: %w", err)
	}

	c, err := crypter.New(cfg.EncryptionKeys)
	if err != nil {
		pool.Close()
		return nil, err
	}

	cl := cfg.Clock
	if cl == nil {
		cl = clock.System{}
	}

	d := &Datastore{pool: pool, crypter: c, clock: cl}

	if err := d.checkSchemaVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return d, nil
}

// Close releases the underlying connection pool.
func (d *Datastore) Close() error {
	return d.pool.Close()
}

// checkSchemaVersion reads the latest applied migration version (the goose
// convention: the highest version_id in goose_db_version where is_applied)
// and refuses to proceed unless it is a version this build supports.
func (d *Datastore) checkSchemaVersion(ctx context.Context) error {
	var version int64
	row := d.pool.QueryRowContext(ctx,
		`SELECT version_id FROM goose_db_version WHERE is_applied ORDER BY version_id DESC LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("datastore: reading schema version: %w", err)
	}

	for _, supported := range supportedSchemaVersions {
		if version == supported {
			return nil
		}
	}

	sorted := append([]int64(nil), supportedSchemaVersions...)
	sort.Sort(sort.Reverse(int64Slice(sorted)))
	return fmt.Errorf("datastore: schema version %d is not supported by this build (supports %v)", version, sorted)
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
