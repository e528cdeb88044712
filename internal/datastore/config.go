package datastore

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ConnStringOptions builds a libpq-style Postgres connection string the way
// internal/storage/connstring.go builds a pragma-laden SQLite DSN: a small,
// explicit set of fields this package cares about, rather than accepting an
// arbitrary already-built string from elsewhere in the application.
type ConnStringOptions struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	StatementTimeout time.Duration
}

// BuildConnString renders opts into a connection string suitable for
// Config.ConnString.
func BuildConnString(opts ConnStringOptions) string {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	port := opts.Port
	if port == 0 {
		port = 5432
	}
	sslMode := opts.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + opts.Database,
	}
	if opts.User != "" {
		if opts.Password != "" {
			u.User = url.UserPassword(opts.User, opts.Password)
		} else {
			u.User = url.User(opts.User)
		}
	}

	q := u.Query()
	q.Set("sslmode", sslMode)
	if opts.StatementTimeout > 0 {
		q.Set("statement_timeout", fmt.Sprintf("%d", opts.StatementTimeout.Milliseconds()))
	}
	u.RawQuery = q.Encode()

	return u.String()
}
