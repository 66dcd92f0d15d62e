package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver
)

const (
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = time.Minute * 5
	defaultPingTimeout     = time.Second * 5
)

// Options configures the connection pool.
type Options struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnectAttempts uint
	Logger          *slog.Logger
}

// Open connects to Postgres through sqlx and waits for the server with an
// exponential backoff. Both lib/pq ("postgres") and pgx ("pgx") bind the
// same $n placeholders, so the rest of the code is driver agnostic.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open(opts.Driver, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)

	attempts := opts.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}

	ping := func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	}

	notify := func(err error, wait time.Duration) {
		if opts.Logger != nil {
			opts.Logger.Warn("database not ready, retrying", "error", err.Error(), "wait", wait.String())
		}
	}

	_, err = backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
