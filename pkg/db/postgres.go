package db

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Attempts     uint
	Delay        time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

var DefaultOptions = Options{
	Attempts:     5,
	Delay:        time.Second,
	MaxOpenConns: 20,
	MaxIdleConns: 5,
}

// Connect opens a postgres pool and pings it, retrying while the database
// comes up alongside the service.
func Connect(ctx context.Context, url string, opts Options) (*sqlx.DB, error) {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}

	var db *sqlx.DB
	err := retry.Do(
		func() error {
			conn, err := sqlx.ConnectContext(ctx, "postgres", url)
			if err != nil {
				return err
			}
			db = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("postgres not ready")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	return db, nil
}
