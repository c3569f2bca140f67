// Package sqlite implements the audit store on an embedded single-writer
// SQLite database accessed through a connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.9.0"

	// Registers the pure-Go "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// DBConfig contains information sufficient for opening the audit store.
type DBConfig struct {
	// Path is the location of the database file.
	Path string `env:"SQLITE_DB_PATH" env-default:"./scrambridge.db"`
	// Timeout bounds the initial connection loop.
	Timeout time.Duration `env:"SQLITE_CONNECT_TIMEOUT" env-default:"3s"`
}

// DSN renders the file DSN with per-connection pragmas. WAL keeps
// concurrent readers alive next to the single writer.
func (c DBConfig) DSN() string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "auto_vacuum(INCREMENTAL)")
	q.Add("_time_format", "sqlite")
	return "file:" + c.Path + "?" + q.Encode()
}

// ConnectLoop opens the audit store and returns the *sql.DB handle.
// It retries until Timeout is exceeded to survive slow volume mounts.
func ConnectLoop(ctx context.Context, cfg DBConfig, logger *slog.Logger) (db *sql.DB, closeFunc func() error, err error) {
	dsn := cfg.DSN()

	db, err = createDBPool(ctx, dsn)
	if err == nil {
		configureDBPool(db)
		return db, db.Close, nil
	}

	logger.Error("sqlite: failed to open the database", slog.Any("error", err))

	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	timeoutExceeded := time.After(cfg.Timeout)

	for {
		select {
		case <-timeoutExceeded:
			return nil, nil, fmt.Errorf("sqlite: db connection failed after %s timeout", cfg.Timeout)
		case <-ticker.C:
			db, err := createDBPool(ctx, dsn)
			if err == nil {
				configureDBPool(db)
				return db, db.Close, nil
			}
			logger.Error("sqlite: open the database", slog.Any("error", err))
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("sqlite: db connection failed, ctx done: %w", ctx.Err())
		}
	}
}

// createDBPool opens an instrumented pool and pings the file under the hood.
func createDBPool(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := otelsql.Open(
		"sqlite",
		dsn,
		otelsql.WithAttributes(semconv.DBSystemKey.String("sqlite")),
		otelsql.WithDBName("audit"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: otelsql open audit db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	return db, nil
}

// configureDBPool keeps the pool small: one writer at a time, a few
// readers sharing the WAL.
func configureDBPool(db *sql.DB) {
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)
}

// withWriteRetry runs fn and retries once on failure. Transient write
// failures (a reader holding the file lock past busy_timeout) resolve on
// the second attempt; persistent failures surface to the caller.
func withWriteRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return err
	}

	if retryErr := fn(ctx); retryErr != nil {
		return fmt.Errorf("sqlite: write failed after retry: %w", retryErr)
	}
	return nil
}
