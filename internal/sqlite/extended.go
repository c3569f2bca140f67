package sqlite

import (
	"context"
	"database/sql"
)

// Queryer is an interface used for selection queries.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execer is an interface used for executing queries.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Beginner is an interface used for starting transactions. Batch inserts
// of operation rows run in one transaction so that the audit of a single
// reconciliation step is atomic.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ExtendedDB is a union interface which can query, exec and begin
// transactions, with Context.
type ExtendedDB interface {
	Queryer
	Execer
	Beginner
}
