package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor defines the interface for database query operations.
// This interface abstracts database access for easier testing via mocks.
type Executor interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)

	// QueryRow executes a query that returns a single row
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)

	// BeginTx starts a new transaction on a dedicated pooled connection.
	// The transaction holds its connection until commit or rollback.
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Ensure Connection implements the interface
var _ Executor = (*Connection)(nil)
