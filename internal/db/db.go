// Package db defines the narrow database interfaces shared by all stores.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx operations a Store needs. It is satisfied by
// *pgxpool.Pool, *pgxpool.Conn, pgx.Tx, and test fakes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CopyFromTX extends DBTX with bulk-insert support. No store in this
// module takes it; snapshot records are written with pgx batches.
type CopyFromTX interface {
	DBTX
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}
