package database

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatasetScope wraps a connection bound to one dataset and ensures cleanup.
// The connection has app.current_setid set for RLS policy evaluation.
type DatasetScope struct {
	Conn  *pgxpool.Conn
	SetID int64
}

// Close resets the dataset context and releases the connection to the pool.
// This MUST be called to prevent dataset context from leaking to the next request.
func (s *DatasetScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_setid")
	s.Conn.Release()
}

// WithDataset acquires a connection and sets the dataset context for RLS.
// The returned DatasetScope MUST be closed with defer scope.Close().
func (db *DB) WithDataset(ctx context.Context, setID int64) (*DatasetScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_setid', $1, false)", strconv.FormatInt(setID, 10))
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &DatasetScope{Conn: conn, SetID: setID}, nil
}

// WithoutDataset acquires a connection without dataset context.
// Use this for catalog operations that span datasets (listing, creation).
// The returned DatasetScope MUST be closed with defer scope.Close().
func (db *DB) WithoutDataset(ctx context.Context) (*DatasetScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &DatasetScope{Conn: conn}, nil
}
