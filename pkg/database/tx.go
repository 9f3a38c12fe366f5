package database

import (
	"context"
	"fmt"
)

// WithTx runs fn inside a transaction and commits if fn returns nil.
// When ctx already carries a transaction the new one is a savepoint of it,
// so a failing nested step rolls back alone and the caller decides the outcome.
// Repositories called with the returned context see the transaction through QuerierFrom.
func WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	q, err := QuerierFrom(ctx)
	if err != nil {
		return err
	}

	tx, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if err := fn(context.WithValue(ctx, TxKey, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockTable takes a transaction-scoped advisory lock on one table of a dataset.
// Transform, undo and upload requests against the same table are serialized on it;
// the lock is released when the surrounding transaction ends.
func LockTable(ctx context.Context, setID int64, table string) error {
	tx, ok := GetTx(ctx)
	if !ok {
		return fmt.Errorf("table lock requires a transaction")
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1::int, hashtext($2))", setID, table); err != nil {
		return fmt.Errorf("failed to lock table %s: %w", table, err)
	}
	return nil
}
