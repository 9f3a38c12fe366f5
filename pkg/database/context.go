package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const (
	// DatasetScopeKey is the context key for storing the dataset-scoped database connection.
	DatasetScopeKey contextKey = "datasetScope"
	// TxKey is the context key for the transaction in progress, if any.
	TxKey contextKey = "tx"
)

// GetDatasetScope retrieves the dataset-scoped database connection from context.
// Returns nil and false if not present.
func GetDatasetScope(ctx context.Context) (*DatasetScope, bool) {
	scope, ok := ctx.Value(DatasetScopeKey).(*DatasetScope)
	return scope, ok
}

// SetDatasetScope stores the dataset-scoped database connection in context.
func SetDatasetScope(ctx context.Context, scope *DatasetScope) context.Context {
	return context.WithValue(ctx, DatasetScopeKey, scope)
}

// GetTx returns the transaction stored in context by WithTx.
func GetTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(TxKey).(pgx.Tx)
	return tx, ok
}

// QuerierFrom returns the innermost transaction in ctx, falling back to the
// scope's connection.
func QuerierFrom(ctx context.Context) (Querier, error) {
	if tx, ok := GetTx(ctx); ok {
		return tx, nil
	}
	scope, ok := GetDatasetScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, fmt.Errorf("no dataset scope in context")
	}
	return scope.Conn, nil
}

// DatasetScopeProvider creates dataset-scoped contexts outside of HTTP requests.
type DatasetScopeProvider struct {
	db *DB
}

// NewDatasetScopeProvider creates a DatasetScopeProvider for the given database.
func NewDatasetScopeProvider(db *DB) *DatasetScopeProvider {
	return &DatasetScopeProvider{db: db}
}

// WithDatasetScope returns a context with dataset scope set for the given dataset.
// The cleanup function must be called when the scope is no longer needed.
func (p *DatasetScopeProvider) WithDatasetScope(ctx context.Context, setID int64) (context.Context, func(), error) {
	scope, err := p.db.WithDataset(ctx, setID)
	if err != nil {
		return nil, nil, err
	}
	return SetDatasetScope(ctx, scope), func() { scope.Close() }, nil
}
