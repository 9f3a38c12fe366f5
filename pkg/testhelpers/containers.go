// Package testhelpers starts the PostgreSQL container shared by integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/retry"
)

// PostgresImage is the image integration tests run against.
const PostgresImage = "postgres:16-alpine"

// EngineDB holds a migrated engine database.
type EngineDB struct {
	Container *tcpostgres.PostgresContainer
	DB        *database.DB
	ConnStr   string
}

var (
	sharedEngineDB     *EngineDB
	sharedEngineDBOnce sync.Once
	sharedEngineDBErr  error
)

// GetEngineDB returns the shared engine database, starting the container and
// applying migrations on first use. Skipped in short mode.
func GetEngineDB(t *testing.T) *EngineDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedEngineDBOnce.Do(func() {
		sharedEngineDB, sharedEngineDBErr = setupEngineDB(context.Background())
	})

	if sharedEngineDBErr != nil {
		t.Fatalf("Failed to setup engine database: %v", sharedEngineDBErr)
	}

	return sharedEngineDB
}

func setupEngineDB(ctx context.Context) (*EngineDB, error) {
	// Docker occasionally refuses the first start on busy CI hosts.
	container, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*tcpostgres.PostgresContainer, error) {
		return tcpostgres.Run(ctx,
			PostgresImage,
			tcpostgres.WithDatabase("wrangle_test"),
			tcpostgres.WithUsername("wrangle"),
			tcpostgres.WithPassword("test_password"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine database: %w", err)
	}

	return &EngineDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// Terminate closes the shared pool and removes the container. Call it from
// TestMain after m.Run; it is a no-op when no test asked for the database.
func Terminate() error {
	if sharedEngineDB == nil {
		return nil
	}
	sharedEngineDB.DB.Close()
	return testcontainers.TerminateContainer(sharedEngineDB.Container)
}

// DatasetContext returns a context bound to setID the way the HTTP middleware
// binds it. The scope is released when the test ends.
func DatasetContext(t *testing.T, db *EngineDB, setID int64) context.Context {
	t.Helper()

	ctx, cleanup, err := database.NewDatasetScopeProvider(db.DB).WithDatasetScope(context.Background(), setID)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return ctx
}

// CatalogContext returns a context on a connection without a dataset binding.
func CatalogContext(t *testing.T, db *EngineDB) context.Context {
	t.Helper()

	scope, err := db.DB.WithoutDataset(context.Background())
	require.NoError(t, err)
	t.Cleanup(scope.Close)
	return database.SetDatasetScope(context.Background(), scope)
}
