package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/config"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/handlers"
	"github.com/wrangle-io/wrangle-engine/pkg/logging"
	"github.com/wrangle-io/wrangle-engine/pkg/metrics"
	"github.com/wrangle-io/wrangle-engine/pkg/middleware"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/retry"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	migrateOnly := flag.Bool("migrate-only", false, "apply database migrations and exit")
	flag.Parse()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connURL := cfg.Database.ConnectionURL()
	logger.Info("Starting wrangle-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(connURL)),
		zap.Int("backup_threshold", cfg.History.BackupThreshold),
		zap.Int("recover_range", cfg.History.RecoverRange),
		zap.Int("max_backups", cfg.History.MaxBackups))

	if err := migrate(ctx, connURL, logger); err != nil {
		return err
	}
	if *migrateOnly {
		return nil
	}

	db, err := retry.DoWithResult(ctx, retry.StartupConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            connURL,
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %s", logging.SanitizeError(err))
	}
	defer db.Close()

	mux := http.NewServeMux()
	registerRoutes(mux, cfg, db, logger)

	var handler http.Handler = mux
	handler = middleware.RequestLogger(logger)(handler)
	if cfg.MetricsEnabled {
		handler = metrics.Middleware(handler)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// migrate applies pending migrations over a database/sql handle, waiting for
// the database to come up.
func migrate(ctx context.Context, connURL string, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", connURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %s", logging.SanitizeError(err))
	}
	defer sqlDB.Close()

	if err := retry.Do(ctx, retry.StartupConfig(), func() error {
		return sqlDB.PingContext(ctx)
	}); err != nil {
		return fmt.Errorf("database not reachable: %s", logging.SanitizeError(err))
	}

	if err := database.RunMigrations(sqlDB, logger); err != nil {
		return err
	}
	return nil
}

func registerRoutes(mux *http.ServeMux, cfg *config.Config, db *database.DB, logger *zap.Logger) {
	catalog := database.WithCatalogContext(db, logger)
	dataset := database.WithDatasetContext(db, logger)

	store := tablestore.New()
	datasetRepo := repositories.NewDatasetRepository()
	historyRepo := repositories.NewHistoryRepository()

	history := services.NewHistoryService(historyRepo, store, cfg.History, clockwork.NewRealClock(), logger)
	executor := transform.NewExecutor(store, history, transform.Limits{
		MaxOneHotValues: cfg.Upload.MaxOneHotValues,
	}, logger)

	datasetService := services.NewDatasetService(datasetRepo, store, logger)
	uploadService := services.NewUploadService(datasetRepo, history, store, logger)
	transformationService := services.NewTransformationService(datasetRepo, executor, logger)
	joinService := services.NewJoinService(datasetRepo, history, store, logger)
	undoService := services.NewUndoService(history, historyRepo, store, executor, logger)

	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewDatasetsHandler(datasetService, logger).RegisterRoutes(mux, catalog, dataset)
	handlers.NewUploadsHandler(uploadService, cfg.Upload.MaxUploadMB, logger).RegisterRoutes(mux, dataset)
	handlers.NewTransformationsHandler(transformationService, joinService, logger).RegisterRoutes(mux, dataset)
	handlers.NewHistoryHandler(history, undoService, logger).RegisterRoutes(mux, dataset)

	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}
}
