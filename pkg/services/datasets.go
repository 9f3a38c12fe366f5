package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
)

// DatasetService manages the lifecycle of datasets and their three schemas.
type DatasetService interface {
	Create(ctx context.Context, name, description string) (*models.Dataset, error)
	Get(ctx context.Context, setID int64) (*models.Dataset, error)
	List(ctx context.Context, limit, offset int) ([]*models.Dataset, error)
	ListTables(ctx context.Context, setID int64) ([]string, error)
	Delete(ctx context.Context, setID int64) error
}

type datasetService struct {
	repo   repositories.DatasetRepository
	store  tablestore.Store
	logger *zap.Logger

	withTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewDatasetService(repo repositories.DatasetRepository, store tablestore.Store, logger *zap.Logger) DatasetService {
	return &datasetService{
		repo:   repo,
		store:  store,
		logger: logger.Named("dataset-service"),
		withTx: database.WithTx,
	}
}

var _ DatasetService = (*datasetService)(nil)

func (s *datasetService) Create(ctx context.Context, name, description string) (*models.Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValueError("name", "must not be empty")
	}

	dataset := &models.Dataset{Name: name, Description: description}
	err := s.withTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, dataset); err != nil {
			return err
		}
		return s.store.CreateSchemas(ctx, dataset.SetID)
	})
	if err != nil {
		s.logger.Error("Failed to create dataset", zap.String("name", name), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Created dataset", zap.Int64("setid", dataset.SetID), zap.String("name", name))
	return dataset, nil
}

func (s *datasetService) Get(ctx context.Context, setID int64) (*models.Dataset, error) {
	return s.repo.Get(ctx, setID)
}

func (s *datasetService) List(ctx context.Context, limit, offset int) ([]*models.Dataset, error) {
	limit, offset = normalizePageParams(limit, offset)
	return s.repo.List(ctx, limit, offset)
}

func (s *datasetService) ListTables(ctx context.Context, setID int64) ([]string, error) {
	if _, err := s.repo.Get(ctx, setID); err != nil {
		return nil, err
	}
	return s.store.ListTables(ctx, models.WorkingSchema(setID))
}

// Delete drops the dataset's schemas and its catalog row. History rows go with the row.
func (s *datasetService) Delete(ctx context.Context, setID int64) error {
	err := s.withTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, setID); err != nil {
			return err
		}
		return s.store.DropSchemas(ctx, setID)
	})
	if err != nil {
		s.logger.Error("Failed to delete dataset", zap.Int64("setid", setID), zap.Error(err))
		return err
	}
	s.logger.Info("Deleted dataset", zap.Int64("setid", setID))
	return nil
}
