package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// DatasetRepository provides data access for the dataset catalog.
type DatasetRepository interface {
	Create(ctx context.Context, dataset *models.Dataset) error
	Get(ctx context.Context, setID int64) (*models.Dataset, error)
	List(ctx context.Context, limit, offset int) ([]*models.Dataset, error)
	Touch(ctx context.Context, setID int64) error
	Delete(ctx context.Context, setID int64) error
}

type datasetRepository struct{}

func NewDatasetRepository() DatasetRepository {
	return &datasetRepository{}
}

var _ DatasetRepository = (*datasetRepository)(nil)

func (r *datasetRepository) Create(ctx context.Context, dataset *models.Dataset) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO wrangle_datasets (name, description)
		VALUES ($1, $2)
		RETURNING setid, created_at, updated_at`,
		dataset.Name, dataset.Description,
	).Scan(&dataset.SetID, &dataset.CreatedAt, &dataset.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("dataset %q: %w", dataset.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	return nil
}

func (r *datasetRepository) Get(ctx context.Context, setID int64) (*models.Dataset, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	var d models.Dataset
	err = q.QueryRow(ctx, `
		SELECT setid, name, description, created_at, updated_at
		FROM wrangle_datasets WHERE setid = $1`, setID,
	).Scan(&d.SetID, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dataset %d: %w", setID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return &d, nil
}

func (r *datasetRepository) List(ctx context.Context, limit, offset int) ([]*models.Dataset, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT setid, name, description, created_at, updated_at
		FROM wrangle_datasets
		ORDER BY setid
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []*models.Dataset
	for rows.Next() {
		var d models.Dataset
		if err := rows.Scan(&d.SetID, &d.Name, &d.Description, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, &d)
	}
	return datasets, rows.Err()
}

func (r *datasetRepository) Touch(ctx context.Context, setID int64) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `UPDATE wrangle_datasets SET updated_at = now() WHERE setid = $1`, setID); err != nil {
		return fmt.Errorf("failed to touch dataset: %w", err)
	}
	return nil
}

// Delete removes the dataset row; its history rows cascade.
func (r *datasetRepository) Delete(ctx context.Context, setID int64) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM wrangle_datasets WHERE setid = $1`, setID)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dataset %d: %w", setID, apperrors.ErrNotFound)
	}
	return nil
}
