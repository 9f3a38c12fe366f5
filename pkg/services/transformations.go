package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// TransformationRequest is one transformation in its ledger encoding.
type TransformationRequest struct {
	Type       models.TransformationType
	Attribute  string
	Parameters []string
	Mode       transform.Mode
	NewName    string
}

// TransformationService applies transformations to working tables, one
// transaction per call, holding the lock of the table being changed.
type TransformationService interface {
	Apply(ctx context.Context, setID int64, table string, req TransformationRequest) (*transform.Result, error)
	// ApplyAll applies steps in order within a single transaction. Each step runs on
	// the table produced by the previous one, so a copy-mode step moves the chain to its copy.
	ApplyAll(ctx context.Context, setID int64, table string, steps []TransformationRequest) ([]*transform.Result, error)
}

type transformationService struct {
	datasets repositories.DatasetRepository
	executor *transform.Executor
	logger   *zap.Logger

	withTx    func(ctx context.Context, fn func(ctx context.Context) error) error
	lockTable func(ctx context.Context, setID int64, table string) error
}

func NewTransformationService(datasets repositories.DatasetRepository, executor *transform.Executor, logger *zap.Logger) TransformationService {
	return &transformationService{
		datasets:  datasets,
		executor:  executor,
		logger:    logger.Named("transformation-service"),
		withTx:    database.WithTx,
		lockTable: database.LockTable,
	}
}

var _ TransformationService = (*transformationService)(nil)

func (s *transformationService) Apply(ctx context.Context, setID int64, table string, req TransformationRequest) (*transform.Result, error) {
	results, err := s.ApplyAll(ctx, setID, table, []TransformationRequest{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (s *transformationService) ApplyAll(ctx context.Context, setID int64, table string, steps []TransformationRequest) ([]*transform.Result, error) {
	if len(steps) == 0 {
		return nil, apperrors.NewValueError("steps", "at least one transformation is required")
	}

	// Decode everything up front so a bad step fails before any table is touched.
	ops := make([]transform.Transformation, len(steps))
	for i, step := range steps {
		if step.Type.IsBackup() {
			return nil, apperrors.NewValueError("transformation_type", "backups are created by the ledger")
		}
		op, err := transform.Decode(step.Type, step.Parameters)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}

	results := make([]*transform.Result, 0, len(steps))
	err := s.withTx(ctx, func(ctx context.Context) error {
		current := table
		for i, step := range steps {
			if err := s.lockTable(ctx, setID, current); err != nil {
				return err
			}
			res, err := s.executor.Apply(ctx, transform.Request{
				SetID:     setID,
				Table:     current,
				Attribute: step.Attribute,
				Op:        ops[i],
				Mode:      step.Mode,
				NewName:   step.NewName,
			})
			if err != nil {
				return err
			}
			results = append(results, res)
			current = res.Table
		}
		return s.datasets.Touch(ctx, setID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Applied transformations",
		zap.Int64("setid", setID),
		zap.String("table", table),
		zap.Int("steps", len(results)))
	return results, nil
}
