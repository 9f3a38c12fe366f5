package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/metrics"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// UndoResult reports what an undo did.
type UndoResult struct {
	Table        string                  `json:"table"`
	Undone       *models.HistoryEntry    `json:"undone"`
	RestorePoint string                  `json:"restore_point"`
	Replayed     int                     `json:"replayed"`
	Discarded    []models.SequenceNumber `json:"discarded_backups,omitempty"`
}

// UndoService reverts the last transformation of a table by restoring a
// backup (or the original upload) and replaying the transformations after it.
type UndoService interface {
	UndoLastTransformation(ctx context.Context, setID int64, table string) (*UndoResult, error)
	Plan(ctx context.Context, setID int64, table string) (*UndoPlan, error)
}

type undoService struct {
	history  HistoryService
	repo     repositories.HistoryRepository
	store    tablestore.Store
	executor *transform.Executor
	logger   *zap.Logger

	withTx    func(ctx context.Context, fn func(ctx context.Context) error) error
	lockTable func(ctx context.Context, setID int64, table string) error
}

func NewUndoService(
	history HistoryService,
	repo repositories.HistoryRepository,
	store tablestore.Store,
	executor *transform.Executor,
	logger *zap.Logger,
) UndoService {
	return &undoService{
		history:   history,
		repo:      repo,
		store:     store,
		executor:  executor.WithRecorder(history.Untracked()),
		logger:    logger.Named("undo-service"),
		withTx:    database.WithTx,
		lockTable: database.LockTable,
	}
}

var _ UndoService = (*undoService)(nil)

func (s *undoService) Plan(ctx context.Context, setID int64, table string) (*UndoPlan, error) {
	return s.history.PlanUndo(ctx, setID, table)
}

// UndoLastTransformation runs in one transaction holding the table lock: a
// failed replay leaves the table and ledger exactly as they were.
func (s *undoService) UndoLastTransformation(ctx context.Context, setID int64, table string) (*UndoResult, error) {
	var result *UndoResult
	var plan *UndoPlan
	err := s.withTx(ctx, func(ctx context.Context) error {
		if err := s.lockTable(ctx, setID, table); err != nil {
			return err
		}
		var err error
		if plan, err = s.history.PlanUndo(ctx, setID, table); err != nil {
			return err
		}
		if !plan.Feasible {
			return fmt.Errorf("%s: %w", plan.Reason, apperrors.ErrUndoUnavailable)
		}
		result, err = s.execute(ctx, setID, table, plan)
		return err
	})

	restorePoint := "none"
	if plan != nil && plan.Feasible {
		restorePoint = plan.RestorePoint()
	}
	if err != nil {
		metrics.UndoTotal.WithLabelValues("error", restorePoint).Inc()
		s.logger.Error("Undo failed",
			zap.Int64("setid", setID),
			zap.String("table", table),
			zap.String("restore_point", restorePoint),
			zap.Error(err))
		return nil, err
	}
	metrics.UndoTotal.WithLabelValues("success", restorePoint).Inc()
	metrics.ReplayedStepsTotal.Add(float64(result.Replayed))

	s.logger.Info("Undid transformation",
		zap.Int64("setid", setID),
		zap.String("table", table),
		zap.Int64("transformation_id", int64(result.Undone.ID)),
		zap.String("restore_point", restorePoint),
		zap.Int("replayed", result.Replayed))
	return result, nil
}

func (s *undoService) execute(ctx context.Context, setID int64, table string, plan *UndoPlan) (*UndoResult, error) {
	result := &UndoResult{Table: table, Undone: plan.Undo, RestorePoint: plan.RestorePoint()}

	for _, b := range plan.Discard {
		if err := s.store.DropTable(ctx, models.BackupSchema(setID), b.TableName); err != nil {
			return nil, err
		}
		if err := s.repo.Delete(ctx, setID, b.ID); err != nil {
			return nil, err
		}
		result.Discarded = append(result.Discarded, b.ID)
	}

	working := models.WorkingSchema(setID)
	if err := s.store.DropTable(ctx, working, table); err != nil {
		return nil, err
	}
	srcSchema, src := models.OriginalSchema(setID), table
	if plan.Restore != nil {
		srcSchema, src = models.BackupSchema(setID), plan.Restore.TableName
	}
	if err := s.store.CopyTable(ctx, srcSchema, src, working, table); err != nil {
		return nil, fmt.Errorf("failed to restore %s from %s.%s: %w", table, srcSchema, src, err)
	}

	for _, step := range plan.Replay {
		if err := s.replay(ctx, setID, table, step); err != nil {
			return nil, &apperrors.ReplayError{Step: int64(step.ID), Type: step.TransformationType.String(), Cause: err}
		}
		result.Replayed++
	}

	if err := s.repo.Delete(ctx, setID, plan.Undo.ID); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *undoService) replay(ctx context.Context, setID int64, table string, step *models.HistoryEntry) error {
	op, err := transform.Decode(step.TransformationType, step.Parameters)
	if err != nil {
		return err
	}
	_, err = s.executor.Apply(ctx, transform.Request{
		SetID:     setID,
		Table:     table,
		Attribute: step.Attribute,
		Op:        op,
		Mode:      transform.ModeOverwrite,
	})
	return err
}
