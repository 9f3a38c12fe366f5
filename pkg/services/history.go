package services

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/config"
	"github.com/wrangle-io/wrangle-engine/pkg/metrics"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// HistoryService is the transformation ledger of a dataset. It records every
// transformation, keeps at most MaxBackups backup generations per table and
// decides whether the last transformation of a table can be undone.
//
// Methods run on the querier in ctx. Callers that mutate tables hold the
// table lock inside a transaction before calling in.
type HistoryService interface {
	transform.Recorder
	CreateBackup(ctx context.Context, setID int64, table string, reason string) (*models.HistoryEntry, error)
	AutoBackupCheck(ctx context.Context, setID int64, table string) (bool, error)
	GetLatestBackups(ctx context.Context, setID int64, table string) ([]*models.HistoryEntry, error)
	GetEdgeTransformation(ctx context.Context, setID int64, table string, last bool) (*models.SequenceNumber, error)
	OriginalExists(ctx context.Context, setID int64, table string) (bool, error)
	IsUndoEnabled(ctx context.Context, setID int64, table string) (bool, error)
	PlanUndo(ctx context.Context, setID int64, table string) (*UndoPlan, error)
	CountBackups(ctx context.Context, setID int64, table string) (int, error)
	RenderHistory(ctx context.Context, setID int64, filters models.HistoryFilters) (*models.HistoryPage, error)
	TableInfo(ctx context.Context, setID int64, table string) (*models.TableInfo, error)
	// Untracked returns a view of the ledger whose WriteToHistory records nothing.
	Untracked() HistoryService
}

type historyService struct {
	repo     repositories.HistoryRepository
	store    tablestore.Store
	policy   config.HistoryConfig
	clock    clockwork.Clock
	tracking bool
	logger   *zap.Logger
}

func NewHistoryService(
	repo repositories.HistoryRepository,
	store tablestore.Store,
	policy config.HistoryConfig,
	clock clockwork.Clock,
	logger *zap.Logger,
) HistoryService {
	return &historyService{
		repo:     repo,
		store:    store,
		policy:   policy,
		clock:    clock,
		tracking: true,
		logger:   logger.Named("history-service"),
	}
}

var _ HistoryService = (*historyService)(nil)

func (s *historyService) Untracked() HistoryService {
	clone := *s
	clone.tracking = false
	return &clone
}

// WriteToHistory appends one entry. The first entry of a table (an upload, a
// copy, or a transformation applied in copy mode) is followed by a bootstrap
// backup; later in-place entries are followed by a backup once the edit
// distance since the newest backup reaches the threshold.
func (s *historyService) WriteToHistory(ctx context.Context, setID int64, table, origin, attribute string, params []string, t models.TransformationType) (*models.HistoryEntry, error) {
	if !s.tracking {
		return nil, apperrors.ErrTrackingOff
	}
	if !t.Valid() || t.IsBackup() {
		return nil, apperrors.NewValueError("transformation_type", "cannot record type %d", int(t))
	}
	if params == nil {
		params = []string{}
	}

	entry := &models.HistoryEntry{
		SetID:              setID,
		TableName:          table,
		OriginTable:        origin,
		Attribute:          attribute,
		TransformationType: t,
		Parameters:         params,
		TransformationDate: s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		s.logger.Error("Failed to write history entry",
			zap.Int64("setid", setID),
			zap.String("table", table),
			zap.String("type", t.String()),
			zap.Error(err))
		return nil, err
	}

	if t == models.TypeCopyTable || !entry.InPlace() {
		// The new table needs its own restore point.
		if _, err := s.CreateBackup(ctx, setID, table, metrics.BackupReasonCreation); err != nil {
			return nil, err
		}
		return entry, nil
	}

	due, err := s.AutoBackupCheck(ctx, setID, table)
	if err != nil {
		return nil, err
	}
	if due {
		if _, err := s.CreateBackup(ctx, setID, table, metrics.BackupReasonThreshold); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// AutoBackupCheck reports whether the in-place edit distance since the newest
// backup of table has reached the backup threshold.
func (s *historyService) AutoBackupCheck(ctx context.Context, setID int64, table string) (bool, error) {
	latest, err := s.repo.Backups(ctx, setID, table, 1)
	if err != nil {
		return false, err
	}
	after := models.NoSequence
	if len(latest) > 0 {
		after = latest[0].ID
	}
	entries, err := s.repo.InPlaceSince(ctx, setID, table, after, models.TypeCopyTable)
	if err != nil {
		return false, err
	}
	return models.EditDistance(models.EntryTypes(entries)) >= s.policy.BackupThreshold, nil
}

// CreateBackup snapshots the working table into the backup schema under the
// marker's sequence number, then evicts the oldest generations beyond MaxBackups.
func (s *historyService) CreateBackup(ctx context.Context, setID int64, table string, reason string) (*models.HistoryEntry, error) {
	marker, err := s.repo.InsertBackupMarker(ctx, setID, table, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.store.CopyTable(ctx, models.WorkingSchema(setID), table, models.BackupSchema(setID), marker.TableName); err != nil {
		s.logger.Error("Failed to copy table into backup",
			zap.Int64("setid", setID),
			zap.String("table", table),
			zap.String("backup", marker.TableName),
			zap.Error(err))
		return nil, err
	}
	metrics.BackupsCreatedTotal.WithLabelValues(reason).Inc()

	backups, err := s.repo.Backups(ctx, setID, table, 0)
	if err != nil {
		return nil, err
	}
	for len(backups) > s.policy.MaxBackups {
		oldest := backups[len(backups)-1]
		if err := s.dropBackup(ctx, setID, oldest); err != nil {
			return nil, err
		}
		metrics.BackupsEvictedTotal.Inc()
		backups = backups[:len(backups)-1]
	}

	s.logger.Debug("Created backup",
		zap.Int64("setid", setID),
		zap.String("table", table),
		zap.String("backup", marker.TableName),
		zap.String("reason", reason))
	return marker, nil
}

func (s *historyService) dropBackup(ctx context.Context, setID int64, backup *models.HistoryEntry) error {
	if err := s.store.DropTable(ctx, models.BackupSchema(setID), backup.TableName); err != nil {
		return err
	}
	return s.repo.Delete(ctx, setID, backup.ID)
}

// GetLatestBackups returns the kept backup generations of table, newest first.
func (s *historyService) GetLatestBackups(ctx context.Context, setID int64, table string) ([]*models.HistoryEntry, error) {
	return s.repo.Backups(ctx, setID, table, s.policy.MaxBackups)
}

func (s *historyService) GetEdgeTransformation(ctx context.Context, setID int64, table string, last bool) (*models.SequenceNumber, error) {
	return s.repo.EdgeTransformation(ctx, setID, table, last)
}

// OriginalExists reports whether table came from an upload and still has its original copy.
func (s *historyService) OriginalExists(ctx context.Context, setID int64, table string) (bool, error) {
	return s.store.TableExists(ctx, models.OriginalSchema(setID), table)
}

func (s *historyService) CountBackups(ctx context.Context, setID int64, table string) (int, error) {
	return s.repo.CountBackups(ctx, setID, table)
}

// PlanUndo gathers the ledger state of table and decides how its last
// transformation would be undone.
func (s *historyService) PlanUndo(ctx context.Context, setID int64, table string) (*UndoPlan, error) {
	backups, err := s.GetLatestBackups(ctx, setID, table)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.InPlaceSince(ctx, setID, table, models.NoSequence, models.TypeCopyTable)
	if err != nil {
		return nil, err
	}
	original, err := s.OriginalExists(ctx, setID, table)
	if err != nil {
		return nil, err
	}
	return planUndo(backups, entries, original, s.policy), nil
}

func (s *historyService) IsUndoEnabled(ctx context.Context, setID int64, table string) (bool, error) {
	plan, err := s.PlanUndo(ctx, setID, table)
	if err != nil {
		return false, err
	}
	return plan.Feasible, nil
}

// RenderHistory lists ledger entries with a readable description of each.
func (s *historyService) RenderHistory(ctx context.Context, setID int64, filters models.HistoryFilters) (*models.HistoryPage, error) {
	filters.Limit, filters.Offset = normalizePageParams(filters.Limit, filters.Offset)
	if filters.Order == "" {
		filters.Order = models.HistoryOrderDesc
	}

	entries, total, err := s.repo.List(ctx, setID, filters)
	if err != nil {
		s.logger.Error("Failed to list history",
			zap.Int64("setid", setID),
			zap.String("table", filters.Table),
			zap.Error(err))
		return nil, err
	}

	page := &models.HistoryPage{
		Entries: make([]models.RenderedHistoryEntry, 0, len(entries)),
		Total:   total,
		Offset:  filters.Offset,
		Limit:   filters.Limit,
	}
	for _, e := range entries {
		page.Entries = append(page.Entries, models.RenderedHistoryEntry{
			ID:                 e.ID,
			TableName:          e.TableName,
			OriginTable:        e.OriginTable,
			Attribute:          e.Attribute,
			Type:               e.TransformationType.String(),
			Description:        describeEntry(e),
			TransformationDate: e.TransformationDate,
		})
	}
	return page, nil
}

func describeEntry(e *models.HistoryEntry) string {
	switch {
	case e.TransformationType.IsBackup():
		return fmt.Sprintf("Backup %s of %s", e.TableName, e.OriginTable)
	case e.TransformationType == models.TypeCopyTable && e.InPlace():
		return fmt.Sprintf("Uploaded table %s", e.TableName)
	case e.TransformationType == models.TypeCopyTable && len(e.Parameters) == 5 && e.Parameters[0] == joinMarker:
		p := e.Parameters
		return fmt.Sprintf("Created table %s as %s join of %s and %s on %s = %s", e.TableName, p[2], e.OriginTable, p[1], p[3], p[4])
	case e.TransformationType == models.TypeCopyTable:
		return fmt.Sprintf("Created table %s as a copy of %s", e.TableName, e.OriginTable)
	}

	op, err := transform.Decode(e.TransformationType, e.Parameters)
	if err != nil {
		return fmt.Sprintf("%s on %s (unreadable parameters)", e.TransformationType, e.Attribute)
	}
	desc := op.Describe(e.Attribute)
	if !e.InPlace() {
		desc = fmt.Sprintf("%s in new table %s (from %s)", desc, e.TableName, e.OriginTable)
	}
	return desc
}

// TableInfo summarizes one working table together with its ledger state.
func (s *historyService) TableInfo(ctx context.Context, setID int64, table string) (*models.TableInfo, error) {
	schema := models.WorkingSchema(setID)
	exists, err := s.store.TableExists(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("table %q: %w", table, apperrors.ErrNotFound)
	}

	info := &models.TableInfo{SetID: setID, Name: table}
	if info.Columns, err = s.store.Columns(ctx, schema, table); err != nil {
		return nil, err
	}
	if info.RowCount, err = s.store.RowCount(ctx, schema, table); err != nil {
		return nil, err
	}
	if info.BackupCount, err = s.repo.CountBackups(ctx, setID, table); err != nil {
		return nil, err
	}
	if info.HasOriginal, err = s.OriginalExists(ctx, setID, table); err != nil {
		return nil, err
	}
	if info.UndoEnabled, err = s.IsUndoEnabled(ctx, setID, table); err != nil {
		return nil, err
	}
	if info.Fingerprint, err = s.store.Fingerprint(ctx, schema, table); err != nil {
		return nil, err
	}
	last, err := s.repo.EdgeTransformation(ctx, setID, table, true)
	if err != nil {
		return nil, err
	}
	if last != nil {
		id := int64(*last)
		info.LastSequenceID = &id
	}
	return info, nil
}

func normalizePageParams(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
