package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

func newTestUndoService(f *historyFixture) *undoService {
	svc := NewUndoService(f.history, f.repo, f.store, transform.NewExecutor(f.store, nil, transform.Limits{}, zap.NewNop()), zap.NewNop()).(*undoService)
	svc.withTx = passthroughTx
	svc.lockTable = noLock
	return svc
}

func backupKey(name string) string { return tableKey(models.BackupSchema(testSetID), name) }

func TestUndoLastTransformation_RestoresNewestBackup(t *testing.T) {
	f := newHistoryFixture(t)
	f.upload(t, "t")
	last := f.write(t, "t", models.TypeConvertType)
	svc := newTestUndoService(f)
	copiesBefore := len(f.store.copies)

	result, err := svc.UndoLastTransformation(context.Background(), testSetID, "t")
	require.NoError(t, err)

	assert.Equal(t, "t", result.Table)
	assert.Equal(t, last.ID, result.Undone.ID)
	assert.Equal(t, "backup", result.RestorePoint)
	assert.Equal(t, 0, result.Replayed)
	assert.Empty(t, result.Discarded)

	require.Len(t, f.store.copies, copiesBefore+1)
	assert.Equal(t, backupKey("2")+" -> "+working("t"), f.store.copies[copiesBefore])
	assert.True(t, f.store.has(models.WorkingSchema(testSetID), "t"))

	_, err = f.repo.Get(context.Background(), testSetID, last.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "the undone entry leaves the ledger")

	enabled, err := f.history.IsUndoEnabled(context.Background(), testSetID, "t")
	require.NoError(t, err)
	assert.False(t, enabled, "only the upload remains")
}

func TestUndoLastTransformation_DiscardsCoveringBackup(t *testing.T) {
	f := newHistoryFixture(t)
	f.store.tables[working("t")] = true
	f.store.tables[backupKey("2")] = true
	f.store.tables[backupKey("4")] = true
	f.repo.seed(
		entry(1, models.TypeCopyTable),
		backup(2),
		entry(3, light),
		backup(4),
	)
	svc := newTestUndoService(f)

	result, err := svc.UndoLastTransformation(context.Background(), testSetID, "t")
	require.NoError(t, err)

	assert.Equal(t, models.SequenceNumber(3), result.Undone.ID)
	assert.Equal(t, []models.SequenceNumber{4}, result.Discarded)
	assert.False(t, f.store.has(models.BackupSchema(testSetID), "4"))
	assert.True(t, f.store.has(models.BackupSchema(testSetID), "2"))

	count, err := f.history.CountBackups(context.Background(), testSetID, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUndoLastTransformation_RestoresOriginal(t *testing.T) {
	f := newHistoryFixture(t)
	f.store.tables[working("t")] = true
	f.store.tables[tableKey(models.OriginalSchema(testSetID), "t")] = true
	f.repo.seed(entry(3, light))
	svc := newTestUndoService(f)

	result, err := svc.UndoLastTransformation(context.Background(), testSetID, "t")
	require.NoError(t, err)
	assert.Equal(t, "original", result.RestorePoint)
	assert.Contains(t, f.store.copies, tableKey(models.OriginalSchema(testSetID), "t")+" -> "+working("t"))
}

func TestUndoLastTransformation_Unavailable(t *testing.T) {
	f := newHistoryFixture(t)
	f.upload(t, "t")
	svc := newTestUndoService(f)
	entriesBefore := len(f.repo.entries)

	result, err := svc.UndoLastTransformation(context.Background(), testSetID, "t")
	assert.Nil(t, result)
	require.ErrorIs(t, err, apperrors.ErrUndoUnavailable)
	assert.Len(t, f.repo.entries, entriesBefore)
	assert.True(t, f.store.has(models.WorkingSchema(testSetID), "t"))
}

func TestUndoLastTransformation_LockError(t *testing.T) {
	f := newHistoryFixture(t)
	f.upload(t, "t")
	f.write(t, "t", models.TypeConvertType)
	svc := newTestUndoService(f)
	lockErr := errors.New("lock timeout")
	svc.lockTable = func(context.Context, int64, string) error { return lockErr }

	_, err := svc.UndoLastTransformation(context.Background(), testSetID, "t")
	require.ErrorIs(t, err, lockErr)
	assert.Len(t, f.repo.entries, 3, "nothing was touched")
}

func TestUndoPlan_MatchesService(t *testing.T) {
	f := newHistoryFixture(t)
	f.upload(t, "t")
	f.write(t, "t", models.TypeZScore)
	f.write(t, "t", models.TypeZScore)
	svc := newTestUndoService(f)

	plan, err := svc.Plan(context.Background(), testSetID, "t")
	require.NoError(t, err)
	require.True(t, plan.Feasible)
	assert.Equal(t, "backup", plan.RestorePoint())
	require.Len(t, plan.Replay, 1)
	assert.Equal(t, models.SequenceNumber(3), plan.Replay[0].ID)
	assert.Equal(t, models.SequenceNumber(4), plan.Undo.ID)
}
