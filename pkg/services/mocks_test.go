package services

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// mockHistoryRepo implements repositories.HistoryRepository in memory with a
// single sequence shared by entries and backup markers.
type mockHistoryRepo struct {
	seq     int64
	entries []*models.HistoryEntry

	insertErr error
	deleteErr error
}

func (m *mockHistoryRepo) next() models.SequenceNumber {
	m.seq++
	return models.SequenceNumber(m.seq)
}

func (m *mockHistoryRepo) Insert(_ context.Context, entry *models.HistoryEntry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	entry.ID = m.next()
	stored := *entry
	m.entries = append(m.entries, &stored)
	return nil
}

func (m *mockHistoryRepo) InsertBackupMarker(_ context.Context, setID int64, origin string, date time.Time) (*models.HistoryEntry, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	id := m.next()
	marker := &models.HistoryEntry{
		ID:                 id,
		SetID:              setID,
		TableName:          strconv.FormatInt(int64(id), 10),
		OriginTable:        origin,
		TransformationType: models.TypeBackup,
		Parameters:         []string{},
		TransformationDate: date,
	}
	m.entries = append(m.entries, marker)
	return marker, nil
}

func (m *mockHistoryRepo) Get(_ context.Context, setID int64, id models.SequenceNumber) (*models.HistoryEntry, error) {
	for _, e := range m.entries {
		if e.SetID == setID && e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("history entry %d: %w", id, apperrors.ErrNotFound)
}

func (m *mockHistoryRepo) Delete(_ context.Context, setID int64, id models.SequenceNumber) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for i, e := range m.entries {
		if e.SetID == setID && e.ID == id {
			m.entries = slices.Delete(m.entries, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("history entry %d: %w", id, apperrors.ErrNotFound)
}

func (m *mockHistoryRepo) Backups(_ context.Context, setID int64, origin string, limit int) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.SetID == setID && e.OriginTable == origin && e.TransformationType.IsBackup() {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockHistoryRepo) CountBackups(ctx context.Context, setID int64, origin string) (int, error) {
	backups, err := m.Backups(ctx, setID, origin, 0)
	return len(backups), err
}

func (m *mockHistoryRepo) InPlaceSince(_ context.Context, setID int64, table string, after models.SequenceNumber, minType models.TransformationType) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for _, e := range m.entries {
		if e.SetID == setID && e.TableName == table && e.OriginTable == table &&
			e.TransformationType >= minType && after.Before(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistoryRepo) EdgeTransformation(_ context.Context, setID int64, table string, last bool) (*models.SequenceNumber, error) {
	var edge *models.SequenceNumber
	for _, e := range m.entries {
		if e.SetID != setID || e.TableName != table || e.OriginTable != table || e.TransformationType.IsBackup() {
			continue
		}
		id := e.ID
		if edge == nil || (last && edge.Before(id)) || (!last && id.Before(*edge)) {
			edge = &id
		}
	}
	return edge, nil
}

func (m *mockHistoryRepo) List(_ context.Context, setID int64, filters models.HistoryFilters) ([]*models.HistoryEntry, int, error) {
	var out []*models.HistoryEntry
	for _, e := range m.entries {
		if e.SetID != setID || (!filters.IncludeBackups && e.TransformationType.IsBackup()) {
			continue
		}
		if filters.Table != "" && e.TableName != filters.Table && e.OriginTable != filters.Table {
			continue
		}
		out = append(out, e)
	}
	if filters.Order == models.HistoryOrderDesc {
		slices.Reverse(out)
	}
	total := len(out)
	if filters.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filters.Offset:]
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, total, nil
}

// seed appends entries as-is and advances the sequence past them.
func (m *mockHistoryRepo) seed(entries ...*models.HistoryEntry) {
	for _, e := range entries {
		m.entries = append(m.entries, e)
		if int64(e.ID) > m.seq {
			m.seq = int64(e.ID)
		}
	}
}

// mockTableStore implements tablestore.Store over a set of "schema.table" names.
type mockTableStore struct {
	tables map[string]bool
	copies []string

	copyErr error
}

func newMockTableStore(tables ...string) *mockTableStore {
	s := &mockTableStore{tables: map[string]bool{}}
	for _, t := range tables {
		s.tables[t] = true
	}
	return s
}

func tableKey(schema, table string) string { return schema + "." + table }

func (s *mockTableStore) has(schema, table string) bool { return s.tables[tableKey(schema, table)] }

func (s *mockTableStore) CreateSchemas(context.Context, int64) error { return nil }
func (s *mockTableStore) DropSchemas(context.Context, int64) error   { return nil }

func (s *mockTableStore) TableExists(_ context.Context, schema, table string) (bool, error) {
	return s.has(schema, table), nil
}

func (s *mockTableStore) ListTables(_ context.Context, schema string) ([]string, error) {
	var out []string
	for k := range s.tables {
		if t, ok := cutSchema(k, schema); ok {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out, nil
}

func cutSchema(k, schema string) (string, bool) {
	prefix := schema + "."
	if len(k) > len(prefix) && k[:len(prefix)] == prefix {
		return k[len(prefix):], true
	}
	return "", false
}

func (s *mockTableStore) Columns(context.Context, string, string) ([]models.Column, error) {
	return []models.Column{{Name: "id", DataType: "integer", Position: 1}}, nil
}

func (s *mockTableStore) ColumnType(context.Context, string, string, string) (string, error) {
	return "integer", nil
}

func (s *mockTableStore) CopyTable(_ context.Context, srcSchema, src, dstSchema, dst string) error {
	if s.copyErr != nil {
		return s.copyErr
	}
	if !s.has(srcSchema, src) {
		return fmt.Errorf("table %s: %w", tableKey(srcSchema, src), apperrors.ErrNotFound)
	}
	if s.has(dstSchema, dst) {
		return fmt.Errorf("table %s: %w", tableKey(dstSchema, dst), apperrors.ErrConflict)
	}
	s.tables[tableKey(dstSchema, dst)] = true
	s.copies = append(s.copies, tableKey(srcSchema, src)+" -> "+tableKey(dstSchema, dst))
	return nil
}

func (s *mockTableStore) DropTable(_ context.Context, schema, table string) error {
	delete(s.tables, tableKey(schema, table))
	return nil
}

func (s *mockTableStore) RowCount(context.Context, string, string) (int64, error) { return 4, nil }

func (s *mockTableStore) UniqueName(_ context.Context, schema, base string) (string, error) {
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if !s.has(schema, name) {
			return name, nil
		}
	}
}

func (s *mockTableStore) Fingerprint(context.Context, string, string) (string, error) {
	return "0011223344556677", nil
}

// mockDatasetRepo implements repositories.DatasetRepository.
type mockDatasetRepo struct {
	datasets map[int64]*models.Dataset
	nextID   int64
	touched  []int64
}

func newMockDatasetRepo(ids ...int64) *mockDatasetRepo {
	m := &mockDatasetRepo{datasets: map[int64]*models.Dataset{}}
	for _, id := range ids {
		m.datasets[id] = &models.Dataset{SetID: id, Name: fmt.Sprintf("set-%d", id)}
		m.nextID = max(m.nextID, id)
	}
	return m
}

func (m *mockDatasetRepo) Create(_ context.Context, d *models.Dataset) error {
	m.nextID++
	d.SetID = m.nextID
	m.datasets[d.SetID] = d
	return nil
}

func (m *mockDatasetRepo) Get(_ context.Context, setID int64) (*models.Dataset, error) {
	d, ok := m.datasets[setID]
	if !ok {
		return nil, fmt.Errorf("dataset %d: %w", setID, apperrors.ErrNotFound)
	}
	return d, nil
}

func (m *mockDatasetRepo) List(_ context.Context, limit, offset int) ([]*models.Dataset, error) {
	var out []*models.Dataset
	for id := int64(1); id <= m.nextID; id++ {
		if d, ok := m.datasets[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDatasetRepo) Touch(_ context.Context, setID int64) error {
	m.touched = append(m.touched, setID)
	return nil
}

func (m *mockDatasetRepo) Delete(_ context.Context, setID int64) error {
	if _, ok := m.datasets[setID]; !ok {
		return fmt.Errorf("dataset %d: %w", setID, apperrors.ErrNotFound)
	}
	delete(m.datasets, setID)
	return nil
}

// passthroughTx stands in for database.WithTx in unit tests.
func passthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func noLock(context.Context, int64, string) error { return nil }
