//go:build integration

package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/config"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/testhelpers"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if err := testhelpers.Terminate(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate test container: %v\n", err)
	}
	os.Exit(code)
}

const peopleCSV = `id,name,age,city
1,Ada,36,London
2,Grace,,New York
3,Linus,28,Helsinki
4,Barbara,51,New York
5,Ken,,London
`

// engine wires the services against the shared test database the way main does.
type engine struct {
	db              *testhelpers.EngineDB
	store           tablestore.Store
	history         HistoryService
	datasets        DatasetService
	uploads         UploadService
	transformations TransformationService
	joins           JoinService
	undo            UndoService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	db := testhelpers.GetEngineDB(t)
	logger := zap.NewNop()

	store := tablestore.New()
	datasetRepo := repositories.NewDatasetRepository()
	historyRepo := repositories.NewHistoryRepository()
	history := NewHistoryService(historyRepo, store, config.DefaultHistory(), clockwork.NewRealClock(), logger)
	executor := transform.NewExecutor(store, history, transform.Limits{MaxOneHotValues: 20}, logger)

	return &engine{
		db:              db,
		store:           store,
		history:         history,
		datasets:        NewDatasetService(datasetRepo, store, logger),
		uploads:         NewUploadService(datasetRepo, history, store, logger),
		transformations: NewTransformationService(datasetRepo, executor, logger),
		joins:           NewJoinService(datasetRepo, history, store, logger),
		undo:            NewUndoService(history, historyRepo, store, executor, logger),
	}
}

// newDataset creates a dataset and returns a context bound to it.
func (e *engine) newDataset(t *testing.T) (int64, context.Context) {
	t.Helper()
	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	dataset, err := e.datasets.Create(testhelpers.CatalogContext(t, e.db), name, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.datasets.Delete(testhelpers.CatalogContext(t, e.db), dataset.SetID)
	})
	return dataset.SetID, testhelpers.DatasetContext(t, e.db, dataset.SetID)
}

func (e *engine) uploadPeople(t *testing.T, ctx context.Context, setID int64, table string) {
	t.Helper()
	result := e.uploadCSV(t, ctx, setID, table, peopleCSV)
	require.Equal(t, int64(5), result.Rows)
	require.Equal(t, []string{"id", "name", "age", "city"}, result.Columns)
}

func (e *engine) uploadCSV(t *testing.T, ctx context.Context, setID int64, table, body string) *UploadResult {
	t.Helper()
	result, err := e.uploads.Upload(ctx, UploadRequest{
		SetID:    setID,
		Table:    table,
		Filename: table + ".csv",
		Header:   true,
		Body:     strings.NewReader(body),
	})
	require.NoError(t, err)
	return result
}

func (e *engine) fingerprint(t *testing.T, ctx context.Context, setID int64, table string) string {
	t.Helper()
	fp, err := e.store.Fingerprint(ctx, models.WorkingSchema(setID), table)
	require.NoError(t, err)
	return fp
}

func (e *engine) apply(t *testing.T, ctx context.Context, setID int64, table string, req TransformationRequest) *transform.Result {
	t.Helper()
	result, err := e.transformations.Apply(ctx, setID, table, req)
	require.NoError(t, err, "%s", req.Type)
	return result
}

func TestIntegration_UploadKeepsOriginal(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadPeople(t, ctx, setID, "people")

	workingFP := e.fingerprint(t, ctx, setID, "people")
	originalFP, err := e.store.Fingerprint(ctx, models.OriginalSchema(setID), "people")
	require.NoError(t, err)
	assert.Equal(t, workingFP, originalFP)

	cols, err := e.store.Columns(ctx, models.WorkingSchema(setID), "people")
	require.NoError(t, err)
	for _, c := range cols {
		assert.Equal(t, "character varying", c.DataType, c.Name)
	}

	enabled, err := e.history.IsUndoEnabled(ctx, setID, "people")
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = e.undo.UndoLastTransformation(ctx, setID, "people")
	assert.ErrorIs(t, err, apperrors.ErrUndoUnavailable)

	_, err = e.uploads.Upload(ctx, UploadRequest{SetID: setID, Filename: "people.csv", Header: true, Body: strings.NewReader(peopleCSV)})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

// Every undo must leave the table exactly as it was before the undone step,
// whether it restores the original, the bootstrap backup or a later backup.
func TestIntegration_UndoWalksBackThroughEveryStep(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadPeople(t, ctx, setID, "people")

	steps := []TransformationRequest{
		{Type: models.TypeConvertType, Attribute: "age", Parameters: []string{"integer"}},
		{Type: models.TypeFillNullMean, Attribute: "age"},
		{Type: models.TypeZScore, Attribute: "age"},
		{Type: models.TypeDiscretizeEqualWidth, Attribute: "age", Parameters: []string{"3"}},
		{Type: models.TypeOneHot, Attribute: "city"},
		{Type: models.TypeFindReplace, Attribute: "name", Parameters: []string{"Ada", "Augusta", "True"}},
		{Type: models.TypeRawQuery, Parameters: []string{"UPDATE people SET name = upper(name)"}},
		{Type: models.TypeDeleteRows, Attribute: "age", Parameters: []string{"<", "30"}},
	}

	fingerprints := []string{e.fingerprint(t, ctx, setID, "people")}
	for _, step := range steps {
		e.apply(t, ctx, setID, "people", step)
		fingerprints = append(fingerprints, e.fingerprint(t, ctx, setID, "people"))
	}

	backups, err := e.history.CountBackups(ctx, setID, "people")
	require.NoError(t, err)
	assert.LessOrEqual(t, backups, config.DefaultHistory().MaxBackups)
	assert.Positive(t, backups)

	for i := len(steps); i > 0; i-- {
		result, err := e.undo.UndoLastTransformation(ctx, setID, "people")
		require.NoError(t, err, "undo of step %d", i)
		assert.Equal(t, steps[i-1].Type, result.Undone.TransformationType)
		assert.Equal(t, fingerprints[i-1], e.fingerprint(t, ctx, setID, "people"), "after undoing step %d", i)
	}

	_, err = e.undo.UndoLastTransformation(ctx, setID, "people")
	assert.ErrorIs(t, err, apperrors.ErrUndoUnavailable)
}

func TestIntegration_FailedTransformationLeavesNoTrace(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadPeople(t, ctx, setID, "people")
	before := e.fingerprint(t, ctx, setID, "people")
	page, err := e.history.RenderHistory(ctx, setID, models.HistoryFilters{Table: "people", IncludeBackups: true})
	require.NoError(t, err)

	// Names do not cast to integers.
	_, err = e.transformations.Apply(ctx, setID, "people", TransformationRequest{
		Type: models.TypeConvertType, Attribute: "name", Parameters: []string{"integer"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsUserError(err))

	// A numeric-only operation on a text column.
	_, err = e.transformations.Apply(ctx, setID, "people", TransformationRequest{Type: models.TypeZScore, Attribute: "city"})
	var attrErr *apperrors.AttrTypeError
	require.ErrorAs(t, err, &attrErr)

	// A failing step in copy mode must not leave its copy behind.
	_, err = e.transformations.ApplyAll(ctx, setID, "people", []TransformationRequest{
		{Type: models.TypeDeduplicate, Mode: transform.ModeCopy, NewName: "people_tmp"},
		{Type: models.TypeConvertType, Attribute: "city", Parameters: []string{"date"}},
	})
	require.Error(t, err)

	// A statement that would end the engine's transaction never runs.
	_, err = e.transformations.Apply(ctx, setID, "people", TransformationRequest{
		Type: models.TypeRawQuery, Parameters: []string{"ROLLBACK"},
	})
	var valErr *apperrors.ValueError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "query", valErr.Field)

	exists, err := e.store.TableExists(ctx, models.WorkingSchema(setID), "people_tmp")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, before, e.fingerprint(t, ctx, setID, "people"))

	after, err := e.history.RenderHistory(ctx, setID, models.HistoryFilters{Table: "people", IncludeBackups: true})
	require.NoError(t, err)
	assert.Equal(t, page.Total, after.Total)
}

func TestIntegration_CopyModeAndForceConvert(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadCSV(t, ctx, setID, "people", "id,age\n1,36\n2,unknown\n3,\n4,n/a\n5,28\n")
	before := e.fingerprint(t, ctx, setID, "people")

	result := e.apply(t, ctx, setID, "people", TransformationRequest{
		Type: models.TypeForceConvertType, Attribute: "age", Parameters: []string{"integer", transform.ForceDelete},
		Mode: transform.ModeCopy,
	})
	assert.Equal(t, "people_1", result.Table)
	require.NotNil(t, result.Entry)
	assert.Equal(t, "people_1", result.Entry.TableName)
	assert.Equal(t, "people", result.Entry.OriginTable)

	assert.Equal(t, before, e.fingerprint(t, ctx, setID, "people"), "the source table is untouched")

	rows, err := e.store.RowCount(ctx, models.WorkingSchema(setID), "people_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows, "rows that do not cast are deleted, empty ones become NULL")

	dataType, err := e.store.ColumnType(ctx, models.WorkingSchema(setID), "people_1", "age")
	require.NoError(t, err)
	assert.Equal(t, "integer", dataType)

	tables, err := e.datasets.ListTables(ctx, setID)
	require.NoError(t, err)
	assert.Equal(t, []string{"people", "people_1"}, tables)
}

func TestIntegration_JoinCreatesTrackedTable(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadPeople(t, ctx, setID, "people")
	e.uploadCSV(t, ctx, setID, "cities", "city,country\nLondon,UK\nNew York,US\n")

	result, err := e.joins.Join(ctx, setID, JoinRequest{Left: "people", Right: "cities", LeftOn: "city", RightOn: "city", Kind: "left"})
	require.NoError(t, err)
	assert.Equal(t, "people_cities", result.Table)

	rows, err := e.store.RowCount(ctx, models.WorkingSchema(setID), "people_cities")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rows)

	info, err := e.history.TableInfo(ctx, setID, "people_cities")
	require.NoError(t, err)
	assert.False(t, info.UndoEnabled)

	e.apply(t, ctx, setID, "people_cities", TransformationRequest{Type: models.TypeDeleteAttribute, Attribute: "country"})
	undone, err := e.undo.UndoLastTransformation(ctx, setID, "people_cities")
	require.NoError(t, err)
	assert.Equal(t, models.TypeDeleteAttribute, undone.Undone.TransformationType)

	cols, err := e.store.Columns(ctx, models.WorkingSchema(setID), "people_cities")
	require.NoError(t, err)
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "country")
}

// readings has a numeric, a date and a text column with gaps, and two identical rows.
const readingsCSV = `id,reading,taken,label
1,12.5,2024-01-15,alpha
2,,2024-03-02,beta
3,7.25,2023-11-30,Alpha
4,40,2024-06-01,gamma
1,12.5,2024-01-15,alpha
6,3,,
`

func (e *engine) uploadReadings(t *testing.T, ctx context.Context, setID int64) {
	t.Helper()
	e.uploadCSV(t, ctx, setID, "readings", readingsCSV)
	e.apply(t, ctx, setID, "readings", TransformationRequest{Type: models.TypeConvertType, Attribute: "reading", Parameters: []string{"double precision"}})
	e.apply(t, ctx, setID, "readings", TransformationRequest{Type: models.TypeConvertType, Attribute: "taken", Parameters: []string{"date"}})
}

// Each transformation must change the table and its undo must restore it exactly.
func TestIntegration_UndoRestoresEachTransformation(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadReadings(t, ctx, setID)

	tests := []struct {
		name string
		req  TransformationRequest
	}{
		{"delete outliers", TransformationRequest{Type: models.TypeDeleteOutliers, Attribute: "reading", Parameters: []string{"True", "30"}}},
		{"discretize custom", TransformationRequest{Type: models.TypeDiscretizeCustom, Attribute: "reading", Parameters: []string{"0", "10", "50"}}},
		{"discretize equal frequency", TransformationRequest{Type: models.TypeDiscretizeEqualFreq, Attribute: "reading", Parameters: []string{"2"}}},
		{"extract date part", TransformationRequest{Type: models.TypeExtractDatePart, Attribute: "taken", Parameters: []string{"month"}}},
		{"regex replace", TransformationRequest{Type: models.TypeRegexReplace, Attribute: "label", Parameters: []string{"^a", "A", "False"}}},
		{"fill custom", TransformationRequest{Type: models.TypeFillNullCustom, Attribute: "label", Parameters: []string{"unknown"}}},
		{"fill median", TransformationRequest{Type: models.TypeFillNullMedian, Attribute: "reading"}},
		{"rename attribute", TransformationRequest{Type: models.TypeRenameAttribute, Attribute: "label", Parameters: []string{"tag"}}},
		{"deduplicate", TransformationRequest{Type: models.TypeDeduplicate}},
		{"delete attribute", TransformationRequest{Type: models.TypeDeleteAttribute, Attribute: "taken"}},
		{"force convert to null", TransformationRequest{Type: models.TypeForceConvertType, Attribute: "label", Parameters: []string{"integer", transform.ForceNull}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.fingerprint(t, ctx, setID, "readings")

			e.apply(t, ctx, setID, "readings", tt.req)
			require.NotEqual(t, before, e.fingerprint(t, ctx, setID, "readings"), "the transformation changed nothing")

			result, err := e.undo.UndoLastTransformation(ctx, setID, "readings")
			require.NoError(t, err)
			assert.Equal(t, tt.req.Type, result.Undone.TransformationType)
			assert.Equal(t, before, e.fingerprint(t, ctx, setID, "readings"))
		})
	}
}

// Replaying the same entries twice yields the same table.
func TestIntegration_ReplayIsDeterministic(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)
	e.uploadReadings(t, ctx, setID)

	steps := []TransformationRequest{
		{Type: models.TypeFillNullMedian, Attribute: "reading"},
		{Type: models.TypeDiscretizeEqualFreq, Attribute: "reading", Parameters: []string{"3"}},
		{Type: models.TypeZScore, Attribute: "reading"},
		{Type: models.TypeOneHot, Attribute: "label"},
		{Type: models.TypeDeduplicate},
	}
	for _, step := range steps {
		e.apply(t, ctx, setID, "readings", step)
	}
	applied := e.fingerprint(t, ctx, setID, "readings")

	_, err := e.undo.UndoLastTransformation(ctx, setID, "readings")
	require.NoError(t, err)
	undone := e.fingerprint(t, ctx, setID, "readings")

	e.apply(t, ctx, setID, "readings", steps[len(steps)-1])
	assert.Equal(t, applied, e.fingerprint(t, ctx, setID, "readings"))

	_, err = e.undo.UndoLastTransformation(ctx, setID, "readings")
	require.NoError(t, err)
	assert.Equal(t, undone, e.fingerprint(t, ctx, setID, "readings"))
}

// Names built from user names must fit in an identifier instead of being truncated.
func TestIntegration_DerivedNamesMustFit(t *testing.T) {
	e := newEngine(t)
	setID, ctx := e.newDataset(t)

	longColumn := strings.Repeat("c", 60)
	e.uploadCSV(t, ctx, setID, "codes", longColumn+"\nab\nabcd\n")
	_, err := e.transformations.Apply(ctx, setID, "codes", TransformationRequest{Type: models.TypeOneHot, Attribute: longColumn})
	var valErr *apperrors.ValueError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "attribute", valErr.Field)

	longTable := strings.Repeat("t", 62)
	e.uploadCSV(t, ctx, setID, longTable, "id\n1\n")
	_, err = e.transformations.Apply(ctx, setID, longTable, TransformationRequest{Type: models.TypeDeduplicate, Mode: transform.ModeCopy})
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "table", valErr.Field)

	tables, err := e.datasets.ListTables(ctx, setID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"codes", longTable}, tables)
}
