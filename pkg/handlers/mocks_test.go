package handlers

import (
	"context"
	"io"

	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// mockHistoryService serves canned ledger answers.
type mockHistoryService struct {
	services.HistoryService
	page        *models.HistoryPage
	info        *models.TableInfo
	err         error
	lastFilters models.HistoryFilters
}

func (m *mockHistoryService) RenderHistory(_ context.Context, _ int64, filters models.HistoryFilters) (*models.HistoryPage, error) {
	m.lastFilters = filters
	return m.page, m.err
}

func (m *mockHistoryService) TableInfo(_ context.Context, _ int64, _ string) (*models.TableInfo, error) {
	return m.info, m.err
}

type mockUndoService struct {
	plan   *services.UndoPlan
	result *services.UndoResult
	err    error
	calls  int
}

func (m *mockUndoService) Plan(context.Context, int64, string) (*services.UndoPlan, error) {
	return m.plan, m.err
}

func (m *mockUndoService) UndoLastTransformation(context.Context, int64, string) (*services.UndoResult, error) {
	m.calls++
	return m.result, m.err
}

type mockTransformationService struct {
	requests []services.TransformationRequest
	table    string
	err      error
}

func (m *mockTransformationService) Apply(ctx context.Context, setID int64, table string, req services.TransformationRequest) (*transform.Result, error) {
	results, err := m.ApplyAll(ctx, setID, table, []services.TransformationRequest{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (m *mockTransformationService) ApplyAll(_ context.Context, _ int64, table string, steps []services.TransformationRequest) ([]*transform.Result, error) {
	m.table = table
	m.requests = append(m.requests, steps...)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*transform.Result, len(steps))
	for i, s := range steps {
		out[i] = &transform.Result{Table: table, Parameters: s.Parameters}
	}
	return out, nil
}

type mockJoinService struct {
	req services.JoinRequest
	err error
}

func (m *mockJoinService) Join(_ context.Context, _ int64, req services.JoinRequest) (*transform.Result, error) {
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return &transform.Result{Table: req.NewName}, nil
}

type mockDatasetService struct {
	dataset  *models.Dataset
	datasets []*models.Dataset
	tables   []string
	err      error

	created   string
	lastLimit int
	deleted   int64
}

func (m *mockDatasetService) Create(_ context.Context, name, description string) (*models.Dataset, error) {
	m.created = name
	if m.err != nil {
		return nil, m.err
	}
	return &models.Dataset{SetID: 1, Name: name, Description: description}, nil
}

func (m *mockDatasetService) Get(context.Context, int64) (*models.Dataset, error) {
	return m.dataset, m.err
}

func (m *mockDatasetService) List(_ context.Context, limit, _ int) ([]*models.Dataset, error) {
	m.lastLimit = limit
	return m.datasets, m.err
}

func (m *mockDatasetService) ListTables(context.Context, int64) ([]string, error) {
	return m.tables, m.err
}

func (m *mockDatasetService) Delete(_ context.Context, setID int64) error {
	m.deleted = setID
	return m.err
}

type mockUploadService struct {
	req  services.UploadRequest
	body string
	err  error
}

func (m *mockUploadService) Upload(_ context.Context, req services.UploadRequest) (*services.UploadResult, error) {
	m.req = req
	data, _ := io.ReadAll(req.Body)
	m.body = string(data)
	if m.err != nil {
		return nil, m.err
	}
	return &services.UploadResult{Table: req.Table, Rows: 2}, nil
}
