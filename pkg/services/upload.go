package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/metrics"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// Upload formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// UploadRequest describes one file to load as a new table.
type UploadRequest struct {
	SetID int64
	// Table defaults to the file name without its extension.
	Table    string
	Filename string
	// Format defaults to the file extension.
	Format string
	// Header treats the first row as column names.
	Header bool
	Body   io.Reader
}

// UploadResult reports the loaded table.
type UploadResult struct {
	Table   string               `json:"table"`
	Columns []string             `json:"columns"`
	Rows    int64                `json:"rows"`
	Entry   *models.HistoryEntry `json:"entry"`
}

// UploadService loads CSV and XLSX files into new working tables. Every column
// is loaded as VARCHAR, an untouched copy is kept in the original schema, and
// the table's creation entry is written to the ledger.
type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
}

type uploadService struct {
	datasets repositories.DatasetRepository
	history  HistoryService
	store    tablestore.Store
	logger   *zap.Logger
}

func NewUploadService(
	datasets repositories.DatasetRepository,
	history HistoryService,
	store tablestore.Store,
	logger *zap.Logger,
) UploadService {
	return &uploadService{
		datasets: datasets,
		history:  history,
		store:    store,
		logger:   logger.Named("upload-service"),
	}
}

var _ UploadService = (*uploadService)(nil)

func (s *uploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	format := strings.ToLower(req.Format)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if format == "" {
		format = ext
	}
	table := req.Table
	if table == "" {
		table = strings.TrimSuffix(filepath.Base(req.Filename), filepath.Ext(req.Filename))
	}
	if err := transform.ValidateName("table", table); err != nil {
		return nil, err
	}

	var records [][]string
	var err error
	switch format {
	case FormatCSV:
		records, err = readCSV(req.Body)
	case FormatXLSX:
		records, err = readXLSX(req.Body)
	default:
		return nil, apperrors.NewValueError("format", "unsupported upload format %q", format)
	}
	if err != nil {
		return nil, err
	}

	columns, rows, err := splitHeader(records, req.Header)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Table: table, Columns: columns}
	err = database.WithTx(ctx, func(ctx context.Context) error {
		if err := database.LockTable(ctx, req.SetID, table); err != nil {
			return err
		}
		if _, err := s.datasets.Get(ctx, req.SetID); err != nil {
			return err
		}

		working := models.WorkingSchema(req.SetID)
		exists, err := s.store.TableExists(ctx, working, table)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("table %q already exists: %w", table, apperrors.ErrConflict)
		}

		if result.Rows, err = s.load(ctx, working, table, columns, rows); err != nil {
			return err
		}
		if err := s.store.CopyTable(ctx, working, table, models.OriginalSchema(req.SetID), table); err != nil {
			return err
		}
		if result.Entry, err = s.history.WriteToHistory(ctx, req.SetID, table, table, "", nil, models.TypeCopyTable); err != nil {
			return err
		}
		return s.datasets.Touch(ctx, req.SetID)
	})
	if err != nil {
		s.logger.Error("Upload failed",
			zap.Int64("setid", req.SetID),
			zap.String("table", table),
			zap.String("format", format),
			zap.Error(err))
		return nil, err
	}

	metrics.UploadedRowsTotal.WithLabelValues(format).Add(float64(result.Rows))
	s.logger.Info("Uploaded table",
		zap.Int64("setid", req.SetID),
		zap.String("table", table),
		zap.Int("columns", len(columns)),
		zap.Int64("rows", result.Rows))
	return result, nil
}

func (s *uploadService) load(ctx context.Context, schema, table string, columns []string, rows [][]string) (int64, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = tablestore.Quote(c) + " VARCHAR"
	}
	if _, err := q.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)",
		tablestore.Qualified(schema, table), strings.Join(defs, ", "))); err != nil {
		return 0, apperrors.FromPg(err, "", "")
	}

	n, err := q.CopyFrom(ctx, pgx.Identifier{schema, table}, columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return rowValues(rows[i], len(columns))
	}))
	if err != nil {
		return 0, fmt.Errorf("failed to load rows: %w", apperrors.FromPg(err, "", ""))
	}
	return n, nil
}

// rowValues pads short rows with NULLs and maps empty cells to NULL.
func rowValues(row []string, width int) ([]any, error) {
	if len(row) > width {
		return nil, apperrors.NewValueError("file", "row has %d values but there are %d columns", len(row), width)
	}
	values := make([]any, width)
	for i, v := range row {
		if v != "" {
			values[i] = v
		}
	}
	return values, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, apperrors.NewValueError("file", "%s", parseErr.Error())
		}
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

// readXLSX reads the first sheet.
func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperrors.NewValueError("file", "not a readable xlsx workbook: %v", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, apperrors.NewValueError("file", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

// splitHeader derives column names and returns the data rows. Without a header
// the columns are named column_1..column_N after the widest row.
func splitHeader(records [][]string, header bool) ([]string, [][]string, error) {
	if len(records) == 0 {
		return nil, nil, apperrors.NewValueError("file", "file is empty")
	}

	if !header {
		width := 0
		for _, r := range records {
			width = max(width, len(r))
		}
		columns := make([]string, width)
		for i := range columns {
			columns[i] = fmt.Sprintf("column_%d", i+1)
		}
		return columns, records, nil
	}

	columns := make([]string, 0, len(records[0]))
	for i, raw := range records[0] {
		name := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if err := transform.ValidateName("column", name); err != nil {
			return nil, nil, err
		}
		if slices.Contains(columns, name) {
			name = tablestore.NextName(name, columns)
		}
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return nil, nil, apperrors.NewValueError("file", "header row is empty")
	}
	return columns, records[1:], nil
}
