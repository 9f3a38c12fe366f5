package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/repositories"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// joinMarker is the first parameter of creation entries written by joins.
const joinMarker = "join"

var joinKinds = map[string]string{
	"inner": "INNER JOIN",
	"left":  "LEFT JOIN",
	"right": "RIGHT JOIN",
	"full":  "FULL OUTER JOIN",
}

// JoinRequest joins Left and Right on LeftOn = RightOn into a new table.
type JoinRequest struct {
	Left    string `json:"left"`
	Right   string `json:"right"`
	LeftOn  string `json:"left_on"`
	RightOn string `json:"right_on"`
	// Kind is inner (default), left, right or full.
	Kind string `json:"kind"`
	// NewName defaults to <left>_<right>.
	NewName string `json:"new_name"`
}

// JoinService creates derived tables from two working tables.
type JoinService interface {
	Join(ctx context.Context, setID int64, req JoinRequest) (*transform.Result, error)
}

type joinService struct {
	datasets repositories.DatasetRepository
	history  HistoryService
	store    tablestore.Store
	logger   *zap.Logger
}

func NewJoinService(datasets repositories.DatasetRepository, history HistoryService, store tablestore.Store, logger *zap.Logger) JoinService {
	return &joinService{
		datasets: datasets,
		history:  history,
		store:    store,
		logger:   logger.Named("join-service"),
	}
}

var _ JoinService = (*joinService)(nil)

func (s *joinService) Join(ctx context.Context, setID int64, req JoinRequest) (*transform.Result, error) {
	if req.Kind == "" {
		req.Kind = "inner"
	}
	joinSQL, ok := joinKinds[strings.ToLower(req.Kind)]
	if !ok {
		return nil, apperrors.NewValueError("kind", "must be inner, left, right or full, got %q", req.Kind)
	}
	if req.NewName == "" {
		req.NewName = req.Left + "_" + req.Right
	}
	for field, name := range map[string]string{
		"left": req.Left, "right": req.Right, "left_on": req.LeftOn, "right_on": req.RightOn, "new_name": req.NewName,
	} {
		if err := transform.ValidateName(field, name); err != nil {
			return nil, err
		}
	}

	params := []string{joinMarker, req.Right, strings.ToLower(req.Kind), req.LeftOn, req.RightOn}
	result := &transform.Result{Table: req.NewName, Parameters: params}

	err := database.WithTx(ctx, func(ctx context.Context) error {
		if err := database.LockTable(ctx, setID, req.NewName); err != nil {
			return err
		}
		schema := models.WorkingSchema(setID)

		taken, err := s.store.TableExists(ctx, schema, req.NewName)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("table %q already exists: %w", req.NewName, apperrors.ErrConflict)
		}

		left, err := s.columns(ctx, schema, req.Left, req.LeftOn)
		if err != nil {
			return err
		}
		right, err := s.columns(ctx, schema, req.Right, req.RightOn)
		if err != nil {
			return err
		}

		columns, err := selectList(left, right, req.Right)
		if err != nil {
			return err
		}
		q, err := database.QuerierFrom(ctx)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s AS l %s %s AS r ON l.%s = r.%s",
			tablestore.Qualified(schema, req.NewName),
			columns,
			tablestore.Qualified(schema, req.Left),
			joinSQL,
			tablestore.Qualified(schema, req.Right),
			tablestore.Quote(req.LeftOn),
			tablestore.Quote(req.RightOn))
		if _, err := q.Exec(ctx, stmt); err != nil {
			return apperrors.FromPg(err, req.LeftOn, "")
		}

		if result.Entry, err = s.history.WriteToHistory(ctx, setID, req.NewName, req.Left, "", params, models.TypeCopyTable); err != nil {
			return err
		}
		return s.datasets.Touch(ctx, setID)
	})
	if err != nil {
		s.logger.Error("Join failed",
			zap.Int64("setid", setID),
			zap.String("left", req.Left),
			zap.String("right", req.Right),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (s *joinService) columns(ctx context.Context, schema, table, key string) ([]string, error) {
	cols, err := s.store.Columns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q: %w", table, apperrors.ErrNotFound)
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	if !slices.Contains(names, key) {
		return nil, fmt.Errorf("attribute %q of table %q: %w", key, table, apperrors.ErrNotFound)
	}
	return names, nil
}

// selectList keeps left column names and prefixes clashing right columns with the right table's name.
func selectList(left, right []string, rightTable string) (string, error) {
	taken := make(map[string]bool, len(left)+len(right))
	items := make([]string, 0, len(left)+len(right))
	for _, c := range left {
		taken[c] = true
		items = append(items, "l."+tablestore.Quote(c))
	}
	for _, c := range right {
		alias := c
		if taken[alias] {
			alias = rightTable + "_" + c
		}
		for taken[alias] {
			alias += "_r"
		}
		if err := transform.CheckDerivedName("right", alias); err != nil {
			return "", err
		}
		taken[alias] = true
		items = append(items, fmt.Sprintf("r.%s AS %s", tablestore.Quote(c), tablestore.Quote(alias)))
	}
	return strings.Join(items, ", "), nil
}
