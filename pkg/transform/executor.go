package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/logging"
	"github.com/wrangle-io/wrangle-engine/pkg/metrics"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// Mode selects whether a transformation mutates its table or a fresh copy of it.
type Mode int

const (
	ModeOverwrite Mode = iota
	ModeCopy
)

// ParseMode accepts "overwrite" (the default) and "copy".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "overwrite":
		return ModeOverwrite, nil
	case "copy":
		return ModeCopy, nil
	}
	return ModeOverwrite, apperrors.NewValueError("mode", "must be overwrite or copy, got %q", s)
}

func (m Mode) String() string {
	if m == ModeCopy {
		return "copy"
	}
	return "overwrite"
}

// Recorder receives every successful transformation. The history ledger implements it.
type Recorder interface {
	WriteToHistory(ctx context.Context, setID int64, table, origin, attribute string, params []string, t models.TransformationType) (*models.HistoryEntry, error)
}

// Request is one transformation of one table.
type Request struct {
	SetID     int64
	Table     string
	Attribute string
	Op        Transformation
	Mode      Mode
	// NewName names the copy in ModeCopy. Empty picks <table>_N.
	NewName string
}

// Result reports where the transformation landed and what was recorded.
type Result struct {
	Table      string               `json:"table"`
	Parameters []string             `json:"parameters"`
	Entry      *models.HistoryEntry `json:"entry,omitempty"`
}

// Executor applies transformations inside the caller's transaction.
type Executor struct {
	store    tablestore.Store
	recorder Recorder
	limits   Limits
	logger   *zap.Logger
}

// NewExecutor returns an executor that reports to recorder. A nil recorder disables tracking.
func NewExecutor(store tablestore.Store, recorder Recorder, limits Limits, logger *zap.Logger) *Executor {
	return &Executor{
		store:    store,
		recorder: recorder,
		limits:   limits,
		logger:   logger.Named("transform-executor"),
	}
}

// WithRecorder returns a copy of the executor reporting to r instead.
// Undo replays through an executor whose recorder has tracking disabled.
func (x *Executor) WithRecorder(r Recorder) *Executor {
	clone := *x
	clone.recorder = r
	return &clone
}

// Apply runs req.Op in a savepoint. On failure nothing survives: in copy mode the
// fresh copy is rolled back together with the partial changes, and no history is written.
func (x *Executor) Apply(ctx context.Context, req Request) (*Result, error) {
	if req.Op == nil {
		return nil, apperrors.NewValueError("transformation_type", "missing transformation")
	}
	if err := x.validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *Result
	err := database.WithTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = x.apply(ctx, req)
		return err
	})

	metrics.ObserveTransformation(req.Op.Type().String(), req.Mode.String(), time.Since(start), err)
	if err != nil {
		fields := []zap.Field{
			zap.Int64("setid", req.SetID),
			zap.String("table", req.Table),
			zap.String("attribute", req.Attribute),
			zap.String("type", req.Op.Type().String()),
			zap.String("mode", req.Mode.String()),
			zap.Error(err),
		}
		if rq, ok := req.Op.(RawQuery); ok {
			fields = append(fields, zap.String("query", logging.SanitizeQuery(rq.Query)))
		}
		// Rejected input is the caller's problem, not the engine's.
		if apperrors.IsUserError(err) {
			x.logger.Info("Transformation rejected", fields...)
		} else {
			x.logger.Error("Transformation failed", fields...)
		}
		return nil, err
	}
	return result, nil
}

func (x *Executor) validate(req Request) error {
	if err := ValidateName("table", req.Table); err != nil {
		return err
	}
	if requiresOf(req.Op) != kindNone && req.Attribute == "" {
		return apperrors.NewValueError("attribute", "%s needs an attribute", req.Op.Type())
	}
	switch req.Op.Type() {
	case models.TypeRawQuery:
		if req.Mode == ModeCopy {
			return apperrors.NewValueError("mode", "queries can only run in place")
		}
	case models.TypeCopyTable:
		if req.Mode != ModeCopy {
			return apperrors.NewValueError("mode", "copying a table needs copy mode")
		}
	}
	if v, ok := req.Op.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return err
		}
	}
	if oc, ok := req.Op.(interface{ outputColumn(attr string) string }); ok {
		return CheckDerivedName("attribute", oc.outputColumn(req.Attribute))
	}
	return nil
}

func (x *Executor) apply(ctx context.Context, req Request) (*Result, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	schema := models.WorkingSchema(req.SetID)

	exists, err := x.store.TableExists(ctx, schema, req.Table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("table %q: %w", req.Table, apperrors.ErrNotFound)
	}

	e := &env{q: q, schema: schema, table: req.Table, attribute: req.Attribute, limits: x.limits}
	if kind := requiresOf(req.Op); kind != kindNone {
		if e.dataType, err = x.checkAttribute(ctx, schema, req.Table, req.Attribute, kind); err != nil {
			return nil, err
		}
	}

	if req.Mode == ModeCopy {
		if e.table, err = x.copyTarget(ctx, schema, req); err != nil {
			return nil, err
		}
		if err := x.store.CopyTable(ctx, schema, req.Table, schema, e.table); err != nil {
			return nil, err
		}
	}

	if err := req.Op.apply(ctx, e); err != nil {
		if req.Mode == ModeCopy {
			x.logger.Debug("Discarding copy after failed transformation", zap.String("copy", e.table))
		}
		return nil, err
	}

	result := &Result{Table: e.table, Parameters: req.Op.Params()}
	if x.recorder != nil {
		entry, err := x.recorder.WriteToHistory(ctx, req.SetID, e.table, req.Table, req.Attribute, result.Parameters, req.Op.Type())
		if err != nil && !errors.Is(err, apperrors.ErrTrackingOff) {
			return nil, fmt.Errorf("failed to record transformation: %w", err)
		}
		result.Entry = entry
	}
	return result, nil
}

func (x *Executor) copyTarget(ctx context.Context, schema string, req Request) (string, error) {
	if req.NewName == "" {
		name, err := x.store.UniqueName(ctx, schema, req.Table)
		if err != nil {
			return "", err
		}
		if err := CheckDerivedName("table", name); err != nil {
			return "", err
		}
		return name, nil
	}
	if err := ValidateName("new_name", req.NewName); err != nil {
		return "", err
	}
	taken, err := x.store.TableExists(ctx, schema, req.NewName)
	if err != nil {
		return "", err
	}
	if taken {
		return "", fmt.Errorf("table %q already exists: %w", req.NewName, apperrors.ErrConflict)
	}
	return req.NewName, nil
}

func (x *Executor) checkAttribute(ctx context.Context, schema, table, attribute string, kind attributeKind) (string, error) {
	dataType, err := x.store.ColumnType(ctx, schema, table, attribute)
	if err != nil {
		return "", err
	}
	switch {
	case kind == kindNumeric && !tablestore.IsNumeric(dataType):
		return "", &apperrors.AttrTypeError{Table: table, Attribute: attribute, Actual: dataType, Expected: "a numeric type"}
	case kind == kindTemporal && !tablestore.IsTemporal(dataType):
		return "", &apperrors.AttrTypeError{Table: table, Attribute: attribute, Actual: dataType, Expected: "a date or timestamp"}
	}
	return dataType, nil
}
