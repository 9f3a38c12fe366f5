package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// conversionTargets maps accepted spellings to the canonical SQL type stored in the ledger.
var conversionTargets = map[string]string{
	"int":              "integer",
	"integer":          "integer",
	"bigint":           "bigint",
	"float":            "double precision",
	"double":           "double precision",
	"double precision": "double precision",
	"numeric":          "numeric",
	"decimal":          "numeric",
	"text":             "text",
	"varchar":          "character varying",
	"string":           "character varying",
	"boolean":          "boolean",
	"bool":             "boolean",
	"date":             "date",
	"timestamp":        "timestamp without time zone",
	"datetime":         "timestamp without time zone",
	"timestamptz":      "timestamp with time zone",
}

// CanonicalType resolves a user-facing type name to the SQL type used for conversion.
func CanonicalType(name string) (string, error) {
	t, ok := conversionTargets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		for _, canonical := range conversionTargets {
			if canonical == strings.ToLower(name) {
				return canonical, nil
			}
		}
		return "", apperrors.NewValueError("target", "unsupported type %q", name)
	}
	return t, nil
}

// CopyTable is the creation entry of a table produced by copying another one.
// Applied in copy mode it leaves the fresh copy untouched.
type CopyTable struct{}

func (CopyTable) Type() models.TransformationType { return models.TypeCopyTable }
func (CopyTable) Params() []string                { return []string{} }
func (CopyTable) Describe(string) string          { return "Created table" }
func (CopyTable) apply(context.Context, *env) error {
	return nil
}

// ConvertType changes the attribute's column type, failing on values that do not cast.
type ConvertType struct {
	Target string
}

func (c ConvertType) Type() models.TransformationType { return models.TypeConvertType }
func (c ConvertType) Params() []string                { return []string{c.Target} }
func (c ConvertType) Describe(attr string) string {
	return fmt.Sprintf("Converted %s to %s", attr, c.Target)
}
func (ConvertType) requires() attributeKind { return kindAny }

func (c ConvertType) validate() error {
	_, err := CanonicalType(c.Target)
	return err
}

func (c ConvertType) apply(ctx context.Context, e *env) error {
	target, err := CanonicalType(c.Target)
	if err != nil {
		return err
	}
	return alterType(ctx, e, target)
}

func alterType(ctx context.Context, e *env, target string) error {
	col := tablestore.Quote(e.attribute)
	// The text hop lets booleans and dates cast to types they have no direct cast to.
	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING NULLIF(trim(%s::text), '')::%s",
		e.rel(), col, target, col, target)
	if _, err := e.q.Exec(ctx, stmt); err != nil {
		return apperrors.FromPg(err, e.attribute, target)
	}
	return nil
}

// Force conversion actions for values that do not cast.
const (
	ForceDelete = "delete"
	ForceNull   = "null"
)

// ForceConvertType first deletes or nulls the rows whose value cannot be cast, then converts.
type ForceConvertType struct {
	Target string
	Action string
}

func (f ForceConvertType) Type() models.TransformationType { return models.TypeForceConvertType }
func (f ForceConvertType) Params() []string                { return []string{f.Target, f.Action} }
func (f ForceConvertType) Describe(attr string) string {
	if f.Action == ForceDelete {
		return fmt.Sprintf("Forced %s to %s, deleting rows that did not convert", attr, f.Target)
	}
	return fmt.Sprintf("Forced %s to %s, emptying values that did not convert", attr, f.Target)
}
func (ForceConvertType) requires() attributeKind { return kindAny }

func (f ForceConvertType) validate() error {
	if _, err := CanonicalType(f.Target); err != nil {
		return err
	}
	if f.Action != ForceDelete && f.Action != ForceNull {
		return apperrors.NewValueError("action", "must be %q or %q", ForceDelete, ForceNull)
	}
	return nil
}

func (f ForceConvertType) apply(ctx context.Context, e *env) error {
	target, err := CanonicalType(f.Target)
	if err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	invalid := fmt.Sprintf("NULLIF(trim(%s::text), '') IS NOT NULL AND NOT pg_input_is_valid(trim(%s::text), $1)", col, col)

	var stmt string
	if f.Action == ForceDelete {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s", e.rel(), invalid)
	} else {
		stmt = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s", e.rel(), col, invalid)
	}
	if _, err := e.q.Exec(ctx, stmt, target); err != nil {
		return apperrors.FromPg(err, e.attribute, target)
	}
	return alterType(ctx, e, target)
}

// DeleteAttribute drops the attribute's column.
type DeleteAttribute struct{}

func (DeleteAttribute) Type() models.TransformationType { return models.TypeDeleteAttribute }
func (DeleteAttribute) Params() []string                { return []string{} }
func (DeleteAttribute) Describe(attr string) string     { return fmt.Sprintf("Deleted attribute %s", attr) }
func (DeleteAttribute) requires() attributeKind         { return kindAny }

func (DeleteAttribute) apply(ctx context.Context, e *env) error {
	_, err := e.q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", e.rel(), tablestore.Quote(e.attribute)))
	return apperrors.FromPg(err, e.attribute, "")
}

// RenameAttribute renames the attribute's column.
type RenameAttribute struct {
	NewName string
}

func (r RenameAttribute) Type() models.TransformationType { return models.TypeRenameAttribute }
func (r RenameAttribute) Params() []string                { return []string{r.NewName} }
func (r RenameAttribute) Describe(attr string) string {
	return fmt.Sprintf("Renamed %s to %s", attr, r.NewName)
}
func (RenameAttribute) requires() attributeKind { return kindAny }

func (r RenameAttribute) validate() error {
	return ValidateName("new_name", r.NewName)
}

func (r RenameAttribute) apply(ctx context.Context, e *env) error {
	_, err := e.q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		e.rel(), tablestore.Quote(e.attribute), tablestore.Quote(r.NewName)))
	return apperrors.FromPg(err, e.attribute, "")
}

// OneHot adds one 0/1 integer column per distinct value of the attribute.
type OneHot struct{}

func (OneHot) Type() models.TransformationType { return models.TypeOneHot }
func (OneHot) Params() []string                { return []string{} }
func (OneHot) Describe(attr string) string     { return fmt.Sprintf("One-hot encoded %s", attr) }
func (OneHot) requires() attributeKind         { return kindAny }

func (OneHot) apply(ctx context.Context, e *env) error {
	col := tablestore.Quote(e.attribute)
	rows, err := e.q.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT %s::text AS v FROM %s WHERE %s IS NOT NULL ORDER BY v", col, e.rel(), col))
	if err != nil {
		return apperrors.FromPg(err, e.attribute, "")
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to read distinct values: %w", err)
	}
	if e.limits.MaxOneHotValues > 0 && len(values) > e.limits.MaxOneHotValues {
		return apperrors.NewValueError("attribute", "%s has %d distinct values, more than the %d allowed for one-hot encoding",
			e.attribute, len(values), e.limits.MaxOneHotValues)
	}

	for _, v := range values {
		if err := CheckDerivedName("attribute", e.attribute+"_"+v); err != nil {
			return err
		}
	}
	for _, v := range values {
		name := tablestore.Quote(e.attribute + "_" + v)
		if _, err := e.q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s integer NOT NULL DEFAULT 0", e.rel(), name)); err != nil {
			return apperrors.FromPg(err, e.attribute, "")
		}
		if _, err := e.q.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s = 1 WHERE %s::text = $1", e.rel(), name, col), v); err != nil {
			return apperrors.FromPg(err, e.attribute, "")
		}
	}
	return nil
}

// Deduplicate removes duplicate rows, keeping one of each.
type Deduplicate struct{}

func (Deduplicate) Type() models.TransformationType { return models.TypeDeduplicate }
func (Deduplicate) Params() []string                { return []string{} }
func (Deduplicate) Describe(string) string          { return "Removed duplicate rows" }

func (Deduplicate) apply(ctx context.Context, e *env) error {
	tmp := tablestore.Quote("dedup_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	stmts := []string{
		fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT DISTINCT * FROM %s", tmp, e.rel()),
		fmt.Sprintf("DELETE FROM %s", e.rel()),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", e.rel(), tmp),
		fmt.Sprintf("DROP TABLE %s", tmp),
	}
	for _, stmt := range stmts {
		if _, err := e.q.Exec(ctx, stmt); err != nil {
			return apperrors.FromPg(err, "", "")
		}
	}
	return nil
}

func (e *env) rel() string {
	return tablestore.Qualified(e.schema, e.table)
}

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1. Longer names are silently truncated.
const maxIdentifierLength = 63

// ValidateName rejects names PostgreSQL cannot hold as identifiers.
func ValidateName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.NewValueError(field, "must not be empty")
	}
	if len(name) > maxIdentifierLength {
		return apperrors.NewValueError(field, "must be at most %d bytes", maxIdentifierLength)
	}
	return nil
}

// CheckDerivedName rejects a name built from a user-supplied one that would not fit
// in an identifier, so the stored name never differs from the physical one.
func CheckDerivedName(field, name string) error {
	if len(name) > maxIdentifierLength {
		return apperrors.NewValueError(field, "derived name %q is longer than %d bytes", name, maxIdentifierLength)
	}
	return nil
}
