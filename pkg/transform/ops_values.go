package transform

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/sql"
)

// DeleteOutliers deletes rows whose attribute is above (Larger) or below Value.
type DeleteOutliers struct {
	Larger bool
	Value  float64
}

func (d DeleteOutliers) Type() models.TransformationType { return models.TypeDeleteOutliers }
func (d DeleteOutliers) Params() []string {
	return []string{formatBool(d.Larger), formatFloat(d.Value)}
}
func (d DeleteOutliers) Describe(attr string) string {
	if d.Larger {
		return fmt.Sprintf("Deleted rows where %s is larger than %s", attr, formatFloat(d.Value))
	}
	return fmt.Sprintf("Deleted rows where %s is smaller than %s", attr, formatFloat(d.Value))
}
func (DeleteOutliers) requires() attributeKind { return kindNumeric }

func (d DeleteOutliers) apply(ctx context.Context, e *env) error {
	op := "<"
	if d.Larger {
		op = ">"
	}
	_, err := e.q.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s %s $1::double precision",
		e.rel(), tablestore.Quote(e.attribute), op), d.Value)
	return apperrors.FromPg(err, e.attribute, "")
}

// FindReplace replaces a literal value. Exact replaces whole values equal to Value;
// otherwise every occurrence of Value as a substring is replaced.
type FindReplace struct {
	Value       string
	Replacement string
	Exact       bool
}

func (f FindReplace) Type() models.TransformationType { return models.TypeFindReplace }
func (f FindReplace) Params() []string {
	return []string{f.Value, f.Replacement, formatBool(f.Exact)}
}
func (f FindReplace) Describe(attr string) string {
	if f.Exact {
		return fmt.Sprintf("Replaced values %q with %q in %s", f.Value, f.Replacement, attr)
	}
	return fmt.Sprintf("Replaced occurrences of %q with %q in %s", f.Value, f.Replacement, attr)
}
func (FindReplace) requires() attributeKind { return kindAny }

func (f FindReplace) validate() error {
	if !f.Exact && !isAlphanumeric(f.Value) {
		return apperrors.NewValueError("value", "substring replacement needs an alphanumeric search value, got %q", f.Value)
	}
	return nil
}

func (f FindReplace) apply(ctx context.Context, e *env) error {
	if err := f.validate(); err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	var stmt string
	if f.Exact {
		stmt = fmt.Sprintf("UPDATE %s SET %s = ($2::text)::%s WHERE %s::text = $1",
			e.rel(), col, castType(e.dataType), col)
	} else {
		stmt = fmt.Sprintf("UPDATE %s SET %s = replace(%s::text, $1, $2)::%s WHERE strpos(%s::text, $1) > 0",
			e.rel(), col, col, castType(e.dataType), col)
	}
	_, err := e.q.Exec(ctx, stmt, f.Value, f.Replacement)
	return apperrors.FromPg(err, e.attribute, e.dataType)
}

// RegexReplace replaces every match of Pattern (PostgreSQL regular expression syntax).
type RegexReplace struct {
	Pattern       string
	Replacement   string
	CaseSensitive bool
}

func (r RegexReplace) Type() models.TransformationType { return models.TypeRegexReplace }
func (r RegexReplace) Params() []string {
	return []string{r.Pattern, r.Replacement, formatBool(r.CaseSensitive)}
}
func (r RegexReplace) Describe(attr string) string {
	return fmt.Sprintf("Replaced matches of /%s/ with %q in %s", r.Pattern, r.Replacement, attr)
}
func (RegexReplace) requires() attributeKind { return kindAny }

func (r RegexReplace) validate() error {
	if r.Pattern == "" {
		return apperrors.NewValueError("pattern", "must not be empty")
	}
	return nil
}

func (r RegexReplace) apply(ctx context.Context, e *env) error {
	col := tablestore.Quote(e.attribute)
	flags, match := "g", "~"
	if !r.CaseSensitive {
		flags, match = "gi", "~*"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = regexp_replace(%s::text, $1, $2, '%s')::%s WHERE %s::text %s $1",
		e.rel(), col, col, flags, castType(e.dataType), col, match)
	_, err := e.q.Exec(ctx, stmt, r.Pattern, r.Replacement)
	return apperrors.FromPg(err, e.attribute, e.dataType)
}

// FillNullCustom fills missing values with a constant.
type FillNullCustom struct {
	Value string
}

func (f FillNullCustom) Type() models.TransformationType { return models.TypeFillNullCustom }
func (f FillNullCustom) Params() []string                { return []string{f.Value} }
func (f FillNullCustom) Describe(attr string) string {
	return fmt.Sprintf("Filled missing values of %s with %q", attr, f.Value)
}
func (FillNullCustom) requires() attributeKind { return kindAny }

func (f FillNullCustom) apply(ctx context.Context, e *env) error {
	col := tablestore.Quote(e.attribute)
	_, err := e.q.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s = ($1::text)::%s WHERE %s IS NULL",
		e.rel(), col, castType(e.dataType), col), f.Value)
	return apperrors.FromPg(err, e.attribute, e.dataType)
}

// FillNullMean fills missing values with the attribute's mean.
type FillNullMean struct{}

func (FillNullMean) Type() models.TransformationType { return models.TypeFillNullMean }
func (FillNullMean) Params() []string                { return []string{} }
func (FillNullMean) Describe(attr string) string {
	return fmt.Sprintf("Filled missing values of %s with the mean", attr)
}
func (FillNullMean) requires() attributeKind { return kindNumeric }

func (FillNullMean) apply(ctx context.Context, e *env) error {
	return fillWith(ctx, e, "avg(%s)")
}

// FillNullMedian fills missing values with the attribute's median.
type FillNullMedian struct{}

func (FillNullMedian) Type() models.TransformationType { return models.TypeFillNullMedian }
func (FillNullMedian) Params() []string                { return []string{} }
func (FillNullMedian) Describe(attr string) string {
	return fmt.Sprintf("Filled missing values of %s with the median", attr)
}
func (FillNullMedian) requires() attributeKind { return kindNumeric }

func (FillNullMedian) apply(ctx context.Context, e *env) error {
	return fillWith(ctx, e, "percentile_cont(0.5) WITHIN GROUP (ORDER BY %s)")
}

func fillWith(ctx context.Context, e *env, aggregate string) error {
	col := tablestore.Quote(e.attribute)
	agg := fmt.Sprintf(aggregate, col)
	stmt := fmt.Sprintf("UPDATE %s SET %s = (SELECT %s FROM %s) WHERE %s IS NULL",
		e.rel(), col, agg, e.rel(), col)
	_, err := e.q.Exec(ctx, stmt)
	return apperrors.FromPg(err, e.attribute, e.dataType)
}

var deleteOperators = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"LIKE": true, "NOT LIKE": true, "IS NULL": true, "IS NOT NULL": true,
}

// DeleteRows deletes rows where `attribute Operator Value` holds.
type DeleteRows struct {
	Operator string
	Value    string
}

func (d DeleteRows) Type() models.TransformationType { return models.TypeDeleteRows }
func (d DeleteRows) Params() []string                { return []string{d.Operator, d.Value} }
func (d DeleteRows) Describe(attr string) string {
	if d.unary() {
		return fmt.Sprintf("Deleted rows where %s %s", attr, d.Operator)
	}
	return fmt.Sprintf("Deleted rows where %s %s %q", attr, d.Operator, d.Value)
}
func (DeleteRows) requires() attributeKind { return kindAny }

func (d DeleteRows) unary() bool {
	return strings.HasPrefix(strings.ToUpper(d.Operator), "IS ")
}

func (d DeleteRows) validate() error {
	if !deleteOperators[strings.ToUpper(d.Operator)] {
		return apperrors.NewValueError("operator", "unsupported predicate operator %q", d.Operator)
	}
	if d.unary() {
		return nil
	}
	if m := sql.CheckPredicateValue("value", d.Value); m != nil {
		return apperrors.NewValueError(m.Field, "rejected predicate value (pattern %s)", m.Fingerprint)
	}
	return nil
}

func (d DeleteRows) apply(ctx context.Context, e *env) error {
	if err := d.validate(); err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	op := strings.ToUpper(d.Operator)

	var (
		stmt string
		args []any
	)
	switch {
	case d.unary():
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s %s", e.rel(), col, op)
	case op == "LIKE" || op == "NOT LIKE":
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s::text %s $1", e.rel(), col, op)
		args = append(args, d.Value)
	default:
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s %s ($1::text)::%s", e.rel(), col, op, castType(e.dataType))
		args = append(args, d.Value)
	}
	_, err := e.q.Exec(ctx, stmt, args...)
	return apperrors.FromPg(err, e.attribute, e.dataType)
}

// RawQuery runs a single user statement with the working schema as the only search path entry.
type RawQuery struct {
	Query string
}

func (r RawQuery) Type() models.TransformationType { return models.TypeRawQuery }
func (r RawQuery) Params() []string                { return []string{r.Query} }
func (r RawQuery) Describe(string) string          { return fmt.Sprintf("Ran query: %s", r.Query) }

func (r RawQuery) validate() error {
	stmt := sql.NormalizeStatement(r.Query)
	if stmt.Error != nil {
		return &apperrors.ValueError{Field: "query", Message: stmt.Error.Error()}
	}
	if stmt.Empty() {
		return apperrors.NewValueError("query", "must not be empty")
	}
	if err := sql.CheckDatasetStatement(stmt.SQL); err != nil {
		return &apperrors.ValueError{Field: "query", Message: err.Error()}
	}
	return nil
}

func (r RawQuery) apply(ctx context.Context, e *env) error {
	if err := r.validate(); err != nil {
		return err
	}
	stmt := sql.NormalizeStatement(r.Query)

	var previous string
	if err := e.q.QueryRow(ctx, "SELECT current_setting('search_path')").Scan(&previous); err != nil {
		return fmt.Errorf("failed to read search_path: %w", err)
	}
	if _, err := e.q.Exec(ctx, "SELECT set_config('search_path', $1, true)", tablestore.Quote(e.schema)); err != nil {
		return fmt.Errorf("failed to set search_path: %w", err)
	}

	_, runErr := e.q.Exec(ctx, stmt.SQL)

	if _, err := e.q.Exec(ctx, "SELECT set_config('search_path', $1, true)", previous); err != nil && runErr == nil {
		return fmt.Errorf("failed to restore search_path: %w", err)
	}
	return apperrors.FromPg(runErr, "", "")
}

// castType is the type name used to cast text back into the attribute's column type.
func castType(dataType string) string {
	switch strings.ToLower(dataType) {
	case "", "user-defined", "array":
		return "text"
	}
	return dataType
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
