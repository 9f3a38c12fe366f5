package transform

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wrangle-io/wrangle-engine/pkg/adapters/tablestore"
	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// Derived column suffixes.
const (
	categoricalSuffix = "_categorical"
	normalizedSuffix  = "_norm"
)

// DiscretizeCustom adds <attr>_categorical labelling each value with the custom range it falls in.
// Ranges are ascending boundaries; the last range is closed on both ends.
type DiscretizeCustom struct {
	Ranges []float64
}

func (d DiscretizeCustom) Type() models.TransformationType { return models.TypeDiscretizeCustom }
func (d DiscretizeCustom) Params() []string {
	out := make([]string, len(d.Ranges))
	for i, r := range d.Ranges {
		out[i] = formatFloat(r)
	}
	return out
}
func (d DiscretizeCustom) Describe(attr string) string {
	return fmt.Sprintf("Discretized %s into %s (%s)", attr, countOf(len(d.Ranges)-1, "custom range"), strings.Join(d.Params(), ", "))
}
func (DiscretizeCustom) requires() attributeKind { return kindNumeric }
func (DiscretizeCustom) outputColumn(attr string) string { return attr + categoricalSuffix }

func (d DiscretizeCustom) validate() error {
	if len(d.Ranges) < 2 {
		return apperrors.NewValueError("ranges", "need at least two boundaries")
	}
	for _, r := range d.Ranges {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return apperrors.NewValueError("ranges", "boundary %s is not a finite number", formatFloat(r))
		}
	}
	if !sort.Float64sAreSorted(d.Ranges) {
		return apperrors.NewValueError("ranges", "boundaries must be ascending")
	}
	for i := 1; i < len(d.Ranges); i++ {
		if d.Ranges[i] == d.Ranges[i-1] {
			return apperrors.NewValueError("ranges", "boundary %s is repeated", formatFloat(d.Ranges[i]))
		}
	}
	return nil
}

func (d DiscretizeCustom) apply(ctx context.Context, e *env) error {
	if err := d.validate(); err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	target, err := addColumn(ctx, e, d.outputColumn(e.attribute), "text")
	if err != nil {
		return err
	}

	var cases strings.Builder
	args := make([]any, 0, len(d.Ranges))
	for i := 0; i+1 < len(d.Ranges); i++ {
		lo, hi := formatFloat(d.Ranges[i]), formatFloat(d.Ranges[i+1])
		upper, label := "<", fmt.Sprintf("[%s, %s[", lo, hi)
		if i+2 == len(d.Ranges) {
			upper, label = "<=", fmt.Sprintf("[%s, %s]", lo, hi)
		}
		args = append(args, label)
		fmt.Fprintf(&cases, " WHEN %s >= %s AND %s %s %s THEN $%d", col, lo, col, upper, hi, len(args))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = CASE%s END", e.rel(), target, cases.String())
	_, err = e.q.Exec(ctx, stmt, args...)
	return apperrors.FromPg(err, e.attribute, "")
}

// DiscretizeEqualFrequency adds <attr>_categorical splitting values into Bins buckets of
// equal row count, each labelled with its [min, max].
type DiscretizeEqualFrequency struct {
	Bins int
}

func (d DiscretizeEqualFrequency) Type() models.TransformationType {
	return models.TypeDiscretizeEqualFreq
}
func (d DiscretizeEqualFrequency) Params() []string { return []string{fmt.Sprint(d.Bins)} }
func (d DiscretizeEqualFrequency) Describe(attr string) string {
	return fmt.Sprintf("Discretized %s into %s", attr, countOf(d.Bins, "equal-frequency bin"))
}
func (DiscretizeEqualFrequency) requires() attributeKind { return kindNumeric }
func (DiscretizeEqualFrequency) outputColumn(attr string) string {
	return attr + categoricalSuffix
}

func (d DiscretizeEqualFrequency) validate() error {
	return validateBins(d.Bins)
}

func (d DiscretizeEqualFrequency) apply(ctx context.Context, e *env) error {
	if err := d.validate(); err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	target, err := addColumn(ctx, e, d.outputColumn(e.attribute), "text")
	if err != nil {
		return err
	}
	// Ties are broken on the whole row so that replaying yields the same buckets.
	stmt := fmt.Sprintf(`
		WITH b AS (
			SELECT t.ctid AS rid, %[2]s AS v, ntile($1) OVER (ORDER BY %[2]s, t::text) AS bucket
			FROM %[1]s AS t WHERE %[2]s IS NOT NULL
		), l AS (
			SELECT rid, min(v) OVER (PARTITION BY bucket) AS lo, max(v) OVER (PARTITION BY bucket) AS hi FROM b
		)
		UPDATE %[1]s AS t SET %[3]s = '[' || l.lo || ', ' || l.hi || ']'
		FROM l WHERE t.ctid = l.rid`, e.rel(), col, target)
	_, err = e.q.Exec(ctx, stmt, d.Bins)
	return apperrors.FromPg(err, e.attribute, "")
}

// DiscretizeEqualWidth adds <attr>_categorical splitting the value range into Bins intervals of equal width.
type DiscretizeEqualWidth struct {
	Bins int
}

func (d DiscretizeEqualWidth) Type() models.TransformationType { return models.TypeDiscretizeEqualWidth }
func (d DiscretizeEqualWidth) Params() []string                { return []string{fmt.Sprint(d.Bins)} }
func (d DiscretizeEqualWidth) Describe(attr string) string {
	return fmt.Sprintf("Discretized %s into %s", attr, countOf(d.Bins, "equal-width bin"))
}
func (DiscretizeEqualWidth) requires() attributeKind { return kindNumeric }
func (DiscretizeEqualWidth) outputColumn(attr string) string { return attr + categoricalSuffix }

func (d DiscretizeEqualWidth) validate() error {
	return validateBins(d.Bins)
}

func (d DiscretizeEqualWidth) apply(ctx context.Context, e *env) error {
	if err := d.validate(); err != nil {
		return err
	}
	col := tablestore.Quote(e.attribute)
	target, err := addColumn(ctx, e, d.outputColumn(e.attribute), "text")
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		WITH s AS (SELECT min(%[2]s)::float8 AS lo, max(%[2]s)::float8 AS hi FROM %[1]s),
		b AS (
			SELECT t.ctid AS rid,
				CASE WHEN s.hi = s.lo THEN 1 ELSE least(width_bucket(%[2]s::float8, s.lo, s.hi, $1), $1) END AS bucket,
				s.lo, s.hi
			FROM %[1]s AS t, s WHERE %[2]s IS NOT NULL
		)
		UPDATE %[1]s AS t SET %[3]s =
			'[' || (b.lo + (b.bucket - 1) * (b.hi - b.lo) / $1) || ', ' || (b.lo + b.bucket * (b.hi - b.lo) / $1) ||
			CASE WHEN b.bucket = $1 THEN ']' ELSE '[' END
		FROM b WHERE t.ctid = b.rid`, e.rel(), col, target)
	_, err = e.q.Exec(ctx, stmt, d.Bins)
	return apperrors.FromPg(err, e.attribute, "")
}

func validateBins(n int) error {
	if n < 1 {
		return apperrors.NewValueError("bins", "must be at least 1, got %d", n)
	}
	return nil
}

var dateParts = map[string]bool{
	"year": true, "quarter": true, "month": true, "week": true, "day": true,
	"dow": true, "doy": true, "hour": true, "minute": true, "second": true,
}

// ExtractDatePart adds <attr>_<part> holding one field of a date or timestamp.
type ExtractDatePart struct {
	Part string
}

func (x ExtractDatePart) Type() models.TransformationType { return models.TypeExtractDatePart }
func (x ExtractDatePart) Params() []string                { return []string{x.Part} }
func (x ExtractDatePart) Describe(attr string) string {
	return fmt.Sprintf("Extracted %s from %s", x.Part, attr)
}
func (ExtractDatePart) requires() attributeKind { return kindTemporal }
func (x ExtractDatePart) outputColumn(attr string) string {
	return attr + "_" + strings.ToLower(x.Part)
}

func (x ExtractDatePart) validate() error {
	if !dateParts[strings.ToLower(x.Part)] {
		return apperrors.NewValueError("part", "unsupported date part %q", x.Part)
	}
	return nil
}

func (x ExtractDatePart) apply(ctx context.Context, e *env) error {
	if err := x.validate(); err != nil {
		return err
	}
	part := strings.ToLower(x.Part)
	target, err := addColumn(ctx, e, x.outputColumn(e.attribute), "integer")
	if err != nil {
		return err
	}
	_, err = e.q.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s = extract(%s FROM %s)::integer",
		e.rel(), target, part, tablestore.Quote(e.attribute)))
	return apperrors.FromPg(err, e.attribute, "")
}

// ZScore adds <attr>_norm holding (value - mean) / population standard deviation.
// A constant column normalizes to 0.
type ZScore struct{}

func (ZScore) Type() models.TransformationType { return models.TypeZScore }
func (ZScore) Params() []string                { return []string{} }
func (ZScore) Describe(attr string) string     { return fmt.Sprintf("Normalized %s with z-score", attr) }
func (ZScore) requires() attributeKind         { return kindNumeric }
func (ZScore) outputColumn(attr string) string { return attr + normalizedSuffix }

func (z ZScore) apply(ctx context.Context, e *env) error {
	col := tablestore.Quote(e.attribute)
	target, err := addColumn(ctx, e, z.outputColumn(e.attribute), "double precision")
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		WITH s AS (SELECT avg(%[2]s)::float8 AS mean, stddev_pop(%[2]s)::float8 AS sd FROM %[1]s)
		UPDATE %[1]s SET %[3]s = CASE WHEN s.sd = 0 THEN 0 ELSE (%[2]s - s.mean) / s.sd END
		FROM s WHERE %[2]s IS NOT NULL`, e.rel(), col, target)
	_, err = e.q.Exec(ctx, stmt)
	return apperrors.FromPg(err, e.attribute, "")
}

func addColumn(ctx context.Context, e *env, name, sqlType string) (string, error) {
	quoted := tablestore.Quote(name)
	if _, err := e.q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", e.rel(), quoted, sqlType)); err != nil {
		return "", apperrors.FromPg(err, name, "")
	}
	return quoted, nil
}
