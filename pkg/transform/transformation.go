// Package transform applies single table transformations and encodes each one
// as the positional parameter list stored in the history ledger.
//
// Every operation is a variant of the closed Transformation interface. Params is
// the exact argument list Decode needs to rebuild the same variant, so a ledger
// entry can always be redone during undo.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// Transformation is one recorded operation on a table.
type Transformation interface {
	Type() models.TransformationType
	// Params is the lossless positional encoding read back by Decode.
	Params() []string
	// Describe renders the operation for history listings.
	Describe(attribute string) string

	apply(ctx context.Context, e *env) error
}

// attributeKind is a precondition on the attribute's column type.
type attributeKind int

const (
	kindNone attributeKind = iota
	kindAny
	kindNumeric
	kindTemporal
)

// precondition is implemented by variants that operate on one attribute.
type precondition interface {
	requires() attributeKind
}

func requiresOf(t Transformation) attributeKind {
	if p, ok := t.(precondition); ok {
		return p.requires()
	}
	return kindNone
}

// env is the table a variant is applied to.
type env struct {
	q         database.Querier
	schema    string
	table     string
	attribute string
	// dataType is the attribute's information_schema type, when the variant has an attribute.
	dataType string
	limits   Limits
}

// Limits bounds operations whose output size depends on the data.
type Limits struct {
	MaxOneHotValues int
}

// Decode rebuilds a transformation from its ledger encoding.
func Decode(t models.TransformationType, params []string) (Transformation, error) {
	d := decoder{t: t, params: params}
	var tr Transformation
	switch t {
	case models.TypeCopyTable:
		tr = CopyTable{}
	case models.TypeConvertType:
		tr = ConvertType{Target: d.str(0)}
	case models.TypeDeleteAttribute:
		tr = DeleteAttribute{}
	case models.TypeDeleteOutliers:
		tr = DeleteOutliers{Larger: d.boolean(0), Value: d.float(1)}
	case models.TypeDiscretizeCustom:
		tr = DiscretizeCustom{Ranges: d.floats(0)}
	case models.TypeDiscretizeEqualFreq:
		tr = DiscretizeEqualFrequency{Bins: d.integer(0)}
	case models.TypeDiscretizeEqualWidth:
		tr = DiscretizeEqualWidth{Bins: d.integer(0)}
	case models.TypeExtractDatePart:
		tr = ExtractDatePart{Part: d.str(0)}
	case models.TypeFindReplace:
		tr = FindReplace{Value: d.str(0), Replacement: d.str(1), Exact: d.boolean(2)}
	case models.TypeRegexReplace:
		tr = RegexReplace{Pattern: d.str(0), Replacement: d.str(1), CaseSensitive: d.boolean(2)}
	case models.TypeFillNullCustom:
		tr = FillNullCustom{Value: d.str(0)}
	case models.TypeFillNullMean:
		tr = FillNullMean{}
	case models.TypeFillNullMedian:
		tr = FillNullMedian{}
	case models.TypeZScore:
		tr = ZScore{}
	case models.TypeOneHot:
		tr = OneHot{}
	case models.TypeDeleteRows:
		tr = DeleteRows{Operator: d.str(0), Value: d.optional(1)}
	case models.TypeRawQuery:
		tr = RawQuery{Query: d.str(0)}
	case models.TypeRenameAttribute:
		tr = RenameAttribute{NewName: d.str(0)}
	case models.TypeDeduplicate:
		tr = Deduplicate{}
	case models.TypeForceConvertType:
		tr = ForceConvertType{Target: d.str(0), Action: d.str(1)}
	default:
		return nil, apperrors.NewValueError("transformation_type", "unknown transformation type %d", int(t))
	}
	if d.err != nil {
		return nil, d.err
	}
	if v, ok := tr.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return tr, nil
}

// decoder reads positional parameters, keeping the first error.
type decoder struct {
	t      models.TransformationType
	params []string
	err    error
}

func (d *decoder) fail(i int, format string, args ...any) {
	if d.err == nil {
		d.err = apperrors.NewValueError(fmt.Sprintf("parameters[%d]", i), format, args...)
	}
}

func (d *decoder) str(i int) string {
	if i >= len(d.params) {
		d.fail(i, "missing for %s", d.t)
		return ""
	}
	return d.params[i]
}

func (d *decoder) optional(i int) string {
	if i >= len(d.params) {
		return ""
	}
	return d.params[i]
}

func (d *decoder) boolean(i int) bool {
	s := d.str(i)
	if d.err != nil {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		d.fail(i, "expected True or False, got %q", s)
	}
	return b
}

func (d *decoder) float(i int) float64 {
	s := d.str(i)
	if d.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		d.fail(i, "expected a number, got %q", s)
	}
	return f
}

func (d *decoder) integer(i int) int {
	s := d.str(i)
	if d.err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		d.fail(i, "expected an integer, got %q", s)
	}
	return n
}

func (d *decoder) floats(from int) []float64 {
	if from >= len(d.params) {
		d.fail(from, "missing for %s", d.t)
		return nil
	}
	out := make([]float64, 0, len(d.params)-from)
	for i := from; i < len(d.params); i++ {
		out = append(out, d.float(i))
	}
	return out
}

// formatBool renders booleans the way the ledger has always stored them.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// countOf renders "1 bin" or "5 bins".
func countOf(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %s", n, inflection.Plural(noun))
}
