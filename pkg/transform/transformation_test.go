package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

func TestDecode_RoundTrip(t *testing.T) {
	ops := []Transformation{
		CopyTable{},
		ConvertType{Target: "integer"},
		DeleteAttribute{},
		DeleteOutliers{Larger: true, Value: 1000.5},
		DeleteOutliers{Larger: false, Value: -3},
		DiscretizeCustom{Ranges: []float64{0, 18, 65, 120}},
		DiscretizeEqualFrequency{Bins: 4},
		DiscretizeEqualWidth{Bins: 10},
		ExtractDatePart{Part: "month"},
		FindReplace{Value: "NY", Replacement: "New York", Exact: true},
		FindReplace{Value: "Inc", Replacement: "", Exact: false},
		RegexReplace{Pattern: `^\s+|\s+$`, Replacement: "", CaseSensitive: true},
		FillNullCustom{Value: "unknown"},
		FillNullMean{},
		FillNullMedian{},
		ZScore{},
		OneHot{},
		DeleteRows{Operator: ">=", Value: "42"},
		DeleteRows{Operator: "IS NULL"},
		RawQuery{Query: "UPDATE people SET age = age + 1"},
		RenameAttribute{NewName: "full_name"},
		Deduplicate{},
		ForceConvertType{Target: "double precision", Action: ForceNull},
	}

	seen := map[models.TransformationType]bool{}
	for _, op := range ops {
		t.Run(op.Type().String(), func(t *testing.T) {
			decoded, err := Decode(op.Type(), op.Params())
			require.NoError(t, err)
			assert.Equal(t, op, decoded)
			assert.Equal(t, op.Params(), decoded.Params())
		})
		seen[op.Type()] = true
	}

	for typ := models.TypeCopyTable; typ.Valid(); typ++ {
		assert.True(t, seen[typ], "%s has no round trip case", typ)
	}
}

func TestDecode_LedgerEncoding(t *testing.T) {
	assert.Equal(t, []string{"True", "2.5"}, DeleteOutliers{Larger: true, Value: 2.5}.Params())
	assert.Equal(t, []string{"0", "0.5", "1"}, DiscretizeCustom{Ranges: []float64{0, 0.5, 1}}.Params())
	assert.Equal(t, []string{"5"}, DiscretizeEqualWidth{Bins: 5}.Params())
	assert.Equal(t, []string{}, ZScore{}.Params())

	// Rows written before booleans were capitalized still decode.
	op, err := Decode(models.TypeFindReplace, []string{"a", "b", "false"})
	require.NoError(t, err)
	assert.Equal(t, FindReplace{Value: "a", Replacement: "b"}, op)

	// A unary delete may be stored without its value.
	op, err = Decode(models.TypeDeleteRows, []string{"IS NOT NULL"})
	require.NoError(t, err)
	assert.Equal(t, DeleteRows{Operator: "IS NOT NULL"}, op)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		typ    models.TransformationType
		params []string
		field  string
	}{
		{"unknown type", models.TransformationType(99), nil, "transformation_type"},
		{"backup marker", models.TypeBackup, nil, "transformation_type"},
		{"missing target", models.TypeConvertType, nil, "parameters[0]"},
		{"unsupported target", models.TypeConvertType, []string{"blob"}, "target"},
		{"bad boolean", models.TypeDeleteOutliers, []string{"maybe", "1"}, "parameters[0]"},
		{"bad number", models.TypeDeleteOutliers, []string{"True", "lots"}, "parameters[1]"},
		{"bad bins", models.TypeDiscretizeEqualWidth, []string{"four"}, "parameters[0]"},
		{"zero bins", models.TypeDiscretizeEqualFreq, []string{"0"}, "bins"},
		{"no ranges", models.TypeDiscretizeCustom, nil, "parameters[0]"},
		{"one boundary", models.TypeDiscretizeCustom, []string{"1"}, "ranges"},
		{"descending ranges", models.TypeDiscretizeCustom, []string{"5", "1"}, "ranges"},
		{"repeated boundary", models.TypeDiscretizeCustom, []string{"1", "1", "2"}, "ranges"},
		{"NaN boundary", models.TypeDiscretizeCustom, []string{"NaN", "0", "1"}, "ranges"},
		{"infinite boundary", models.TypeDiscretizeCustom, []string{"0", "1", "+Inf"}, "ranges"},
		{"negative infinite boundary", models.TypeDiscretizeCustom, []string{"-Inf", "0"}, "ranges"},
		{"date part", models.TypeExtractDatePart, []string{"fortnight"}, "part"},
		{"substring needs alphanumerics", models.TypeFindReplace, []string{"a b", "c", "False"}, "value"},
		{"empty pattern", models.TypeRegexReplace, []string{"", "x", "True"}, "pattern"},
		{"operator", models.TypeDeleteRows, []string{"~", "x"}, "operator"},
		{"injected predicate", models.TypeDeleteRows, []string{"=", "' OR '1'='1"}, "value"},
		{"two statements", models.TypeRawQuery, []string{"DELETE FROM a; DELETE FROM b"}, "query"},
		{"empty query", models.TypeRawQuery, []string{" ; "}, "query"},
		{"commit", models.TypeRawQuery, []string{"COMMIT"}, "query"},
		{"search path", models.TypeRawQuery, []string{"SET search_path TO public"}, "query"},
		{"backup schema", models.TypeRawQuery, []string{"DELETE FROM backup_1.\"40\""}, "query"},
		{"empty new name", models.TypeRenameAttribute, []string{" "}, "new_name"},
		{"force action", models.TypeForceConvertType, []string{"integer", "skip"}, "action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := Decode(tt.typ, tt.params)
			assert.Nil(t, op)
			require.Error(t, err)
			assert.True(t, apperrors.IsUserError(err))

			var valErr *apperrors.ValueError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.field, valErr.Field)
		})
	}
}

func TestCanonicalType(t *testing.T) {
	tests := map[string]string{
		"int":                         "integer",
		" Float ":                     "double precision",
		"string":                      "character varying",
		"datetime":                    "timestamp without time zone",
		"timestamp with time zone":    "timestamp with time zone",
		"TIMESTAMP WITHOUT TIME ZONE": "timestamp without time zone",
	}
	for in, want := range tests {
		got, err := CanonicalType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := CanonicalType("jsonb")
	assert.True(t, apperrors.IsUserError(err))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Discretized age into 3 custom ranges (0, 18, 65, 120)",
		DiscretizeCustom{Ranges: []float64{0, 18, 65, 120}}.Describe("age"))
	assert.Equal(t, "Deleted rows where salary is smaller than 10", DeleteOutliers{Value: 10}.Describe("salary"))
	assert.Equal(t, "Deleted rows where dept IS NULL", DeleteRows{Operator: "IS NULL"}.Describe("dept"))
	assert.Equal(t, "One-hot encoded city", OneHot{}.Describe("city"))
}

func TestCountOf(t *testing.T) {
	assert.Equal(t, "1 bin", countOf(1, "bin"))
	assert.Equal(t, "5 bins", countOf(5, "bin"))
	assert.Equal(t, "0 ranges", countOf(0, "range"))
	assert.Equal(t, "2 custom ranges", countOf(2, "custom range"))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("table", "people"))
	require.NoError(t, ValidateName("table", strings.Repeat("x", 63)))
	assert.Error(t, ValidateName("table", ""))
	assert.Error(t, ValidateName("table", "   "))
	assert.Error(t, ValidateName("table", strings.Repeat("x", 64)))
}
