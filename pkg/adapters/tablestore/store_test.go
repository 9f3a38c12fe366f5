package tablestore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

func TestNextName(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		existing []string
		want     string
	}{
		{"no copies yet", "sales", nil, "sales_1"},
		{"fills first gap", "sales", []string{"sales_1", "sales_3"}, "sales_2"},
		{"ignores non-numeric suffixes", "sales", []string{"sales_x", "sales_1"}, "sales_2"},
		{"ignores other prefixes", "sales", []string{"sales2_1", "sales_1_1"}, "sales_1"},
		{"ignores zero", "sales", []string{"sales_0"}, "sales_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextName(tt.base, tt.existing))
		})
	}
}

func TestFingerprintRows_IndependentOfRowOrder(t *testing.T) {
	cols := []models.Column{{Name: "id", DataType: "character varying", Position: 1}}

	a := FingerprintRows(cols, []string{"(1)", "(2)", "(2)"})
	b := FingerprintRows(cols, []string{"(2)", "(1)", "(2)"})
	c := FingerprintRows(cols, []string{"(1)", "(2)"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "duplicate rows change the fingerprint")
}

func TestFingerprintRows_LayoutMatters(t *testing.T) {
	rows := []string{"(1)"}
	a := FingerprintRows([]models.Column{{Name: "id", DataType: "integer"}}, rows)
	b := FingerprintRows([]models.Column{{Name: "id", DataType: "character varying"}}, rows)

	assert.NotEqual(t, a, b)
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, IsNumeric("double precision"))
	assert.True(t, IsNumeric("INTEGER"))
	assert.False(t, IsNumeric("character varying"))
	assert.True(t, IsTemporal("timestamp without time zone"))
	assert.True(t, IsTemporal("date"))
	assert.False(t, IsTemporal("time without time zone"))
}

func TestQualified(t *testing.T) {
	assert.Equal(t, `"dataset_1"."odd""name"`, Qualified("dataset_1", `odd"name`))
}
