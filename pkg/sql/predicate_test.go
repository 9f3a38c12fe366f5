package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPredicateValue_Data(t *testing.T) {
	for _, v := range []string{"", "12345", "Engineering", "O'Brien", "user+tag@example.com", "$1,234.56"} {
		assert.Nil(t, CheckPredicateValue("value", v), "value %q", v)
	}
}

func TestCheckPredicateValue_Payloads(t *testing.T) {
	for _, v := range []string{
		"' OR '1'='1",
		"'; DROP TABLE users--",
		"1 UNION SELECT * FROM passwords",
	} {
		m := CheckPredicateValue("value", v)
		require.NotNil(t, m, "value %q", v)
		assert.Equal(t, "value", m.Field)
		assert.NotEmpty(t, m.Fingerprint)
	}
}
