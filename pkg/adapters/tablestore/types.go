package tablestore

import "strings"

var numericTypes = map[string]bool{
	"smallint":         true,
	"integer":          true,
	"bigint":           true,
	"numeric":          true,
	"decimal":          true,
	"real":             true,
	"double precision": true,
}

// IsNumeric reports whether an information_schema data_type holds numbers.
func IsNumeric(dataType string) bool {
	return numericTypes[strings.ToLower(dataType)]
}

// IsTemporal reports whether an information_schema data_type holds dates or timestamps.
func IsTemporal(dataType string) bool {
	t := strings.ToLower(dataType)
	return t == "date" || strings.HasPrefix(t, "timestamp")
}
