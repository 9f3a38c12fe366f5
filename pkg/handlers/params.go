package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// ParseSetID extracts and validates the dataset ID from the request path.
// Returns the ID and true on success, or 0 and false after writing an error response.
// Expects path parameter: setid
func ParseSetID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	setID, err := strconv.ParseInt(r.PathValue("setid"), 10, 64)
	if err != nil || setID <= 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_setid", "Invalid dataset ID format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return setID, true
}

// ParseTable extracts the table name from the request path.
// Expects path parameter: table
func ParseTable(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	table := r.PathValue("table")
	if err := transform.ValidateName("table", table); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_table", err.Error()); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return table, true
}

// ParseSetIDAndTable extracts both the dataset ID and the table name.
func ParseSetIDAndTable(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, string, bool) {
	setID, ok := ParseSetID(w, r, logger)
	if !ok {
		return 0, "", false
	}
	table, ok := ParseTable(w, r, logger)
	if !ok {
		return 0, "", false
	}
	return setID, table, true
}

// queryInt reads a non-negative integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
