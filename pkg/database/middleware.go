package database

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// WithDatasetContext creates middleware that sets up a dataset-scoped DB connection.
// The dataset comes from the {setid} path parameter.
// The connection is automatically cleaned up after the handler returns.
func WithDatasetContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			setID, err := strconv.ParseInt(r.PathValue("setid"), 10, 64)
			if err != nil || setID <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_setid", "Invalid dataset ID format")
				return
			}

			scope, err := db.WithDataset(r.Context(), setID)
			if err != nil {
				logger.Error("Failed to acquire dataset connection",
					zap.Int64("setid", setID),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetDatasetScope(r.Context(), scope)
			next(w, r.WithContext(ctx))
		}
	}
}

// WithCatalogContext sets up a connection without dataset context, for routes
// that list or create datasets.
func WithCatalogContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			scope, err := db.WithoutDataset(r.Context())
			if err != nil {
				logger.Error("Failed to acquire catalog connection", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetDatasetScope(r.Context(), scope)))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
