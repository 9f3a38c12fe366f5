package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteServiceError maps a service error to a response. Input, type and
// conversion errors are shown verbatim; internal failures are logged and
// reported with a generic message.
func WriteServiceError(w http.ResponseWriter, logger *zap.Logger, err error, action string) {
	var replayErr *apperrors.ReplayError
	status, code, message := http.StatusInternalServerError, "internal_error", "Could not complete operation"
	switch {
	case apperrors.IsUserError(err) && !errors.As(err, &replayErr):
		status, code, message = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, apperrors.ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, apperrors.ErrConflict):
		status, code, message = http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, apperrors.ErrUndoUnavailable):
		status, code, message = http.StatusConflict, "undo_unavailable", err.Error()
	default:
		logger.Error("Request failed", zap.String("action", action), zap.Error(err))
	}
	if werr := ErrorResponse(w, status, code, message); werr != nil {
		logger.Error("Failed to write error response", zap.Error(werr))
	}
}
