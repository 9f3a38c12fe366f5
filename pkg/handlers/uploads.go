package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/services"
)

// UploadsHandler accepts CSV and XLSX files as new tables.
type UploadsHandler struct {
	uploads     services.UploadService
	maxUploadMB int
	logger      *zap.Logger
}

// NewUploadsHandler creates a new uploads handler. Request bodies larger than maxUploadMB are rejected.
func NewUploadsHandler(uploads services.UploadService, maxUploadMB int, logger *zap.Logger) *UploadsHandler {
	return &UploadsHandler{
		uploads:     uploads,
		maxUploadMB: maxUploadMB,
		logger:      logger,
	}
}

// RegisterRoutes registers the upload route.
func (h *UploadsHandler) RegisterRoutes(mux *http.ServeMux, dataset ScopeMiddleware) {
	mux.HandleFunc("POST /api/datasets/{setid}/uploads", dataset(h.Upload))
}

// Upload handles POST /api/datasets/{setid}/uploads
//
// Multipart form fields: file (required), table, format (csv|xlsx), header (bool, default true).
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	setID, ok := ParseSetID(w, r, h.logger)
	if !ok {
		return
	}

	maxBytes := int64(h.maxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
			return
		}
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp file cleanup is best-effort

	file, fh, err := r.FormFile("file")
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Missing file field")
		return
	}
	defer file.Close()

	header := true
	if v := r.FormValue("header"); v != "" {
		if header, err = strconv.ParseBool(v); err != nil {
			ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "header must be true or false")
			return
		}
	}

	result, err := h.uploads.Upload(r.Context(), services.UploadRequest{
		SetID:    setID,
		Table:    r.FormValue("table"),
		Filename: fh.Filename,
		Format:   r.FormValue("format"),
		Header:   header,
		Body:     file,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err, "upload")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, result); err != nil {
		h.logger.Error("Failed to write upload response", zap.Error(err))
	}
}
