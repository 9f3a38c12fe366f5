package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
)

// ScopeMiddleware binds a database connection to the request context.
type ScopeMiddleware func(http.HandlerFunc) http.HandlerFunc

// DatasetsHandler handles dataset lifecycle requests.
type DatasetsHandler struct {
	datasets services.DatasetService
	logger   *zap.Logger
}

// NewDatasetsHandler creates a new datasets handler.
func NewDatasetsHandler(datasets services.DatasetService, logger *zap.Logger) *DatasetsHandler {
	return &DatasetsHandler{
		datasets: datasets,
		logger:   logger,
	}
}

// RegisterRoutes registers the dataset routes. Listing and creation run on the
// catalog connection; everything under a dataset runs on a dataset-scoped one.
func (h *DatasetsHandler) RegisterRoutes(mux *http.ServeMux, catalog, dataset ScopeMiddleware) {
	mux.HandleFunc("POST /api/datasets", catalog(h.Create))
	mux.HandleFunc("GET /api/datasets", catalog(h.List))
	mux.HandleFunc("GET /api/datasets/{setid}", dataset(h.Get))
	mux.HandleFunc("DELETE /api/datasets/{setid}", dataset(h.Delete))
}

type createDatasetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type datasetResponse struct {
	*models.Dataset
	Tables []string `json:"tables"`
}

// Create handles POST /api/datasets
func (h *DatasetsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	dataset, err := h.datasets.Create(r.Context(), req.Name, req.Description)
	if err != nil {
		WriteServiceError(w, h.logger, err, "create dataset")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, datasetResponse{Dataset: dataset, Tables: []string{}}); err != nil {
		h.logger.Error("Failed to write dataset response", zap.Error(err))
	}
}

// List handles GET /api/datasets
func (h *DatasetsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "offset must be a non-negative integer")
		return
	}

	datasets, err := h.datasets.List(r.Context(), limit, offset)
	if err != nil {
		WriteServiceError(w, h.logger, err, "list datasets")
		return
	}
	if datasets == nil {
		datasets = []*models.Dataset{}
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"datasets": datasets}); err != nil {
		h.logger.Error("Failed to write datasets response", zap.Error(err))
	}
}

// Get handles GET /api/datasets/{setid}
func (h *DatasetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	setID, ok := ParseSetID(w, r, h.logger)
	if !ok {
		return
	}

	dataset, err := h.datasets.Get(r.Context(), setID)
	if err != nil {
		WriteServiceError(w, h.logger, err, "get dataset")
		return
	}
	tables, err := h.datasets.ListTables(r.Context(), setID)
	if err != nil {
		WriteServiceError(w, h.logger, err, "list tables")
		return
	}
	if tables == nil {
		tables = []string{}
	}

	if err := WriteJSON(w, http.StatusOK, datasetResponse{Dataset: dataset, Tables: tables}); err != nil {
		h.logger.Error("Failed to write dataset response", zap.Error(err))
	}
}

// Delete handles DELETE /api/datasets/{setid}
func (h *DatasetsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	setID, ok := ParseSetID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.datasets.Delete(r.Context(), setID); err != nil {
		WriteServiceError(w, h.logger, err, "delete dataset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
