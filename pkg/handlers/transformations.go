package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/jsonutil"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/pipeline"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// maxRecipeBytes bounds pipeline request bodies.
const maxRecipeBytes = 1 << 20

// TransformationsHandler applies transformations, pipelines and joins.
type TransformationsHandler struct {
	transformations services.TransformationService
	joins           services.JoinService
	logger          *zap.Logger
}

// NewTransformationsHandler creates a new transformations handler.
func NewTransformationsHandler(transformations services.TransformationService, joins services.JoinService, logger *zap.Logger) *TransformationsHandler {
	return &TransformationsHandler{
		transformations: transformations,
		joins:           joins,
		logger:          logger,
	}
}

// RegisterRoutes registers the transformation routes.
func (h *TransformationsHandler) RegisterRoutes(mux *http.ServeMux, dataset ScopeMiddleware) {
	base := "/api/datasets/{setid}"
	mux.HandleFunc("POST "+base+"/tables/{table}/transformations", dataset(h.Apply))
	mux.HandleFunc("POST "+base+"/tables/{table}/pipeline", dataset(h.ApplyPipeline))
	mux.HandleFunc("POST "+base+"/joins", dataset(h.Join))
}

// transformationRequest accepts parameters as any JSON scalars; they are stored as text.
type transformationRequest struct {
	Type       json.RawMessage `json:"type"`
	Attribute  string          `json:"attribute"`
	Parameters json.RawMessage `json:"parameters"`
	Mode       string          `json:"mode"`
	NewName    string          `json:"new_name"`
}

type transformationsResponse struct {
	Table   string              `json:"table"`
	Results []*transform.Result `json:"results"`
}

// Apply handles POST /api/datasets/{setid}/tables/{table}/transformations
func (h *TransformationsHandler) Apply(w http.ResponseWriter, r *http.Request) {
	setID, table, ok := ParseSetIDAndTable(w, r, h.logger)
	if !ok {
		return
	}

	var body transformationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	t, err := models.ParseTransformationType(jsonutil.FlexibleStringValue(body.Type))
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}
	params, err := jsonutil.FlexibleStrings(body.Parameters)
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "parameters must be a list")
		return
	}
	mode, err := transform.ParseMode(body.Mode)
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}

	result, err := h.transformations.Apply(r.Context(), setID, table, services.TransformationRequest{
		Type:       t,
		Attribute:  body.Attribute,
		Parameters: params,
		Mode:       mode,
		NewName:    body.NewName,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err, "apply transformation")
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write transformation response", zap.Error(err))
	}
}

// ApplyPipeline handles POST /api/datasets/{setid}/tables/{table}/pipeline with a YAML recipe body.
func (h *TransformationsHandler) ApplyPipeline(w http.ResponseWriter, r *http.Request) {
	setID, table, ok := ParseSetIDAndTable(w, r, h.logger)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRecipeBytes+1))
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}
	if len(data) > maxRecipeBytes {
		ErrorResponse(w, http.StatusRequestEntityTooLarge, "too_large", "Recipe is too large")
		return
	}

	recipe, err := pipeline.Parse(data)
	if err != nil {
		WriteServiceError(w, h.logger, err, "parse pipeline")
		return
	}
	steps, err := recipe.Requests()
	if err != nil {
		WriteServiceError(w, h.logger, err, "parse pipeline")
		return
	}

	results, err := h.transformations.ApplyAll(r.Context(), setID, table, steps)
	if err != nil {
		WriteServiceError(w, h.logger, err, "apply pipeline")
		return
	}

	resp := transformationsResponse{Table: table, Results: results}
	if n := len(results); n > 0 {
		resp.Table = results[n-1].Table
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write pipeline response", zap.Error(err))
	}
}

// Join handles POST /api/datasets/{setid}/joins
func (h *TransformationsHandler) Join(w http.ResponseWriter, r *http.Request) {
	setID, ok := ParseSetID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	result, err := h.joins.Join(r.Context(), setID, req)
	if err != nil {
		WriteServiceError(w, h.logger, err, "join")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, result); err != nil {
		h.logger.Error("Failed to write join response", zap.Error(err))
	}
}
