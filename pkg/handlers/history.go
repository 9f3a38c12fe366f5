package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
)

// HistoryHandler serves the ledger: history listings, table state and undo.
type HistoryHandler struct {
	history services.HistoryService
	undo    services.UndoService
	logger  *zap.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(history services.HistoryService, undo services.UndoService, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		undo:    undo,
		logger:  logger,
	}
}

// RegisterRoutes registers the history routes.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux, dataset ScopeMiddleware) {
	base := "/api/datasets/{setid}"
	mux.HandleFunc("GET "+base+"/history", dataset(h.List))
	mux.HandleFunc("GET "+base+"/tables/{table}", dataset(h.TableInfo))
	mux.HandleFunc("GET "+base+"/tables/{table}/undo", dataset(h.UndoStatus))
	mux.HandleFunc("POST "+base+"/tables/{table}/undo", dataset(h.Undo))
}

// List handles GET /api/datasets/{setid}/history?table=&order=asc|desc&offset=&limit=&backups=
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	setID, ok := ParseSetID(w, r, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters := models.HistoryFilters{
		Table: q.Get("table"),
		Order: models.HistoryOrder(q.Get("order")),
	}
	switch filters.Order {
	case "", models.HistoryOrderAsc, models.HistoryOrderDesc:
	default:
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "order must be asc or desc")
		return
	}
	if v := q.Get("backups"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "backups must be true or false")
			return
		}
		filters.IncludeBackups = b
	}
	if filters.Offset, ok = queryInt(r, "offset", 0); !ok {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "offset must be a non-negative integer")
		return
	}
	if filters.Limit, ok = queryInt(r, "limit", 50); !ok {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "limit must be a non-negative integer")
		return
	}

	page, err := h.history.RenderHistory(r.Context(), setID, filters)
	if err != nil {
		WriteServiceError(w, h.logger, err, "render history")
		return
	}

	if err := WriteJSON(w, http.StatusOK, page); err != nil {
		h.logger.Error("Failed to write history response", zap.Error(err))
	}
}

// TableInfo handles GET /api/datasets/{setid}/tables/{table}
func (h *HistoryHandler) TableInfo(w http.ResponseWriter, r *http.Request) {
	setID, table, ok := ParseSetIDAndTable(w, r, h.logger)
	if !ok {
		return
	}

	info, err := h.history.TableInfo(r.Context(), setID, table)
	if err != nil {
		WriteServiceError(w, h.logger, err, "table info")
		return
	}

	if err := WriteJSON(w, http.StatusOK, info); err != nil {
		h.logger.Error("Failed to write table info response", zap.Error(err))
	}
}

type undoStatusResponse struct {
	Enabled      bool                   `json:"enabled"`
	Reason       string                 `json:"reason,omitempty"`
	RestorePoint string                 `json:"restore_point,omitempty"`
	Undo         *models.HistoryEntry   `json:"undo,omitempty"`
	Replay       []*models.HistoryEntry `json:"replay,omitempty"`
}

// UndoStatus handles GET /api/datasets/{setid}/tables/{table}/undo
func (h *HistoryHandler) UndoStatus(w http.ResponseWriter, r *http.Request) {
	setID, table, ok := ParseSetIDAndTable(w, r, h.logger)
	if !ok {
		return
	}

	plan, err := h.undo.Plan(r.Context(), setID, table)
	if err != nil {
		WriteServiceError(w, h.logger, err, "plan undo")
		return
	}

	resp := undoStatusResponse{Enabled: plan.Feasible, Reason: plan.Reason}
	if plan.Feasible {
		resp.RestorePoint = plan.RestorePoint()
		resp.Undo = plan.Undo
		resp.Replay = plan.Replay
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write undo status response", zap.Error(err))
	}
}

// Undo handles POST /api/datasets/{setid}/tables/{table}/undo
func (h *HistoryHandler) Undo(w http.ResponseWriter, r *http.Request) {
	setID, table, ok := ParseSetIDAndTable(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.undo.UndoLastTransformation(r.Context(), setID, table)
	if err != nil {
		WriteServiceError(w, h.logger, err, "undo")
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write undo response", zap.Error(err))
	}
}
