package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"carewatch/core/consolidate"
	"carewatch/core/engine"
	"carewatch/core/utils"
)

type ViewsHandler struct {
	svc          *engine.Service
	consolidator *consolidate.Consolidator
	logger       *utils.Logger
}

func NewViewsHandler(svc *engine.Service, consolidator *consolidate.Consolidator, logger *utils.Logger) *ViewsHandler {
	return &ViewsHandler{svc: svc, consolidator: consolidator, logger: logger}
}

// Get serves a cached aggregate view. The key is path-encoded with the
// colons kept, e.g. /api/views/compliance or /api/views/site:north-wing.
func (h *ViewsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "views.keyRequired")
		return
	}
	entry, err := h.svc.GetCachedView(r.Context(), key)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("cached view %s: %v", key, err)
		}
		writeServiceError(w, err)
		return
	}
	var payload json.RawMessage
	if json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":         entry.Key,
		"computed_at": entry.ComputedAt,
		"expires_at":  entry.ExpiresAt,
		"payload":     payload,
	})
}

// LatestRun reports the consolidator's most recent cycle.
func (h *ViewsHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	if h.consolidator == nil {
		writeError(w, http.StatusNotFound, "consolidator.disabled")
		return
	}
	run, err := h.consolidator.LatestRun(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]any{"run": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// RunNow triggers one consolidation cycle synchronously.
func (h *ViewsHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	if h.consolidator == nil {
		writeError(w, http.StatusNotFound, "consolidator.disabled")
		return
	}
	if err := h.consolidator.RunOnce(r.Context()); err != nil {
		if h.logger != nil {
			h.logger.Errorf("consolidator run: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "consolidator.cycleFailed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
