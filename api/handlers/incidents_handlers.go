package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"carewatch/core/engine"
	"carewatch/core/utils"
)

type IncidentsHandler struct {
	svc    *engine.Service
	logger *utils.Logger
}

func NewIncidentsHandler(svc *engine.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{svc: svc, logger: logger}
}

// Ingest accepts an incident report from the external collaborator. Redelivery
// of a known external_ref returns the stored incident with 200 instead of 201.
func (h *IncidentsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var report engine.IncidentReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "incidents.invalidReport")
		return
	}
	existing, err := h.svc.GetIncidentByExternalRef(r.Context(), report.ExternalRef)
	if err != nil {
		h.logError("incident lookup", err)
		writeServiceError(w, err)
		return
	}
	incident, err := h.svc.Ingest(r.Context(), report)
	if err != nil {
		h.logError("incident ingest", err)
		writeServiceError(w, err)
		return
	}
	code := http.StatusCreated
	if existing != nil {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"incident": incident})
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	incident, err := h.svc.GetIncident(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": incident})
}

func (h *IncidentsHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	tasks, err := h.svc.ListTasks(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

// GenerateTasks replaces the incident's task batch from the currently
// applicable policy.
func (h *IncidentsHandler) GenerateTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	tasks, err := h.svc.GenerateTasks(r.Context(), id)
	if err != nil {
		h.logError("task generation", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

// Reconcile re-reads the documentation stream and marks satisfied tasks
// completed.
func (h *IncidentsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	tasks, err := h.svc.Reconcile(r.Context(), id)
	if err != nil {
		h.logError("reconcile", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

func (h *IncidentsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	st, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": st})
}

func (h *IncidentsHandler) logError(op string, err error) {
	if h.logger != nil {
		h.logger.Errorf("%s: %v", op, err)
	}
}

func incidentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "incidents.invalidID")
		return 0, false
	}
	return id, true
}
