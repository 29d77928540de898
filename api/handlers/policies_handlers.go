package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"carewatch/core/engine"
	"carewatch/core/store"
	"carewatch/core/utils"
)

type PoliciesHandler struct {
	svc    *engine.Service
	logger *utils.Logger
}

func NewPoliciesHandler(svc *engine.Service, logger *utils.Logger) *PoliciesHandler {
	return &PoliciesHandler{svc: svc, logger: logger}
}

// Select resolves the policy the engine would apply for a type/sub-type pair.
// An unknown sub-type exercises the conservative fallback.
func (h *PoliciesHandler) Select(w http.ResponseWriter, r *http.Request) {
	incidentType := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("incident_type")))
	if incidentType == "" {
		writeError(w, http.StatusBadRequest, "policies.typeRequired")
		return
	}
	subType := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sub_type")))
	pol, err := h.svc.GetPolicy(r.Context(), incidentType, subType)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("policy select: %v", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": pol})
}

// List returns the newest active version of every policy for a type.
func (h *PoliciesHandler) List(w http.ResponseWriter, r *http.Request) {
	incidentType := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("incident_type")))
	if incidentType == "" {
		writeError(w, http.StatusBadRequest, "policies.typeRequired")
		return
	}
	items, err := h.svc.ListPolicies(r.Context(), incidentType)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("policy list: %v", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Deactivate retires one policy version. Retiring a version that is already
// inactive, or one that does not exist, is a conflict.
func (h *PoliciesHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if id == "" || err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "policies.invalidVersion")
		return
	}
	if err := h.svc.DeactivatePolicy(r.Context(), id, version); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "policies.conflict")
			return
		}
		if h.logger != nil {
			h.logger.Errorf("policy deactivate %s v%d: %v", id, version, err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}
