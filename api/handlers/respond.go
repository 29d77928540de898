package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"carewatch/core/consolidate"
	"carewatch/core/engine"
	"carewatch/core/policy"
	"carewatch/core/storelock"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code},
	})
}

// WriteError exposes the error envelope to middleware; every failure leaves
// the API in the same shape.
func WriteError(w http.ResponseWriter, status int, code string) {
	writeError(w, status, code)
}

// writeServiceError maps engine failures onto the API error contract.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, "incidents.notFound")
	case errors.Is(err, engine.ErrViewNotFound), errors.Is(err, consolidate.ErrUnknownView):
		writeError(w, http.StatusNotFound, "views.notFound")
	case errors.Is(err, policy.ErrNoPolicy):
		writeError(w, http.StatusNotFound, "policies.noneApplicable")
	case errors.Is(err, engine.ErrInvalidReport):
		writeError(w, http.StatusBadRequest, "incidents.invalidReport")
	case errors.Is(err, storelock.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "engine.busy")
	default:
		writeError(w, http.StatusInternalServerError, "server.error")
	}
}
