package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetCompliance handles GET /api/environments/{env}/compliance: the last
// reconciliation report, 404 when none has run since startup.
func (h *Handlers) GetCompliance(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.engine.LastReconciliation(s, chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RunCompliance handles POST /api/environments/{env}/compliance: reconcile
// every group of the environment against the live cloud state.
func (h *Handlers) RunCompliance(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.engine.RunReconciliation(r.Context(), s, chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
