package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/terraconstructs/jitaccess/internal/cloudiam"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes a response body. Encoding failures are logged; the status
// line is already on the wire at that point.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ERROR: encode response: %v", err)
	}
}

// writeError maps an error onto the API's status contract. Denials and
// configuration failures share a generic 403 so callers cannot probe policy
// internals; the detail goes to the server log only.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		log.Printf("WARNING: %s %s: %d %v", r.Method, r.URL.Path, status, err)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func classify(err error) (int, string) {
	var unsatisfied *fault.ConstraintUnsatisfiedError
	var failed *fault.ConstraintFailedError
	var syntax *policy.SyntaxError
	var apiErr *cloudiam.APIError

	switch {
	case errors.Is(err, fault.ErrIllegalArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, fault.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.As(err, &unsatisfied):
		return http.StatusForbidden, unsatisfied.Error()
	case errors.As(err, &failed):
		// Configuration problem; present the same generic denial as a
		// policy denial.
		return http.StatusForbidden, "access denied"
	case errors.Is(err, fault.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, fault.ErrResourceNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, fault.ErrAlreadyExists):
		return http.StatusConflict, err.Error()
	case errors.As(err, &syntax):
		return http.StatusBadRequest, "invalid policy document"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "upstream failure"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
