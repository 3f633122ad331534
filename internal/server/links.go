package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
)

// Console identifiers accepted by the links endpoint.
const (
	consoleCloud   = "cloud-console"
	consoleLogs    = "logs"
	consoleIAM     = "iam"
	consoleMetrics = "metrics"
)

// GetConsoleLink handles GET .../groups/{group}/links/{console}: a deep link
// into an external console, derived from the group's role-binding resources.
func (h *Handlers) GetConsoleLink(w http.ResponseWriter, r *http.Request) {
	_, g, err := h.groupFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	console := chi.URLParam(r, "console")
	location, err := consoleLink(console, g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"console":  console,
		"location": location,
	})
}

// consoleLink builds the deep link for a console from the group's first
// role-binding resource. A group without bindings has nowhere to link to.
func consoleLink(console string, g *policy.GroupPolicy) (string, error) {
	var resource string
	for _, p := range g.Privileges {
		if b, ok := p.(*policy.IamRoleBinding); ok {
			resource = b.Resource
			break
		}
	}
	if resource == "" {
		return "", fmt.Errorf("group %s has no linkable resources: %w", g.ID(), fault.ErrResourceNotFound)
	}
	project := strings.TrimPrefix(resource, "projects/")

	switch console {
	case consoleCloud:
		return "https://console.cloud.google.com/home/dashboard?project=" + url.QueryEscape(project), nil
	case consoleLogs:
		return "https://console.cloud.google.com/logs/query?project=" + url.QueryEscape(project), nil
	case consoleIAM:
		return "https://console.cloud.google.com/iam-admin/iam?project=" + url.QueryEscape(project), nil
	case consoleMetrics:
		return "https://console.cloud.google.com/monitoring?project=" + url.QueryEscape(project), nil
	default:
		return "", fmt.Errorf("unknown console %q: %w", console, fault.ErrResourceNotFound)
	}
}
