// Package server mounts the JSON API over the catalog and the join/approval
// engine. Authentication happens upstream at the ingress; handlers only
// translate between HTTP and the operation layer.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/jitaccess/internal/catalog"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/middleware"
	"github.com/terraconstructs/jitaccess/internal/ops"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// Join outcome strings on the wire.
const (
	statusJoinCompleted     = "JOIN_COMPLETED"
	statusJoinProposed      = "JOIN_PROPOSED"
	statusApprovalCompleted = "APPROVAL_COMPLETED"
)

// Handlers wires the API endpoints to the operation layer.
type Handlers struct {
	catalog  *catalog.Catalog
	resolver *subject.Resolver
	engine   *ops.Engine
}

// NewHandlers creates the API handler set.
func NewHandlers(cat *catalog.Catalog, resolver *subject.Resolver, engine *ops.Engine) *Handlers {
	return &Handlers{catalog: cat, resolver: resolver, engine: engine}
}

// subjectFor resolves the ingress identity into a Subject.
func (h *Handlers) subjectFor(r *http.Request) (*subject.Subject, error) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return nil, fmt.Errorf("no identity in request context: %w", fault.ErrNotAuthenticated)
	}
	return h.resolver.Resolve(r.Context(), id.Email)
}

type nodeSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

func summarize(name, display, description string) nodeSummary {
	if display == "" {
		display = name
	}
	return nodeSummary{Name: name, DisplayName: display, Description: description}
}

type environmentDetail struct {
	nodeSummary
	Systems []nodeSummary `json:"systems"`
}

type systemDetail struct {
	nodeSummary
	Groups []groupSummary `json:"groups"`
}

type groupSummary struct {
	nodeSummary
	ID string `json:"id"`
}

type groupDetail struct {
	groupSummary
	Allowed    bool               `json:"allowed"`
	Input      []ops.Property     `json:"input,omitempty"`
	Privileges []privilegeSummary `json:"privileges,omitempty"`
	Membership *membershipStatus  `json:"membership,omitempty"`
}

type privilegeSummary struct {
	Type        string `json:"type"`
	Resource    string `json:"resource"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

type membershipStatus struct {
	Active bool      `json:"active"`
	Expiry time.Time `json:"expiry"`
}

// ListEnvironments handles GET /api/environments.
func (h *Handlers) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	envs := h.catalog.Environments(s)
	out := make([]nodeSummary, 0, len(envs))
	for _, env := range envs {
		out = append(out, summarize(env.Name, env.DisplayName, env.Description))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": out})
}

// GetEnvironment handles GET /api/environments/{env}.
func (h *Handlers) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	env, err := h.catalog.Environment(s, chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	detail := environmentDetail{nodeSummary: summarize(env.Name, env.DisplayName, env.Description)}
	held := s.ValidPrincipals(time.Now())
	for _, sys := range env.Systems {
		if policy.IsAccessAllowed(sys, held, policy.PermissionView) {
			detail.Systems = append(detail.Systems, summarize(sys.Name, sys.DisplayName, sys.Description))
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// ExportPolicy handles GET /api/environments/{env}/policy.
func (h *Handlers) ExportPolicy(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := h.catalog.RawEnvironment(s, chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// GetSystem handles GET /api/environments/{env}/systems/{sys}.
func (h *Handlers) GetSystem(w http.ResponseWriter, r *http.Request) {
	s, err := h.subjectFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	envName, sysName := chi.URLParam(r, "env"), chi.URLParam(r, "sys")
	sys, err := h.catalog.System(s, envName, sysName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	groups, err := h.catalog.Groups(s, envName, sysName)
	if err != nil {
		writeError(w, r, err)
		return
	}

	detail := systemDetail{nodeSummary: summarize(sys.Name, sys.DisplayName, sys.Description)}
	for _, g := range groups {
		detail.Groups = append(detail.Groups, groupSummary{
			nodeSummary: summarize(g.Name, g.DisplayName, g.Description),
			ID:          g.ID().Value(),
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetGroup handles GET /api/environments/{env}/systems/{sys}/groups/{group}.
// The response includes the join analysis: whether the caller could request a
// join at all, and which inputs the join form needs.
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	s, g, err := h.groupFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	analysis, err := h.engine.AnalyzeJoin(s, g, nil, ops.IgnoreConstraints)
	if err != nil {
		writeError(w, r, err)
		return
	}

	detail := groupDetail{
		groupSummary: groupSummary{
			nodeSummary: summarize(g.Name, g.DisplayName, g.Description),
			ID:          g.ID().Value(),
		},
		Allowed: analysis.Allowed,
		Input:   analysis.Input,
	}
	for _, p := range g.Privileges {
		if b, ok := p.(*policy.IamRoleBinding); ok {
			detail.Privileges = append(detail.Privileges, privilegeSummary{
				Type:        string(b.PrivilegeType()),
				Resource:    b.Resource,
				Role:        b.Role,
				Description: b.Description,
			})
		}
	}
	if expiry, active := s.ActiveMembership(g.ID(), time.Now()); active {
		detail.Membership = &membershipStatus{Active: true, Expiry: expiry}
	}
	writeJSON(w, http.StatusOK, detail)
}

// JoinGroup handles POST /api/environments/{env}/systems/{sys}/groups/{group}.
// Inputs arrive form-encoded; the reserved "expiry" field carries the
// requested duration as an ISO-8601 literal.
func (h *Handlers) JoinGroup(w http.ResponseWriter, r *http.Request) {
	s, g, err := h.groupFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inputs, err := formInputs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.ExecuteJoin(r.Context(), s, g, inputs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch result.Status {
	case ops.StatusExecuted:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": statusJoinCompleted,
			"group":  g.ID().Value(),
			"expiry": result.Expiry,
		})
	case ops.StatusProposed:
		recipients := make([]string, 0, len(result.Proposal.Recipients))
		for _, u := range result.Proposal.Recipients {
			recipients = append(recipients, u.Value())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         statusJoinProposed,
			"group":          g.ID().Value(),
			"token":          result.Token,
			"recipients":     recipients,
			"proposalExpiry": result.Proposal.Expiry,
		})
	default:
		writeError(w, r, fmt.Errorf("unexpected join status %q", result.Status))
	}
}

func (h *Handlers) groupFromRequest(r *http.Request) (*subject.Subject, *policy.GroupPolicy, error) {
	s, err := h.subjectFor(r)
	if err != nil {
		return nil, nil, err
	}
	id := principal.NewJitGroupID(
		chi.URLParam(r, "env"),
		chi.URLParam(r, "sys"),
		chi.URLParam(r, "group"),
	)
	g, err := h.catalog.Group(s, id)
	if err != nil {
		return nil, nil, err
	}
	return s, g, nil
}

// formInputs flattens a form-encoded body to the first value per field.
func formInputs(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", fault.ErrIllegalArgument)
	}
	inputs := make(map[string]string, len(r.PostForm))
	for name, values := range r.PostForm {
		if len(values) > 0 {
			inputs[name] = values[0]
		}
	}
	return inputs, nil
}
