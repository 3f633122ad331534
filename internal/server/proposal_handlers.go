package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/jitaccess/internal/ops"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/proposal"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

type proposalDetail struct {
	Group       string            `json:"group"`
	User        string            `json:"user"`
	Recipients  []string          `json:"recipients"`
	Expiry      time.Time         `json:"expiry"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Allowed     bool              `json:"allowed"`
	Input       []ops.Property    `json:"input,omitempty"`
	Unsatisfied []ops.Unsatisfied `json:"unsatisfiedConstraints,omitempty"`
}

// GetProposal handles GET /api/environments/{env}/proposal/{token}: decode
// the token and compute the approval analysis for the caller.
func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	s, p, g, err := h.acceptFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	analysis, err := h.engine.AnalyzeApproval(s, p, g, nil, ops.IgnoreConstraints)
	if err != nil {
		writeError(w, r, err)
		return
	}

	recipients := make([]string, 0, len(p.Recipients))
	for _, u := range p.Recipients {
		recipients = append(recipients, u.Value())
	}
	writeJSON(w, http.StatusOK, proposalDetail{
		Group:       p.Group.Value(),
		User:        p.User.Value(),
		Recipients:  recipients,
		Expiry:      p.Expiry,
		Inputs:      p.Inputs,
		Allowed:     analysis.Allowed,
		Input:       analysis.Input,
		Unsatisfied: analysis.Unsatisfied,
	})
}

// ApproveProposal handles POST /api/environments/{env}/proposal/{token}.
func (h *Handlers) ApproveProposal(w http.ResponseWriter, r *http.Request) {
	s, p, g, err := h.acceptFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inputs, err := formInputs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.ExecuteApproval(r.Context(), s, p, g, inputs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": statusApprovalCompleted,
		"group":  p.Group.Value(),
		"user":   p.User.Value(),
		"expiry": result.Expiry,
	})
}

func (h *Handlers) acceptFromRequest(r *http.Request) (*subject.Subject, *proposal.Proposal, *policy.GroupPolicy, error) {
	s, err := h.subjectFor(r)
	if err != nil {
		return nil, nil, nil, err
	}
	p, g, err := h.engine.AcceptProposal(s, chi.URLParam(r, "token"))
	if err != nil {
		return nil, nil, nil, err
	}
	return s, p, g, nil
}
