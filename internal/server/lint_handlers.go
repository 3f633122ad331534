package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
)

// maxLintBody bounds the size of a linted policy document.
const maxLintBody = 1 << 20

type lintResponse struct {
	Valid  bool           `json:"valid"`
	Issues []policy.Issue `json:"issues"`
}

// LintHandler validates a user-provided policy document and reports the full
// issue list. Validation findings are part of the contract, so both valid and
// invalid documents answer 200.
type LintHandler struct {
	engine *expr.Engine
	roles  policy.RoleResolver
}

// NewLintHandler creates the POST /api/policy/lint handler.
func NewLintHandler(engine *expr.Engine, roles policy.RoleResolver) *LintHandler {
	return &LintHandler{engine: engine, roles: roles}
}

func (h *LintHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLintBody+1))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(body) == 0 || len(body) > maxLintBody {
		writeError(w, r, fault.ErrIllegalArgument)
		return
	}

	docs, err := policy.ParseDocument(body, "lint", h.engine, h.roles)
	if err != nil {
		var syntax *policy.SyntaxError
		if errors.As(err, &syntax) {
			writeJSON(w, http.StatusOK, lintResponse{Valid: false, Issues: syntax.Issues})
			return
		}
		writeError(w, r, err)
		return
	}

	issues := []policy.Issue{}
	for _, d := range docs {
		issues = append(issues, d.Warnings...)
	}
	writeJSON(w, http.StatusOK, lintResponse{Valid: true, Issues: issues})
}
