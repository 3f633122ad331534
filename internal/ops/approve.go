package ops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/terraconstructs/jitaccess/internal/audit"
	"github.com/terraconstructs/jitaccess/internal/db/models"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
	"github.com/terraconstructs/jitaccess/internal/proposal"
	"github.com/terraconstructs/jitaccess/internal/repository"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// AcceptProposal verifies an obfuscated proposal token and returns the
// decoded proposal together with the group it targets. Verification
// failures surface as a generic denial so callers cannot probe tokens.
func (e *Engine) AcceptProposal(s *subject.Subject, token string) (*proposal.Proposal, *policy.GroupPolicy, error) {
	raw, err := proposal.Deobfuscate(token)
	if err != nil {
		return nil, nil, fmt.Errorf("proposal rejected: %w", fault.ErrNotAuthenticated)
	}
	p, err := e.signer.Verify(raw)
	if err != nil {
		log.Printf("WARNING: proposal verification failed: %v", err)
		return nil, nil, fmt.Errorf("proposal rejected: %w", fault.ErrNotAuthenticated)
	}

	g, err := e.catalog.Group(s, p.Group)
	if err != nil {
		return nil, nil, err
	}
	return p, g, nil
}

// AnalyzeApproval checks whether the subject could approve the proposal:
// audience membership, the APPROVE_OTHERS grant, APPROVE-class constraints
// against the approver's inputs, and the proposer's recorded JOIN inputs
// re-evaluated under the current policy.
func (e *Engine) AnalyzeApproval(s *subject.Subject, p *proposal.Proposal, g *policy.GroupPolicy, inputs map[string]string, mode CheckMode) (*Analysis, error) {
	analysis, err := e.analyze(s, g, policy.PermissionApproveOthers, policy.ConstraintClassApprove, inputs, mode)
	if err != nil {
		return nil, err
	}
	if s.User == p.User || !p.CanApprove(s.User) {
		analysis.Allowed = false
		return analysis, nil
	}
	if mode == IgnoreConstraints || !analysis.Allowed {
		return analysis, nil
	}

	// The join must still be permitted under the current policy with the
	// inputs recorded at proposal time.
	joinAnalysis, err := e.analyzeRecordedJoin(p, g)
	if err != nil {
		return nil, err
	}
	if !joinAnalysis.Allowed {
		analysis.Allowed = false
		analysis.Unsatisfied = append(analysis.Unsatisfied, joinAnalysis.Unsatisfied...)
	}
	return analysis, nil
}

// analyzeRecordedJoin re-evaluates the JOIN constraints against the
// proposer's recorded inputs, as the proposer.
func (e *Engine) analyzeRecordedJoin(p *proposal.Proposal, g *policy.GroupPolicy) (*Analysis, error) {
	proposer := &subject.Subject{
		User: p.User,
		Principals: []principal.TimeBound{
			principal.Permanent(p.User),
			principal.Permanent(principal.AuthenticatedUsers),
		},
	}
	activation, err := e.buildActivation(proposer, g, policy.ConstraintClassJoin, p.Inputs)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{}
	for _, c := range policy.EffectiveConstraints(g, policy.ConstraintClassJoin) {
		cel, ok := c.(*policy.CelConstraint)
		if !ok {
			continue
		}
		err := cel.Check(e.expr, activation)
		switch {
		case err == nil:
			analysis.Satisfied = append(analysis.Satisfied, cel.Name)
		case isUnsatisfied(err):
			analysis.Unsatisfied = append(analysis.Unsatisfied, Unsatisfied{
				Name:        cel.Name,
				DisplayName: cel.ConstraintDisplayName(),
			})
		default:
			return nil, err
		}
	}
	analysis.Allowed = len(analysis.Unsatisfied) == 0
	return analysis, nil
}

// ExecuteApproval approves a proposal and provisions the joining user with
// the duration fixed at proposal time.
//
// Approving an already-executed proposal converges on the executed state:
// nothing is re-provisioned or re-audited, and the caller gets the executed
// result. Two approvers racing the same token inside the check-then-provision
// window both reach provisioning; the second one's writes collapse into
// no-ops because the binding condition is identical.
func (e *Engine) ExecuteApproval(ctx context.Context, s *subject.Subject, p *proposal.Proposal, g *policy.GroupPolicy, inputs map[string]string) (*JoinResult, error) {
	id := g.ID()

	if s.User == p.User {
		return nil, fmt.Errorf("approving own proposal: %w", fault.ErrAccessDenied)
	}
	if !p.CanApprove(s.User) {
		return nil, fmt.Errorf("approve %s: not in the proposal audience: %w", id, fault.ErrAccessDenied)
	}
	if !policy.IsAccessAllowed(g, s.ValidPrincipals(time.Now()), policy.PermissionApproveOthers) {
		return nil, fmt.Errorf("approve %s: %w", id, fault.ErrAccessDenied)
	}

	executed, err := e.ledger.IsExecuted(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("check proposal ledger: %w", err)
	}
	if executed {
		log.Printf("INFO: proposal %s already executed, approval is a no-op", p.ID)
		return e.executedResult(ctx, id, p.User), nil
	}

	analysis, err := e.AnalyzeApproval(s, p, g, inputs, EnforceConstraints)
	if err != nil {
		if fault.IsConfigurationError(err) {
			e.auditLog.Record(audit.ConstraintFailed(s.User, id, constraintName(err), err))
		}
		return nil, err
	}
	if !analysis.Allowed {
		return nil, unsatisfiedError(analysis)
	}

	duration, err := resolveDuration(g, p.Inputs)
	if err != nil {
		return nil, err
	}
	expiry, err := e.provisioner.Provision(ctx, g, p.User, duration)
	if err != nil {
		return nil, err
	}
	e.resolver.Invalidate(p.User)

	record := &models.ProposalRecord{
		ID:         p.ID,
		GroupID:    id.Value(),
		UserID:     p.User.Value(),
		ApproverID: s.User.Value(),
		ApprovedAt: time.Now().UTC(),
		ExpiresAt:  p.Expiry,
	}
	if err := e.ledger.Record(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateProposal) {
			// The racing approver won the ledger; provisioning was
			// idempotent, so this approval still succeeded.
			log.Printf("INFO: proposal %s was recorded concurrently", p.ID)
		} else {
			return nil, fmt.Errorf("record proposal: %w", err)
		}
	}

	e.auditLog.Record(audit.JoinExecutedByApproval(p.User, s.User, id, p.ID, expiry, p.Inputs, inputs))
	return &JoinResult{
		Status:    StatusExecuted,
		Principal: principal.Temporary(id, expiry),
		Expiry:    expiry,
	}, nil
}

// executedResult reports an already-executed proposal as success. The
// membership expiry is read back from the directory; a proposal whose
// membership already lapsed still reports executed, with a zero expiry.
func (e *Engine) executedResult(ctx context.Context, id principal.JitGroupID, user principal.EndUserID) *JoinResult {
	result := &JoinResult{Status: StatusExecuted}
	m, err := e.directory.GetMembership(ctx, e.mapping.GroupEmail(id), user)
	if err != nil {
		log.Printf("WARNING: read back membership of %s in %s: %v", user, id, err)
		return result
	}
	if m != nil && m.Expiry != nil {
		result.Expiry = *m.Expiry
		result.Principal = principal.Temporary(id, *m.Expiry)
	}
	return result
}
