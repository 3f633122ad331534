package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraconstructs/jitaccess/internal/audit"
	"github.com/terraconstructs/jitaccess/internal/catalog"
	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
	"github.com/terraconstructs/jitaccess/internal/proposal"
	"github.com/terraconstructs/jitaccess/internal/provision"
	"github.com/terraconstructs/jitaccess/internal/repository"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// InputExpiry is the reserved input name carrying the requested membership
// duration as an ISO-8601 duration.
const InputExpiry = "expiry"

// JoinStatus is the outcome of an executed join.
type JoinStatus string

const (
	// StatusExecuted means the membership was provisioned.
	StatusExecuted JoinStatus = "EXECUTED"

	// StatusProposed means the join needs approval; a proposal token was
	// minted for the approver audience.
	StatusProposed JoinStatus = "PROPOSED"
)

// Engine executes join and approval operations.
type Engine struct {
	catalog     *catalog.Catalog
	resolver    *subject.Resolver
	provisioner *provision.Service
	signer      *proposal.TokenSigner
	directory   directory.Client
	mapping     *directory.GroupMapping
	expr        *expr.Engine
	ledger      repository.ProposalRecordRepository
	auditLog    audit.Logger

	reports reconcileReports
}

// EngineParams collects the engine's dependencies.
type EngineParams struct {
	Catalog     *catalog.Catalog
	Resolver    *subject.Resolver
	Provisioner *provision.Service
	Signer      *proposal.TokenSigner
	Directory   directory.Client
	Mapping     *directory.GroupMapping
	Expr        *expr.Engine
	Ledger      repository.ProposalRecordRepository
	Audit       audit.Logger
}

// NewEngine creates an operation engine.
func NewEngine(p EngineParams) *Engine {
	return &Engine{
		catalog:     p.Catalog,
		resolver:    p.Resolver,
		provisioner: p.Provisioner,
		signer:      p.Signer,
		directory:   p.Directory,
		mapping:     p.Mapping,
		expr:        p.Expr,
		ledger:      p.Ledger,
		auditLog:    p.Audit,
	}
}

// JoinResult is the outcome of ExecuteJoin.
type JoinResult struct {
	Status JoinStatus

	// Principal and Expiry are set when Status is EXECUTED.
	Principal principal.TimeBound
	Expiry    time.Time

	// Token (obfuscated) and Proposal are set when Status is PROPOSED.
	Token    string
	Proposal *proposal.Proposal
}

// AnalyzeJoin checks whether the subject could join the group. In enforce
// mode the supplied inputs are bound and evaluated against the JOIN
// constraints; in ignore mode only the ACL is consulted.
func (e *Engine) AnalyzeJoin(s *subject.Subject, g *policy.GroupPolicy, inputs map[string]string, mode CheckMode) (*Analysis, error) {
	return e.analyze(s, g, policy.PermissionJoin, policy.ConstraintClassJoin, inputs, mode)
}

// ExecuteJoin performs a join. Subjects holding APPROVE_SELF are provisioned
// immediately; everyone else gets a proposal token addressed to the group's
// approvers.
//
// Error taxonomy: a missing JOIN grant is ErrAccessDenied; an unsatisfied
// constraint is a ConstraintUnsatisfiedError; a constraint that fails to
// evaluate is audited and surfaces as a configuration error.
func (e *Engine) ExecuteJoin(ctx context.Context, s *subject.Subject, g *policy.GroupPolicy, inputs map[string]string) (*JoinResult, error) {
	id := g.ID()
	held := s.ValidPrincipals(time.Now())
	if !policy.IsAccessAllowed(g, held, policy.PermissionJoin) {
		return nil, fmt.Errorf("join %s: %w", id, fault.ErrAccessDenied)
	}

	analysis, err := e.AnalyzeJoin(s, g, inputs, EnforceConstraints)
	if err != nil {
		if fault.IsConfigurationError(err) {
			e.auditLog.Record(audit.ConstraintFailed(s.User, id, constraintName(err), err))
		}
		return nil, err
	}
	if !analysis.Allowed {
		return nil, unsatisfiedError(analysis)
	}

	duration, err := resolveDuration(g, inputs)
	if err != nil {
		return nil, err
	}
	recorded := redactInputs(g, inputs)
	recorded[InputExpiry] = formatISODuration(duration)

	if policy.IsAccessAllowed(g, held, policy.PermissionApproveSelf) {
		expiry, err := e.provisioner.Provision(ctx, g, s.User, duration)
		if err != nil {
			return nil, err
		}
		e.resolver.Invalidate(s.User)
		e.auditLog.Record(audit.JoinExecuted(s.User, id, expiry, recorded))
		return &JoinResult{
			Status:    StatusExecuted,
			Principal: principal.Temporary(id, expiry),
			Expiry:    expiry,
		}, nil
	}

	// Approval required: mint a proposal addressed to the approvers.
	recipients, err := e.resolveApprovers(ctx, g, s.User)
	if err != nil {
		return nil, err
	}
	token, minted, err := e.signer.Sign(&proposal.Proposal{
		Group:      id,
		User:       s.User,
		Recipients: recipients,
		Inputs:     recorded,
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("propose join of %s: %w", id, err)
	}

	e.auditLog.Record(audit.JoinProposed(s.User, id, minted.ID, minted.Recipients, recorded))
	return &JoinResult{
		Status:   StatusProposed,
		Token:    proposal.Obfuscate(token),
		Proposal: minted,
	}, nil
}

// redactInputs keeps only the inputs declared by JOIN constraints, so a
// proposal token never carries undeclared form fields.
func redactInputs(g *policy.GroupPolicy, inputs map[string]string) map[string]string {
	declared := make(map[string]struct{})
	for _, p := range JoinProperties(g) {
		declared[p.Name] = struct{}{}
	}
	out := make(map[string]string)
	for name, value := range inputs {
		if _, ok := declared[name]; ok && value != "" {
			out[name] = value
		}
	}
	return out
}

// unsatisfiedError converts a failed analysis into the user-facing denial.
func unsatisfiedError(analysis *Analysis) error {
	first := analysis.Unsatisfied[0]
	return &fault.ConstraintUnsatisfiedError{Name: first.Name, Display: first.DisplayName}
}

func constraintName(err error) string {
	var failed *fault.ConstraintFailedError
	if errors.As(err, &failed) {
		return failed.Name
	}
	return "unknown"
}
