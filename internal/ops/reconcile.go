package ops

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terraconstructs/jitaccess/internal/audit"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/provision"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// ReconcileReport is the outcome of one reconciliation run over an
// environment's groups.
type ReconcileReport struct {
	Environment string              `json:"environment"`
	RanAt       time.Time           `json:"ranAt"`
	RanBy       string              `json:"ranBy"`
	Findings    []provision.Finding `json:"findings"`

	// Compliant is true when no finding reports drift.
	Compliant bool `json:"compliant"`
}

// reconcileReports keeps the last report per environment for the compliance
// read endpoint. Reports are replaced atomically per run.
type reconcileReports struct {
	mu      sync.RWMutex
	reports map[string]*ReconcileReport
}

func (r *reconcileReports) put(report *ReconcileReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string]*ReconcileReport)
	}
	r.reports[report.Environment] = report
}

func (r *reconcileReports) get(env string) *ReconcileReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reports[env]
}

// RunReconciliation compares the provisioned state of every group in the
// environment against the live cloud state. Requires RECONCILE on the
// environment.
func (e *Engine) RunReconciliation(ctx context.Context, s *subject.Subject, envName string) (*ReconcileReport, error) {
	env, err := e.catalog.Environment(s, envName)
	if err != nil {
		return nil, err
	}
	if !policy.IsAccessAllowed(env, s.ValidPrincipals(time.Now()), policy.PermissionReconcile) {
		return nil, fmt.Errorf("reconcile %s: %w", envName, fault.ErrAccessDenied)
	}

	report := &ReconcileReport{
		Environment: envName,
		RanAt:       time.Now().UTC(),
		RanBy:       s.User.Value(),
	}
	for _, sys := range env.Systems {
		for _, g := range sys.Groups {
			findings, err := e.provisioner.Reconcile(ctx, g)
			if err != nil {
				return nil, fmt.Errorf("reconcile %s: %w", g.ID(), err)
			}
			report.Findings = append(report.Findings, findings...)
		}
	}

	report.Compliant = true
	for _, f := range report.Findings {
		if f.State != provision.FindingOK {
			report.Compliant = false
			break
		}
	}

	e.reports.put(report)
	e.auditLog.Record(audit.ReconcileRun(s.User, envName, len(report.Findings), report.Compliant))
	log.Printf("INFO: reconciled %s: %d findings, compliant=%t", envName, len(report.Findings), report.Compliant)
	return report, nil
}

// LastReconciliation returns the most recent report for an environment, or
// ErrResourceNotFound when none has run since startup. Requires VIEW.
func (e *Engine) LastReconciliation(s *subject.Subject, envName string) (*ReconcileReport, error) {
	if _, err := e.catalog.Environment(s, envName); err != nil {
		return nil, err
	}
	report := e.reports.get(envName)
	if report == nil {
		return nil, fmt.Errorf("no reconciliation report for %s: %w", envName, fault.ErrResourceNotFound)
	}
	return report, nil
}
