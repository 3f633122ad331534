package provision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/terraconstructs/jitaccess/internal/cloudiam"
	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// conditionTitle marks bindings managed by this service. Purge and
// reconciliation only ever touch bindings carrying this title.
const conditionTitle = "JIT access activation"

// maxSetAttempts bounds the read-modify-write loop on etag conflicts.
const maxSetAttempts = 4

// BindingProvisioner provisions temporary conditional IAM role bindings.
type BindingProvisioner struct {
	iam cloudiam.Client
}

// NewBindingProvisioner creates an IAM binding provisioner.
func NewBindingProvisioner(iam cloudiam.Client) *BindingProvisioner {
	return &BindingProvisioner{iam: iam}
}

// Provision grants the binding's role to the member for the given window.
//
// The write follows the platform's optimistic concurrency protocol: read the
// policy, modify, write back with the etag; on a stale etag (412) re-read
// and retry with backoff, up to maxSetAttempts. Before adding the new
// binding, existing temporary bindings for the same member and role are
// purged so repeated joins do not pile up against the binding-count cap.
//
// Idempotent on the condition expression: if an identical binding already
// exists, the call is a no-op. A "role not grantable" rejection maps to
// ErrAccessDenied since no retry can fix it.
func (b *BindingProvisioner) Provision(ctx context.Context, p policy.Privilege, member principal.IamID, start time.Time, duration time.Duration) error {
	binding, ok := p.(*policy.IamRoleBinding)
	if !ok {
		return fmt.Errorf("unsupported privilege %T: %w", p, fault.ErrIllegalArgument)
	}

	window := expr.NewTemporaryCondition(start, duration)
	expression := window.String()
	if binding.Condition != "" {
		expression = fmt.Sprintf("(%s) && %s", binding.Condition, expression)
	}

	attempt := 0
	write := func() error {
		attempt++
		iamPolicy, err := b.iam.GetPolicy(ctx, binding.Resource)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read policy of %s: %w", binding.Resource, err))
		}

		purged := purgeTemporaryBindings(iamPolicy, binding.Role, member.String(), expression)
		if hasBinding(iamPolicy, binding.Role, member.String(), expression) {
			if !purged {
				// Another approver already committed the identical binding.
				return nil
			}
		} else {
			iamPolicy.Bindings = append(iamPolicy.Bindings, &cloudiam.Binding{
				Role:    binding.Role,
				Members: []string{member.String()},
				Condition: &cloudiam.Condition{
					Title:       conditionTitle,
					Description: binding.Description,
					Expression:  expression,
				},
			})
		}

		err = b.iam.SetPolicy(ctx, binding.Resource, iamPolicy)
		switch {
		case err == nil:
			return nil
		case cloudiam.IsRoleNotGrantable(err):
			return backoff.Permanent(fmt.Errorf("role %s on %s: %w", binding.Role, binding.Resource, fault.ErrAccessDenied))
		case cloudiam.IsConflict(err) && attempt < maxSetAttempts:
			log.Printf("WARNING: stale etag writing policy of %s, retrying (attempt %d)", binding.Resource, attempt)
			return err
		default:
			return backoff.Permanent(fmt.Errorf("write policy of %s: %w", binding.Resource, err))
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxSetAttempts-1), ctx)
	if err := backoff.Retry(write, bo); err != nil {
		return err
	}
	return nil
}

// Reconcile inspects the resource's managed bindings for this role and
// reports their state against the clock and the policy checksum.
func (b *BindingProvisioner) Reconcile(ctx context.Context, p policy.Privilege, now time.Time) ([]Finding, error) {
	binding, ok := p.(*policy.IamRoleBinding)
	if !ok {
		return nil, fmt.Errorf("unsupported privilege %T: %w", p, fault.ErrIllegalArgument)
	}

	iamPolicy, err := b.iam.GetPolicy(ctx, binding.Resource)
	if err != nil {
		return nil, fmt.Errorf("read policy of %s: %w", binding.Resource, err)
	}

	var findings []Finding
	for _, existing := range iamPolicy.Bindings {
		if existing.Condition == nil || existing.Condition.Title != conditionTitle {
			continue
		}
		if existing.Role != binding.Role {
			continue
		}
		for _, m := range existing.Members {
			f := Finding{Resource: binding.Resource, Role: existing.Role, Member: m}
			window, ok := findTemporaryWindow(existing.Condition.Expression)
			switch {
			case !ok:
				f.State = FindingOrphaned
				f.Details = "managed binding without a parseable activation window"
			case !now.Before(window.Expiry()):
				f.State = FindingExpired
				f.Details = fmt.Sprintf("window ended %s", window.Expiry().Format(time.RFC3339))
			default:
				f.State = FindingOK
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// purgeTemporaryBindings removes managed temporary bindings of the member
// for the role, except one exactly matching keepExpression. Reports whether
// anything was removed.
func purgeTemporaryBindings(p *cloudiam.Policy, role, member, keepExpression string) bool {
	changed := false
	kept := p.Bindings[:0]
	for _, binding := range p.Bindings {
		if binding.Role != role || binding.Condition == nil ||
			binding.Condition.Title != conditionTitle ||
			binding.Condition.Expression == keepExpression {
			kept = append(kept, binding)
			continue
		}
		members := binding.Members[:0]
		for _, m := range binding.Members {
			if m == member {
				changed = true
				continue
			}
			members = append(members, m)
		}
		binding.Members = members
		if len(binding.Members) > 0 {
			kept = append(kept, binding)
		} else {
			changed = true
		}
	}
	p.Bindings = kept
	return changed
}

// hasBinding reports whether an identical managed binding already exists.
func hasBinding(p *cloudiam.Policy, role, member, expression string) bool {
	for _, binding := range p.Bindings {
		if binding.Role != role || binding.Condition == nil || binding.Condition.Expression != expression {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return true
			}
		}
	}
	return false
}

// findTemporaryWindow extracts the activation window from a condition that
// may wrap it in an extra policy condition.
func findTemporaryWindow(expression string) (expr.TemporaryCondition, bool) {
	if window, ok := expr.ParseTemporaryCondition(expression); ok {
		return window, true
	}
	// Composite "(<extra>) && (<window>)" form.
	if i := lastIndexOfWindow(expression); i >= 0 {
		return expr.ParseTemporaryCondition(expression[i:])
	}
	return expr.TemporaryCondition{}, false
}

func lastIndexOfWindow(expression string) int {
	const marker = "(request.time >= timestamp("
	for i := len(expression) - len(marker); i >= 0; i-- {
		if expression[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
}
