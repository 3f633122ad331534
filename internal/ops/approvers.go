package ops

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Default approver audience bounds, applied when the group policy does not
// configure its own.
const (
	defaultMinimumPeers = 1
	defaultMaximumPeers = 10
)

// resolveApprovers computes the audience of a proposal: the users holding
// APPROVE_OTHERS on the group per its effective ACL, with group principals
// expanded through the directory. The proposing user is excluded.
//
// An audience smaller than the configured minimum is a policy configuration
// problem: the group demands approval nobody can give.
func (e *Engine) resolveApprovers(ctx context.Context, g *policy.GroupPolicy, exclude principal.EndUserID) ([]principal.EndUserID, error) {
	candidates := make(map[principal.EndUserID]struct{})

	for _, entry := range policy.EffectiveACL(g).Entries {
		if entry.Kind != policy.Allow || !entry.Mask.Covers(policy.PermissionApproveOthers) {
			continue
		}
		switch p := entry.Principal.(type) {
		case principal.EndUserID:
			candidates[p] = struct{}{}
		case principal.GroupID:
			members, err := e.directory.ListMembers(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("list approvers in %s: %w", p, err)
			}
			for _, m := range members {
				candidates[m.User] = struct{}{}
			}
		case principal.JitGroupID:
			members, err := e.directory.ListMembers(ctx, e.mapping.GroupEmail(p))
			if err != nil {
				return nil, fmt.Errorf("list approvers in %s: %w", p, err)
			}
			for _, m := range members {
				candidates[m.User] = struct{}{}
			}
		default:
			// Classes and domains cannot be enumerated into an audience.
			log.Printf("WARNING: cannot expand %s into an approver audience, skipping", entry.Principal)
		}
	}
	delete(candidates, exclude)

	approvers := make([]principal.EndUserID, 0, len(candidates))
	for u := range candidates {
		approvers = append(approvers, u)
	}
	sort.Slice(approvers, func(i, j int) bool { return approvers[i] < approvers[j] })

	min, max := defaultMinimumPeers, defaultMaximumPeers
	if g.ApprovalLimits != nil {
		min = g.ApprovalLimits.MinimumPeers
		max = g.ApprovalLimits.MaximumPeers
	}
	if len(approvers) < min {
		return nil, &fault.ConstraintFailedError{
			Name: "approval",
			Err:  fmt.Errorf("group %s requires %d approvers but only %d are available", g.ID(), min, len(approvers)),
		}
	}
	if len(approvers) > max {
		approvers = approvers[:max]
	}
	return approvers, nil
}
