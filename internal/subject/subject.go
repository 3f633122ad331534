// Package subject resolves the principals a user holds: their identity, user
// classes, domain, directory groups, and active JIT group memberships.
package subject

import (
	"strings"
	"time"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Subject is a resolved user identity. Principals carry their own expiry;
// access checks must filter through ValidPrincipals at decision time rather
// than trusting the set as-is, since a subject may be cached across the
// expiry of one of its JIT memberships.
type Subject struct {
	User       principal.EndUserID
	Principals []principal.TimeBound

	// ResolvedAt is when the directory was consulted.
	ResolvedAt time.Time
}

// ValidPrincipals returns the principal IDs valid at the given instant.
func (s *Subject) ValidPrincipals(now time.Time) []principal.ID {
	out := make([]principal.ID, 0, len(s.Principals))
	for _, p := range s.Principals {
		if p.Valid(now) {
			out = append(out, p.ID)
		}
	}
	return out
}

// ActiveMembership returns the expiry of the subject's JIT group membership,
// if one is valid at the given instant. Permanent holdings of a JIT group
// principal do not occur; the bool covers the lookup.
func (s *Subject) ActiveMembership(id principal.JitGroupID, now time.Time) (time.Time, bool) {
	for _, p := range s.Principals {
		if g, ok := p.ID.(principal.JitGroupID); ok && g == id && p.Valid(now) && p.Expiry != nil {
			return *p.Expiry, true
		}
	}
	return time.Time{}, false
}

// basePrincipals are the holdings every authenticated user has regardless of
// directory state: their own identity, the authenticated-users class, and
// their email domain.
func basePrincipals(user principal.EndUserID) []principal.TimeBound {
	principals := []principal.TimeBound{
		principal.Permanent(user),
		principal.Permanent(principal.AuthenticatedUsers),
	}
	if at := strings.LastIndexByte(user.Value(), '@'); at >= 0 {
		principals = append(principals, principal.Permanent(principal.NewDomainSetID(user.Value()[at+1:])))
	}
	return principals
}
