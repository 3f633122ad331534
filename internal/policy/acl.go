package policy

import (
	"fmt"
	"strings"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// EntryKind is the effect of an access control entry.
type EntryKind string

const (
	Allow EntryKind = "ALLOW"
	Deny  EntryKind = "DENY"
)

// Entry is a single access control entry: an effect, a principal, and the
// permission mask the effect applies to.
type Entry struct {
	Kind      EntryKind
	Principal principal.ID
	Mask      Mask
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Kind, e.Principal, e.Mask)
}

// ACL is an ordered sequence of entries.
//
// Evaluation is first-match: the first entry whose principal the subject
// holds and whose mask covers the required permissions decides the outcome.
// An ACL with no deciding entry denies.
type ACL struct {
	Entries []Entry
}

// AllowAll returns an ACL granting the given permissions to all
// authenticated users. Used as the implicit environment default.
func AllowAll(mask Mask) *ACL {
	return &ACL{Entries: []Entry{{
		Kind:      Allow,
		Principal: principal.AuthenticatedUsers,
		Mask:      mask,
	}}}
}

// IsAllowed evaluates the ACL for a subject holding the given principals.
// Callers must pass only currently valid principals; expired JIT memberships
// must be filtered out beforehand.
func (a *ACL) IsAllowed(held []principal.ID, required Mask) bool {
	if a == nil || required == 0 {
		return false
	}
	for _, entry := range a.Entries {
		if !entry.Mask.Covers(required) {
			continue
		}
		for _, h := range held {
			if h == entry.Principal {
				return entry.Kind == Allow
			}
		}
	}
	return false
}

// Concat returns a new ACL with the entries of all arguments in order.
// Nil ACLs contribute nothing.
func Concat(acls ...*ACL) *ACL {
	out := &ACL{}
	for _, a := range acls {
		if a == nil {
			continue
		}
		out.Entries = append(out.Entries, a.Entries...)
	}
	return out
}

func (a *ACL) String() string {
	if a == nil {
		return "<inherited>"
	}
	parts := make([]string, len(a.Entries))
	for i, e := range a.Entries {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
