// Package principal models the typed identities that appear in policies,
// access control entries, and cloud IAM bindings.
//
// A principal is a tagged variant: end user, directory group, service
// account, JIT group, user class, or directory domain set. All variants have
// a canonical case-folded value and a stable prefixed string form such as
// "user:alice@example.com". Equality and ordering are defined on the prefixed
// form, so comparisons are total and stable across process runs.
package principal

import (
	"fmt"
	"strings"
	"time"
)

// Prefixes for the string form of each variant. Parsing is case-insensitive
// on the prefix; formatting always emits these exact spellings.
const (
	PrefixUser           = "user"
	PrefixGroup          = "group"
	PrefixServiceAccount = "serviceAccount"
	PrefixJitGroup       = "jit-group"
	PrefixClass          = "class"
	PrefixDomain         = "domain"
)

// ID is the common interface of all principal variants.
//
// Variants are comparable value types, so two IDs are equal iff they have the
// same dynamic type and canonical value; interface equality (==) is the
// intended comparison.
type ID interface {
	// Value returns the canonical, case-folded value without the type prefix.
	Value() string

	// String returns the prefixed canonical form, e.g. "group:eng@example.com".
	String() string

	principal()
}

// IamID marks principals that can appear in cloud IAM bindings: end users,
// groups, service accounts, and JIT groups. User classes and domain sets are
// policy-only concepts and are deliberately excluded.
type IamID interface {
	ID
	iamBindable()
}

// EndUserID identifies a human end user by primary email address.
type EndUserID string

// NewEndUserID canonicalizes an email address into an EndUserID.
func NewEndUserID(email string) EndUserID {
	return EndUserID(strings.ToLower(strings.TrimSpace(email)))
}

func (u EndUserID) Value() string  { return string(u) }
func (u EndUserID) String() string { return PrefixUser + ":" + string(u) }
func (EndUserID) principal()       {}
func (EndUserID) iamBindable()     {}

// GroupID identifies a directory group by email address.
type GroupID string

// NewGroupID canonicalizes a group email address into a GroupID.
func NewGroupID(email string) GroupID {
	return GroupID(strings.ToLower(strings.TrimSpace(email)))
}

func (g GroupID) Value() string  { return string(g) }
func (g GroupID) String() string { return PrefixGroup + ":" + string(g) }
func (GroupID) principal()       {}
func (GroupID) iamBindable()     {}

// ServiceAccountID identifies a cloud service account by email address.
type ServiceAccountID string

// NewServiceAccountID canonicalizes a service account email.
func NewServiceAccountID(email string) ServiceAccountID {
	return ServiceAccountID(strings.ToLower(strings.TrimSpace(email)))
}

func (s ServiceAccountID) Value() string  { return string(s) }
func (s ServiceAccountID) String() string { return PrefixServiceAccount + ":" + string(s) }
func (ServiceAccountID) principal()       {}
func (ServiceAccountID) iamBindable()     {}

// JitGroupID identifies a JIT group by its position in the
// environment/system/group policy hierarchy.
type JitGroupID struct {
	Environment string
	System      string
	Name        string
}

// NewJitGroupID canonicalizes the three name components.
func NewJitGroupID(environment, system, name string) JitGroupID {
	return JitGroupID{
		Environment: strings.ToLower(strings.TrimSpace(environment)),
		System:      strings.ToLower(strings.TrimSpace(system)),
		Name:        strings.ToLower(strings.TrimSpace(name)),
	}
}

func (j JitGroupID) Value() string {
	return j.Environment + "." + j.System + "." + j.Name
}

func (j JitGroupID) String() string { return PrefixJitGroup + ":" + j.Value() }
func (JitGroupID) principal()       {}
func (JitGroupID) iamBindable()     {}

// UserClassID identifies a class of users rather than an individual.
type UserClassID string

// AuthenticatedUsers is the class of all users that passed ingress
// authentication. Every resolved subject carries it.
const AuthenticatedUsers UserClassID = "authenticatedUsers"

func (c UserClassID) Value() string  { return string(c) }
func (c UserClassID) String() string { return PrefixClass + ":" + string(c) }
func (UserClassID) principal()       {}

// DomainSetID identifies the set of all identities in a directory domain.
type DomainSetID string

// NewDomainSetID canonicalizes a domain name.
func NewDomainSetID(domain string) DomainSetID {
	return DomainSetID(strings.ToLower(strings.TrimSpace(domain)))
}

func (d DomainSetID) Value() string  { return string(d) }
func (d DomainSetID) String() string { return PrefixDomain + ":" + string(d) }
func (DomainSetID) principal()       {}

// Parse parses the prefixed string form of any principal variant.
// The prefix match is case-insensitive and the value is case-folded.
func Parse(s string) (ID, error) {
	prefix, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || value == "" {
		return nil, fmt.Errorf("%q is not a valid principal identifier", s)
	}

	switch strings.ToLower(prefix) {
	case strings.ToLower(PrefixUser):
		return NewEndUserID(value), nil
	case strings.ToLower(PrefixGroup):
		return NewGroupID(value), nil
	case strings.ToLower(PrefixServiceAccount):
		return NewServiceAccountID(value), nil
	case strings.ToLower(PrefixJitGroup):
		return ParseJitGroupID(value)
	case strings.ToLower(PrefixClass):
		switch strings.ToLower(value) {
		case strings.ToLower(string(AuthenticatedUsers)):
			return AuthenticatedUsers, nil
		}
		return nil, fmt.Errorf("unknown user class %q", value)
	case strings.ToLower(PrefixDomain):
		return NewDomainSetID(value), nil
	default:
		return nil, fmt.Errorf("unknown principal type %q", prefix)
	}
}

// ParseIam parses a principal string and requires it to be IAM-bindable.
func ParseIam(s string) (IamID, error) {
	id, err := Parse(s)
	if err != nil {
		return nil, err
	}
	iam, ok := id.(IamID)
	if !ok {
		return nil, fmt.Errorf("principal %q cannot appear in IAM bindings", s)
	}
	return iam, nil
}

// ParseJitGroupID parses the dotted "environment.system.name" value of a
// JIT group identifier.
func ParseJitGroupID(value string) (JitGroupID, error) {
	parts := strings.Split(strings.TrimSpace(value), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return JitGroupID{}, fmt.Errorf("%q is not a valid JIT group identifier", value)
	}
	return NewJitGroupID(parts[0], parts[1], parts[2]), nil
}

// Compare orders two principals by their prefixed string form.
func Compare(a, b ID) int { return strings.Compare(a.String(), b.String()) }

// TimeBound pairs a principal with an optional expiry.
//
// A nil expiry means the principal is held permanently; a non-nil expiry
// means it is temporary and only valid while the expiry lies in the future.
// Temporary principals arise exclusively from JIT-group memberships.
type TimeBound struct {
	ID     ID
	Expiry *time.Time
}

// Permanent wraps a principal without an expiry.
func Permanent(id ID) TimeBound { return TimeBound{ID: id} }

// Temporary wraps a principal with an expiry.
func Temporary(id ID, expiry time.Time) TimeBound {
	return TimeBound{ID: id, Expiry: &expiry}
}

// Valid reports whether the principal is held at the given instant.
func (t TimeBound) Valid(now time.Time) bool {
	return t.Expiry == nil || t.Expiry.After(now)
}

func (t TimeBound) String() string {
	if t.Expiry == nil {
		return t.ID.String()
	}
	return fmt.Sprintf("%s (until %s)", t.ID, t.Expiry.UTC().Format(time.RFC3339))
}
