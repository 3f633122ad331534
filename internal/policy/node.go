package policy

import (
	"regexp"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// NamePattern constrains environment, system, and group names.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Metadata records provenance of a policy node.
type Metadata struct {
	Source       string
	LastModified string
	Version      int64
}

// Node is a policy tree node: environment, system, or group.
//
// ACL and constraints are optional at any node; resolution over the ancestry
// chain happens through EffectiveACL and EffectiveConstraints, which are pure
// functions of the (immutable) tree.
type Node interface {
	NodeName() string
	NodeDisplayName() string
	Parent() Node

	// AccessControlList returns the node's own ACL, or nil when the node
	// inherits visibility from its parent.
	AccessControlList() *ACL

	// Constraints returns the node's own constraints of the given class.
	Constraints(class ConstraintClass) []Constraint
}

// EffectiveACL concatenates the ACLs of the node's ancestry, root first and
// the node itself last. With first-match evaluation this means ancestor
// entries are tested before descendant entries: an ancestor DENY binds
// unless an ALLOW is placed in front of it at the same or a higher level.
func EffectiveACL(node Node) *ACL {
	chain := ancestry(node)
	acls := make([]*ACL, len(chain))
	for i, n := range chain {
		acls[i] = n.AccessControlList()
	}
	return Concat(acls...)
}

// EffectiveConstraints composes the constraints of the ancestry chain, root
// first. A descendant constraint overrides an ancestor constraint of the
// same name.
func EffectiveConstraints(node Node, class ConstraintClass) []Constraint {
	var merged []Constraint
	for _, n := range ancestry(node) {
		merged = mergeConstraints(merged, n.Constraints(class))
	}
	return merged
}

// IsAccessAllowed evaluates the node's effective ACL for a subject holding
// the given (pre-validated) principals.
func IsAccessAllowed(node Node, held []principal.ID, required Mask) bool {
	return EffectiveACL(node).IsAllowed(held, required)
}

// ancestry returns the chain from root to node.
func ancestry(node Node) []Node {
	var reversed []Node
	for n := node; n != nil; n = n.Parent() {
		reversed = append(reversed, n)
	}
	chain := make([]Node, len(reversed))
	for i, n := range reversed {
		chain[len(reversed)-1-i] = n
	}
	return chain
}

// EnvironmentPolicy is the root of one policy document.
type EnvironmentPolicy struct {
	Name        string
	DisplayName string
	Description string
	Metadata    Metadata

	ACL           *ACL
	ConstraintMap map[ConstraintClass][]Constraint

	Systems []*SystemPolicy
}

func (e *EnvironmentPolicy) NodeName() string        { return e.Name }
func (e *EnvironmentPolicy) NodeDisplayName() string { return displayName(e.DisplayName, e.Name) }
func (e *EnvironmentPolicy) Parent() Node            { return nil }

// AccessControlList returns the environment's ACL. An environment without an
// explicit ACL grants VIEW to all authenticated users; a document that
// nobody can see is unusable.
func (e *EnvironmentPolicy) AccessControlList() *ACL {
	if e.ACL == nil {
		return AllowAll(PermissionView)
	}
	return e.ACL
}

func (e *EnvironmentPolicy) Constraints(class ConstraintClass) []Constraint {
	return e.ConstraintMap[class]
}

// System returns the named system, or nil.
func (e *EnvironmentPolicy) System(name string) *SystemPolicy {
	for _, s := range e.Systems {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SystemPolicy groups related JIT groups under an environment.
type SystemPolicy struct {
	Name        string
	DisplayName string
	Description string

	ACL           *ACL
	ConstraintMap map[ConstraintClass][]Constraint

	Groups []*GroupPolicy

	Environment *EnvironmentPolicy
}

func (s *SystemPolicy) NodeName() string        { return s.Name }
func (s *SystemPolicy) NodeDisplayName() string { return displayName(s.DisplayName, s.Name) }
func (s *SystemPolicy) Parent() Node {
	if s.Environment == nil {
		return nil
	}
	return s.Environment
}
func (s *SystemPolicy) AccessControlList() *ACL { return s.ACL }
func (s *SystemPolicy) Constraints(class ConstraintClass) []Constraint {
	return s.ConstraintMap[class]
}

// Group returns the named group, or nil.
func (s *SystemPolicy) Group(name string) *GroupPolicy {
	for _, g := range s.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// GroupPolicy is a joinable JIT group and the privileges it grants.
type GroupPolicy struct {
	Name        string
	DisplayName string
	Description string

	ACL           *ACL
	ConstraintMap map[ConstraintClass][]Constraint
	Privileges    []Privilege

	// ApprovalLimits optionally bounds the proposal audience size.
	ApprovalLimits *ApprovalLimits

	System *SystemPolicy
}

func (g *GroupPolicy) NodeName() string        { return g.Name }
func (g *GroupPolicy) NodeDisplayName() string { return displayName(g.DisplayName, g.Name) }
func (g *GroupPolicy) Parent() Node {
	if g.System == nil {
		return nil
	}
	return g.System
}
func (g *GroupPolicy) AccessControlList() *ACL { return g.ACL }
func (g *GroupPolicy) Constraints(class ConstraintClass) []Constraint {
	return g.ConstraintMap[class]
}

// ID returns the group's JIT group identifier.
func (g *GroupPolicy) ID() principal.JitGroupID {
	var env, sys string
	if g.System != nil {
		sys = g.System.Name
		if g.System.Environment != nil {
			env = g.System.Environment.Name
		}
	}
	return principal.NewJitGroupID(env, sys, g.Name)
}

func displayName(display, name string) string {
	if display != "" {
		return display
	}
	return name
}
