// Package policy models the declarative policy catalog: permission masks,
// access control lists, the environment/system/group tree, constraints,
// privileges, and the document parser that produces them.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Mask is a bitwise OR of permission bits.
type Mask uint32

// Permission bits. VIEW gates catalog visibility; JOIN and the APPROVE bits
// drive the join/approval engine; EXPORT gates raw policy export; RECONCILE
// gates compliance runs.
const (
	PermissionView Mask = 1 << iota
	PermissionJoin
	PermissionApproveSelf
	PermissionApproveOthers
	PermissionExport
	PermissionReconcile
)

var permissionNames = map[Mask]string{
	PermissionView:          "VIEW",
	PermissionJoin:          "JOIN",
	PermissionApproveSelf:   "APPROVE_SELF",
	PermissionApproveOthers: "APPROVE_OTHERS",
	PermissionExport:        "EXPORT",
	PermissionReconcile:     "RECONCILE",
}

// ParsePermission maps a document permission name to its bit.
func ParsePermission(name string) (Mask, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for bit, n := range permissionNames {
		if n == upper {
			return bit, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// Covers reports whether every bit of required is present in m.
func (m Mask) Covers(required Mask) bool {
	return required != 0 && m&required == required
}

// Names returns the permission names present in the mask, sorted.
func (m Mask) Names() []string {
	var names []string
	for bit, n := range permissionNames {
		if m&bit != 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (m Mask) String() string { return strings.Join(m.Names(), "|") }
