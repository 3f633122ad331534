// Package catalog exposes the policy tree filtered by what a subject is
// allowed to see. Denied and nonexistent resources are indistinguishable.
package catalog

import (
	"fmt"
	"time"

	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// Catalog answers visibility-filtered queries against the current policy
// snapshot.
type Catalog struct {
	store *policy.Store
}

// New creates a catalog over the given store.
func New(store *policy.Store) *Catalog {
	return &Catalog{store: store}
}

// Environments lists the environments the subject can VIEW.
func (c *Catalog) Environments(s *subject.Subject) []*policy.EnvironmentPolicy {
	snap := c.store.Get()
	if snap == nil {
		return nil
	}
	held := s.ValidPrincipals(time.Now())
	var out []*policy.EnvironmentPolicy
	for _, env := range snap.Environments {
		if policy.IsAccessAllowed(env, held, policy.PermissionView) {
			out = append(out, env)
		}
	}
	return out
}

// Environment returns the named environment if the subject can VIEW it.
// Unknown and denied environments both return ErrResourceNotFound.
func (c *Catalog) Environment(s *subject.Subject, name string) (*policy.EnvironmentPolicy, error) {
	snap := c.store.Get()
	if snap == nil {
		return nil, fmt.Errorf("environment %s: %w", name, fault.ErrResourceNotFound)
	}
	env := snap.Environment(name)
	if env == nil || !policy.IsAccessAllowed(env, s.ValidPrincipals(time.Now()), policy.PermissionView) {
		return nil, fmt.Errorf("environment %s: %w", name, fault.ErrResourceNotFound)
	}
	return env, nil
}

// System returns the named system if the subject can VIEW it.
func (c *Catalog) System(s *subject.Subject, envName, sysName string) (*policy.SystemPolicy, error) {
	env, err := c.Environment(s, envName)
	if err != nil {
		return nil, err
	}
	sys := env.System(sysName)
	if sys == nil || !policy.IsAccessAllowed(sys, s.ValidPrincipals(time.Now()), policy.PermissionView) {
		return nil, fmt.Errorf("system %s/%s: %w", envName, sysName, fault.ErrResourceNotFound)
	}
	return sys, nil
}

// Groups lists the groups of a system the subject can VIEW.
func (c *Catalog) Groups(s *subject.Subject, envName, sysName string) ([]*policy.GroupPolicy, error) {
	sys, err := c.System(s, envName, sysName)
	if err != nil {
		return nil, err
	}
	held := s.ValidPrincipals(time.Now())
	var out []*policy.GroupPolicy
	for _, g := range sys.Groups {
		if policy.IsAccessAllowed(g, held, policy.PermissionView) {
			out = append(out, g)
		}
	}
	return out, nil
}

// Group resolves a JIT group ID if the subject can VIEW it.
func (c *Catalog) Group(s *subject.Subject, id principal.JitGroupID) (*policy.GroupPolicy, error) {
	g, err := c.store.LookupGroup(id)
	if err != nil {
		return nil, err
	}
	if !policy.IsAccessAllowed(g, s.ValidPrincipals(time.Now()), policy.PermissionView) {
		return nil, fmt.Errorf("group %s: %w", id, fault.ErrResourceNotFound)
	}
	return g, nil
}

// RawEnvironment returns the source document of an environment for export.
// Requires EXPORT on the environment.
func (c *Catalog) RawEnvironment(s *subject.Subject, name string) ([]byte, error) {
	snap := c.store.Get()
	if snap == nil {
		return nil, fmt.Errorf("environment %s: %w", name, fault.ErrResourceNotFound)
	}
	env := snap.Environment(name)
	held := s.ValidPrincipals(time.Now())
	if env == nil || !policy.IsAccessAllowed(env, held, policy.PermissionView) {
		return nil, fmt.Errorf("environment %s: %w", name, fault.ErrResourceNotFound)
	}
	if !policy.IsAccessAllowed(env, held, policy.PermissionExport) {
		return nil, fmt.Errorf("export %s: %w", name, fault.ErrAccessDenied)
	}
	raw, ok := snap.Raw(name)
	if !ok {
		return nil, fmt.Errorf("environment %s: %w", name, fault.ErrResourceNotFound)
	}
	return raw, nil
}
