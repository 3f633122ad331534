package subject

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

const (
	defaultWorkers   = 10
	defaultCacheSize = 1000
	defaultCacheTTL  = 30 * time.Second
)

// Resolver resolves subjects against the directory.
//
// Group membership details are fetched with a bounded worker pool since a
// user can be a member of hundreds of groups. Resolved subjects are cached
// with a short TTL; callers that just provisioned a membership invalidate
// the entry so the new holding is visible immediately.
type Resolver struct {
	directory directory.Client
	mapping   *directory.GroupMapping
	workers   int
	cache     *expirable.LRU[principal.EndUserID, *Subject]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	workers   int
	cacheSize int
	cacheTTL  time.Duration
}

// WithWorkers bounds the membership-detail fan-out.
func WithWorkers(n int) ResolverOption {
	return func(c *resolverConfig) { c.workers = n }
}

// WithCache sizes the subject cache.
func WithCache(size int, ttl time.Duration) ResolverOption {
	return func(c *resolverConfig) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

// NewResolver creates a resolver over the given directory.
func NewResolver(dir directory.Client, mapping *directory.GroupMapping, opts ...ResolverOption) *Resolver {
	cfg := resolverConfig{
		workers:   defaultWorkers,
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{
		directory: dir,
		mapping:   mapping,
		workers:   cfg.workers,
		cache:     expirable.NewLRU[principal.EndUserID, *Subject](cfg.cacheSize, nil, cfg.cacheTTL),
	}
}

// Resolve returns the subject for a user, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, user principal.EndUserID) (*Subject, error) {
	if cached, ok := r.cache.Get(user); ok {
		return cached, nil
	}
	s, err := r.resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	r.cache.Add(user, s)
	return s, nil
}

// Invalidate drops the cached subject for a user. Called after provisioning
// so the new membership is visible on the next request.
func (r *Resolver) Invalidate(user principal.EndUserID) {
	r.cache.Remove(user)
}

func (r *Resolver) resolve(ctx context.Context, user principal.EndUserID) (*Subject, error) {
	groups, err := r.directory.ListMembershipGroups(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list memberships of %s: %w", user, err)
	}

	principals := basePrincipals(user)

	// Membership details come from one API call per group; fetch them with
	// a bounded pool. A failed lookup drops that holding and keeps the
	// rest: one bad membership must not hide every other grant the user
	// has. The subject ends up with fewer principals, which can only deny
	// access, never widen it.
	var (
		mu     sync.Mutex
		errs   *multierror.Error
		bounds []principal.TimeBound
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, group := range groups {
		g.Go(func() error {
			membership, err := r.directory.GetMembership(ctx, group, user)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("membership in %s: %w", group, err))
				return nil
			}
			if bound, ok := r.principalFor(membership); ok {
				bounds = append(bounds, bound)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Printf("WARNING: resolve %s: skipped %d unresolved memberships: %v", user, errs.Len(), err)
	}

	// Stable order keeps cache hits and misses indistinguishable to callers.
	sort.Slice(bounds, func(i, j int) bool {
		return principal.Compare(bounds[i].ID, bounds[j].ID) < 0
	})
	principals = append(principals, bounds...)

	return &Subject{
		User:       user,
		Principals: principals,
		ResolvedAt: time.Now().UTC(),
	}, nil
}

// principalFor maps a directory membership to a principal holding. Managed
// JIT groups become jit-group principals carrying the membership expiry;
// other groups stay plain group principals.
func (r *Resolver) principalFor(m *directory.Membership) (principal.TimeBound, bool) {
	if jitID, ok := r.mapping.JitGroupID(m.Group); ok {
		if m.Expiry == nil {
			// A managed group membership without an expiry should not
			// exist; treat it as not held rather than granting open-ended
			// access.
			log.Printf("WARNING: membership of %s in %s has no expiry, ignoring", m.User, m.Group)
			return principal.TimeBound{}, false
		}
		return principal.Temporary(jitID, *m.Expiry), true
	}
	if m.Expiry != nil {
		return principal.Temporary(m.Group, *m.Expiry), true
	}
	return principal.Permanent(m.Group), true
}
