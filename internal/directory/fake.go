package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Fake is an in-memory Client for tests and local development.
type Fake struct {
	mu sync.Mutex

	groups         map[principal.GroupID]bool
	memberships    map[principal.GroupID]map[principal.EndUserID]*time.Time
	membershipErrs map[principal.GroupID]error

	// Err, when set, is returned by every call.
	Err error
}

// NewFake creates an empty in-memory directory.
func NewFake() *Fake {
	return &Fake{
		groups:         make(map[principal.GroupID]bool),
		memberships:    make(map[principal.GroupID]map[principal.EndUserID]*time.Time),
		membershipErrs: make(map[principal.GroupID]error),
	}
}

// AddMembership seeds a membership. A nil expiry is a permanent membership.
func (f *Fake) AddMembership(group principal.GroupID, user principal.EndUserID, expiry *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group] = true
	if f.memberships[group] == nil {
		f.memberships[group] = make(map[principal.EndUserID]*time.Time)
	}
	f.memberships[group][user] = expiry
}

func (f *Fake) ListMembershipGroups(ctx context.Context, user principal.EndUserID) ([]principal.GroupID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []principal.GroupID
	for group, members := range f.memberships {
		if _, ok := members[user]; ok {
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) GetMembership(ctx context.Context, group principal.GroupID, user principal.EndUserID) (*Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if err := f.membershipErrs[group]; err != nil {
		return nil, err
	}
	expiry, ok := f.memberships[group][user]
	if !ok {
		return nil, fmt.Errorf("no membership of %s in %s", user, group)
	}
	return &Membership{Group: group, User: user, Expiry: expiry}, nil
}

// FailMembership makes GetMembership fail for one group.
func (f *Fake) FailMembership(group principal.GroupID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.membershipErrs[group] = err
}

func (f *Fake) ListMembers(ctx context.Context, group principal.GroupID) ([]Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []Member
	for user, expiry := range f.memberships[group] {
		out = append(out, Member{User: user, Expiry: expiry})
	}
	return out, nil
}

func (f *Fake) UpsertMembership(ctx context.Context, group principal.GroupID, user principal.EndUserID, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.memberships[group] == nil {
		f.memberships[group] = make(map[principal.EndUserID]*time.Time)
	}
	e := expiry
	f.memberships[group][user] = &e
	return nil
}

func (f *Fake) EnsureGroup(ctx context.Context, group principal.GroupID, displayName, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.groups[group] = true
	return nil
}

// HasGroup reports whether the group exists.
func (f *Fake) HasGroup(group principal.GroupID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[group]
}

// MembershipExpiry returns the stored expiry for a membership.
func (f *Fake) MembershipExpiry(group principal.GroupID, user principal.EndUserID) (*time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.memberships[group][user]
	return expiry, ok
}

var _ Client = (*Fake)(nil)
