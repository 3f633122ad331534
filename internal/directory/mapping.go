package directory

import (
	"fmt"
	"strings"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// groupEmailPrefix tags directory groups managed by this service. Only
// prefixed groups are ever written to, and only prefixed groups map back to
// JIT group IDs during subject resolution.
const groupEmailPrefix = "jit"

// GroupMapping translates between JIT group IDs and the directory group
// emails that back them ("jit.<environment>.<system>.<name>@<domain>").
type GroupMapping struct {
	domain string
}

// NewGroupMapping creates a mapping for the given groups domain.
func NewGroupMapping(domain string) (*GroupMapping, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.Contains(domain, "@") {
		return nil, fmt.Errorf("invalid groups domain %q", domain)
	}
	return &GroupMapping{domain: domain}, nil
}

// GroupEmail returns the directory group backing a JIT group.
func (m *GroupMapping) GroupEmail(id principal.JitGroupID) principal.GroupID {
	return principal.NewGroupID(fmt.Sprintf("%s.%s@%s", groupEmailPrefix, id.Value(), m.domain))
}

// JitGroupID maps a directory group email back to a JIT group ID. The second
// return value is false for groups this service does not manage.
func (m *GroupMapping) JitGroupID(group principal.GroupID) (principal.JitGroupID, bool) {
	email := group.Value()
	at := strings.LastIndexByte(email, '@')
	if at < 0 || email[at+1:] != m.domain {
		return principal.JitGroupID{}, false
	}
	local := email[:at]
	if !strings.HasPrefix(local, groupEmailPrefix+".") {
		return principal.JitGroupID{}, false
	}
	id, err := principal.ParseJitGroupID(local[len(groupEmailPrefix)+1:])
	if err != nil {
		return principal.JitGroupID{}, false
	}
	return id, true
}
