package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Snapshot is an immutable view of all loaded environment policies. Readers
// obtain one via Store.Get and keep using it for the duration of a request;
// a concurrent refresh never mutates a published snapshot.
type Snapshot struct {
	Environments []*EnvironmentPolicy
	Warnings     []Issue
	Version      int
	LoadedAt     time.Time

	byName map[string]*EnvironmentPolicy
	raw    map[string]json.RawMessage
}

// Environment returns the named environment policy, or nil.
func (s *Snapshot) Environment(name string) *EnvironmentPolicy {
	return s.byName[name]
}

// Group resolves a JIT group ID against the snapshot's policy tree.
func (s *Snapshot) Group(id principal.JitGroupID) *GroupPolicy {
	env := s.byName[id.Environment]
	if env == nil {
		return nil
	}
	sys := env.System(id.System)
	if sys == nil {
		return nil
	}
	return sys.Group(id.Name)
}

// Raw returns the normalized JSON source of the named environment, retained
// for policy export.
func (s *Snapshot) Raw(name string) (json.RawMessage, bool) {
	raw, ok := s.raw[name]
	return raw, ok
}

// Store provides lock-free access to the current policy snapshot.
//
// Uses atomic.Value holding immutable snapshots. Refresh re-reads the policy
// files, builds a new snapshot on the side, and atomically swaps the pointer,
// so in-flight requests keep a consistent view.
type Store struct {
	snapshot atomic.Value // holds *Snapshot

	paths  []string
	engine *expr.Engine
	roles  RoleResolver
}

// NewStore creates a store and performs the initial load. The initial load
// must succeed for the server to start; later refresh failures keep the last
// good snapshot.
func NewStore(ctx context.Context, paths []string, engine *expr.Engine, roles RoleResolver) (*Store, error) {
	s := &Store{paths: paths, engine: engine, roles: roles}
	if err := s.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial policy load: %w", err)
	}
	return s, nil
}

// Get returns the current snapshot. Never blocks.
func (s *Store) Get() *Snapshot {
	val := s.snapshot.Load()
	if val == nil {
		return nil
	}
	return val.(*Snapshot)
}

// Refresh re-reads all configured policy paths and atomically swaps in a new
// snapshot. Safe to call concurrently with Get. On error the previous
// snapshot stays published.
func (s *Store) Refresh(ctx context.Context) error {
	files, err := expandPolicyPaths(s.paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no policy documents found under %s", strings.Join(s.paths, ", "))
	}

	next := &Snapshot{
		byName:   make(map[string]*EnvironmentPolicy),
		raw:      make(map[string]json.RawMessage),
		LoadedAt: time.Now().UTC(),
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		docs, err := ParseDocument(data, file, s.engine, s.roles)
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		for _, doc := range docs {
			name := doc.Environment.Name
			if _, dup := next.byName[name]; dup {
				return fmt.Errorf("parse policy %s: environment %q already defined elsewhere", file, name)
			}
			next.byName[name] = doc.Environment
			next.raw[name] = doc.Raw
			next.Environments = append(next.Environments, doc.Environment)
			next.Warnings = append(next.Warnings, doc.Warnings...)
		}
	}

	sort.Slice(next.Environments, func(i, j int) bool {
		return next.Environments[i].Name < next.Environments[j].Name
	})

	prevVersion := 0
	if prev := s.Get(); prev != nil {
		prevVersion = prev.Version
	}
	next.Version = prevVersion + 1

	s.snapshot.Store(next)
	log.Printf("INFO: loaded %d environment policies from %d files (version %d)",
		len(next.Environments), len(files), next.Version)
	for _, w := range next.Warnings {
		log.Printf("WARNING: policy: %s", w)
	}
	return nil
}

// LookupGroup resolves a JIT group ID, or returns ErrResourceNotFound. The
// error deliberately does not distinguish unknown from existing groups;
// access-aware callers add their own VIEW filtering on top.
func (s *Store) LookupGroup(id principal.JitGroupID) (*GroupPolicy, error) {
	snap := s.Get()
	if snap == nil {
		return nil, fmt.Errorf("policy store not loaded: %w", fault.ErrResourceNotFound)
	}
	g := snap.Group(id)
	if g == nil {
		return nil, fmt.Errorf("group %s: %w", id, fault.ErrResourceNotFound)
	}
	return g, nil
}

// expandPolicyPaths resolves the configured paths to a sorted list of policy
// files. A directory contributes its .yaml/.yml/.json entries, non-recursive.
func expandPolicyPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat policy path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read policy dir %s: %w", p, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch filepath.Ext(e.Name()) {
			case ".yaml", ".yml", ".json":
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

