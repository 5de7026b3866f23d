// Package identity maps marketplace usernames onto backend (POSIX) identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"siteagent/internal/pkg/cache"
)

var ErrUnknownUser = errors.New("unknown user")

type Identity struct {
	// Username is the backend login, e.g. the LDAP uid.
	Username string   `json:"username"`
	UID      int      `json:"uid,omitempty"`
	DN       string   `json:"dn,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// Directory looks up one user by marketplace username.
type Directory interface {
	LookupUser(ctx context.Context, name string) (*Identity, error)
}

// Passthrough uses marketplace usernames as backend usernames.
type Passthrough struct{}

func (Passthrough) LookupUser(_ context.Context, name string) (*Identity, error) {
	if name == "" {
		return nil, ErrUnknownUser
	}
	return &Identity{Username: name}, nil
}

// Resolver caches directory lookups for the life of the process.
type Resolver struct {
	users *cache.Lazy[*Identity]
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{users: cache.NewLazy(func(ctx context.Context, name string) (*Identity, error) {
		id, err := dir.LookupUser(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", name, err)
		}
		return id, nil
	})}
}

func (r *Resolver) Resolve(ctx context.Context, name string) (*Identity, error) {
	return r.users.Get(ctx, name)
}

// ResolveAll maps each name to a backend username. Names that cannot be resolved are
// returned separately and left out of the result.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) ([]string, map[string]error) {
	out := make([]string, 0, len(names))
	var failed map[string]error
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		id, err := r.Resolve(ctx, n)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[n] = err
			continue
		}
		if _, dup := seen[id.Username]; dup {
			continue
		}
		seen[id.Username] = struct{}{}
		out = append(out, id.Username)
	}
	sort.Strings(out)
	return out, failed
}

// Forget drops a cached identity, e.g. after the directory entry changed.
func (r *Resolver) Forget(name string) { r.users.Forget(name) }

// Package-level default resolver for convenience wiring.
var defaultResolver = NewResolver(Passthrough{})

// SetDefault replaces the process-wide resolver.
func SetDefault(r *Resolver) { defaultResolver = r }

// Default returns the process-wide resolver.
func Default() *Resolver { return defaultResolver }
