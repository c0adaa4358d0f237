// Package policy implements the PolicyOracle spec.md assumes: a
// read-only, concurrency-safe answer to "does user U hold permission P?"
// Grounded on auth/auth.go's AuthService.HasRole/HasAnyRole shape and
// auth/user.go's User.Roles []string, generalized from role membership
// to permission-tag membership with role-parent inheritance and
// "*"-suffix glob matching.
package policy

import (
	"fmt"
	"strings"
)

// RoleConfig is the config-file shape of a `roles` entry.
type RoleConfig struct {
	Parents     []string `mapstructure:"parents"`
	Permissions []string `mapstructure:"permissions"`
}

// Oracle is built once at startup and frozen; every resource goroutine
// reads it concurrently without locking.
type Oracle struct {
	roles       map[string]RoleConfig
	userRoles   map[string][]string
	resolvedAll map[string][]string // role -> fully-expanded permission set, precomputed
}

// BuildFromConfig validates the role graph (no unknown parent, no
// cycles) and precomputes each role's transitive permission set.
func BuildFromConfig(roles map[string]RoleConfig, userRoles map[string][]string) (*Oracle, error) {
	for name, r := range roles {
		for _, p := range r.Parents {
			if _, ok := roles[p]; !ok {
				return nil, fmt.Errorf("policy: role %q has unknown parent %q", name, p)
			}
		}
	}

	o := &Oracle{
		roles:       roles,
		userRoles:   userRoles,
		resolvedAll: make(map[string][]string, len(roles)),
	}
	for name := range roles {
		visited := make(map[string]bool)
		if _, err := o.expand(name, visited); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Oracle) expand(role string, visited map[string]bool) ([]string, error) {
	if perms, ok := o.resolvedAll[role]; ok {
		return perms, nil
	}
	if visited[role] {
		return nil, fmt.Errorf("policy: role %q participates in a parent cycle", role)
	}
	visited[role] = true

	r, ok := o.roles[role]
	if !ok {
		return nil, fmt.Errorf("policy: unknown role %q", role)
	}

	perms := append([]string{}, r.Permissions...)
	for _, parent := range r.Parents {
		parentPerms, err := o.expand(parent, visited)
		if err != nil {
			return nil, err
		}
		perms = append(perms, parentPerms...)
	}
	o.resolvedAll[role] = perms
	return perms, nil
}

// Has reports whether user holds permission perm, directly or through
// role inheritance, with "*"-suffix glob matching.
func (o *Oracle) Has(user string, perm string) bool {
	if perm == "" {
		return true
	}
	for _, role := range o.userRoles[user] {
		for _, granted := range o.resolvedAll[role] {
			if matches(granted, perm) {
				return true
			}
		}
	}
	return false
}

// HasAny reports whether user holds at least one of the listed
// permissions, mirroring auth.AuthService.HasAnyRole's shape.
func (o *Oracle) HasAny(user string, perms ...string) bool {
	for _, p := range perms {
		if o.Has(user, p) {
			return true
		}
	}
	return false
}

// Matches exposes the exact/glob permission-tag match rule for callers
// outside this package that need to test a tag against a directly
// configured permission (e.g. machine's initiator_default_perm) rather
// than going through a user's role set.
func Matches(granted, required string) bool { return matches(granted, required) }

// matches implements exact match or "*"-suffix glob: a granted tag of
// "machine.*" matches any required tag beginning "machine.".
func matches(granted, required string) bool {
	if granted == required {
		return true
	}
	if strings.HasSuffix(granted, "*") {
		prefix := strings.TrimSuffix(granted, "*")
		return strings.HasPrefix(required, prefix)
	}
	return false
}
