// Package seed implements the Durable Store's load_seed operation
// (spec §4.1): a one-shot bulk import of user/role data from a YAML
// document into the store's users/roles buckets at startup. Grounded on
// network/zti_conf.go's os.ReadFile + yaml.Unmarshal loading style and
// db/bolt/bolt.go's bucketed PutJSON shape, generalized from ad hoc
// config structs to the fixed {users, roles} seed document spec §6
// names.
package seed

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"makerd/policy"
	"makerd/store"
)

// Document is the on-disk shape of a seed file.
type Document struct {
	Users map[string][]string          `yaml:"users"`
	Roles map[string]policy.RoleConfig `yaml:"roles"`
}

// Load parses a seed document from path. It does not touch the store —
// callers combine Load with Apply so a malformed seed file never
// partially writes.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("seed: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Apply bulk-imports a parsed Document into st. One-shot at startup, per
// spec §4.1; re-running it against an already-seeded store simply
// overwrites matching keys (it is not additive-only).
func Apply(st *store.Store, doc *Document) error {
	for user, roles := range doc.Users {
		if err := st.PutUser(user, roles); err != nil {
			return fmt.Errorf("seed: put user %q: %w", user, err)
		}
	}
	for name, cfg := range doc.Roles {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("seed: marshal role %q: %w", name, err)
		}
		if err := st.PutRole(name, raw); err != nil {
			return fmt.Errorf("seed: put role %q: %w", name, err)
		}
	}
	return nil
}

// LoadSeed is the combined load_seed(path) operation spec §4.1 names.
func LoadSeed(st *store.Store, path string) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(st, doc)
}

// LoadOracle rebuilds a policy.Oracle from whatever is currently
// persisted in the store's users/roles buckets, used at startup after
// an optional LoadSeed.
func LoadOracle(st *store.Store) (*policy.Oracle, error) {
	rawRoles, err := st.Roles()
	if err != nil {
		return nil, fmt.Errorf("seed: read roles: %w", err)
	}
	roles := make(map[string]policy.RoleConfig, len(rawRoles))
	for name, raw := range rawRoles {
		var cfg policy.RoleConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("seed: decode role %q: %w", name, err)
		}
		roles[name] = cfg
	}

	users, err := st.Users()
	if err != nil {
		return nil, fmt.Errorf("seed: read users: %w", err)
	}

	return policy.BuildFromConfig(roles, users)
}
