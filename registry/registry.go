// Package registry is the Resource Registry: an in-memory,
// name-to-handle directory populated once at startup from configuration
// and frozen for the remainder of the run. Grounded on
// executor/executor.go's Registry (capability lookup by predicate,
// guarded by a sync.RWMutex) and eve's general Config→Registry wiring
// pattern in cli/root.go — generalized here from a predicate-dispatch
// executor list to a name-keyed map plus the precomputed actuator
// fanout / initiator fanin lists spec §4.2 calls for.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"makerd/makerdconfig"
	"makerd/model"
)

// Registry is the frozen directory of Resources and their wiring to
// actuator/initiator module names.
type Registry struct {
	mu             sync.RWMutex
	resources      map[string]*model.Resource
	actuatorFanout map[string][]string
	initiatorFanin map[string][]string
	actorModules   map[string]makerdconfig.ModuleConfig
	initModules    map[string]makerdconfig.ModuleConfig
}

// BuildFromConfig constructs a Registry from a loaded configuration.
// Dangling actor_connections/init_connections edges are already
// rejected by makerdconfig.Load; this also guards against being handed
// a Config built some other way.
func BuildFromConfig(cfg *makerdconfig.Config) (*Registry, error) {
	r := &Registry{
		resources:      make(map[string]*model.Resource, len(cfg.Machines)),
		actuatorFanout: make(map[string][]string),
		initiatorFanin: make(map[string][]string),
		actorModules:   cfg.Actors,
		initModules:    cfg.Initiators,
	}

	for name, m := range cfg.Machines {
		r.resources[name] = &model.Resource{
			ID:           name,
			Description:  m.Description,
			Labels:       m.Labels,
			DisclosePerm: m.Disclose,
			ReadPerm:     m.Read,
			WritePerm:    m.Write,
			ManagePerm:   m.Manage,
		}
	}

	for _, e := range cfg.ActorConnections {
		if _, ok := r.resources[e.Machine]; !ok {
			return nil, fmt.Errorf("registry: actor_connections references unknown machine %q", e.Machine)
		}
		if _, ok := cfg.Actors[e.Name]; !ok {
			return nil, fmt.Errorf("registry: actor_connections references unknown actor %q", e.Name)
		}
		r.actuatorFanout[e.Machine] = append(r.actuatorFanout[e.Machine], e.Name)
	}
	for _, e := range cfg.InitConnections {
		if _, ok := r.resources[e.Machine]; !ok {
			return nil, fmt.Errorf("registry: init_connections references unknown machine %q", e.Machine)
		}
		if _, ok := cfg.Initiators[e.Name]; !ok {
			return nil, fmt.Errorf("registry: init_connections references unknown initiator %q", e.Name)
		}
		r.initiatorFanin[e.Machine] = append(r.initiatorFanin[e.Machine], e.Name)
	}

	for _, fanout := range r.actuatorFanout {
		sort.Strings(fanout)
	}
	for _, fanin := range r.initiatorFanin {
		sort.Strings(fanin)
	}

	return r, nil
}

// Lookup returns the Resource handle for id, or false if unknown.
// Membership is immutable after BuildFromConfig so this never takes the
// write lock.
func (r *Registry) Lookup(id string) (*model.Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	return res, ok
}

// Iter returns every Resource handle, sorted by ID for deterministic
// iteration (used by list_resources and startup reconciliation).
func (r *Registry) Iter() []*model.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActuatorsFor returns the actuator module names wired to resource id.
func (r *Registry) ActuatorsFor(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.actuatorFanout[id]...)
}

// InitiatorsFor returns the initiator module names wired to resource id.
func (r *Registry) InitiatorsFor(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.initiatorFanin[id]...)
}

// ActuatorModule returns the module config for an actor name.
func (r *Registry) ActuatorModule(name string) (makerdconfig.ModuleConfig, bool) {
	m, ok := r.actorModules[name]
	return m, ok
}

// InitiatorModule returns the module config for an initiator name.
func (r *Registry) InitiatorModule(name string) (makerdconfig.ModuleConfig, bool) {
	m, ok := r.initModules[name]
	return m, ok
}
