// Package makerdconfig loads makerd's declarative configuration document
// with github.com/spf13/viper, grounded on cli/root.go's Viper+Cobra
// wiring (config file discovery, env-var override, flag precedence).
// Unlike eve's flat flag-per-field CLI config, makerd's document is
// structurally rich (machines/actors/initiators/roles/edges), so it is
// decoded wholesale via viper's Unmarshal into mapstructure-tagged
// structs rather than one BindPFlag per key.
package makerdconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"makerd/policy"
)

// ListenConfig is one `listens` bind endpoint.
type ListenConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// MachineConfig is one `machines` entry.
type MachineConfig struct {
	Description string            `mapstructure:"description"`
	Labels      map[string]string `mapstructure:"labels"`
	Disclose    string            `mapstructure:"disclose"`
	Read        string            `mapstructure:"read"`
	Write       string            `mapstructure:"write"`
	Manage      string            `mapstructure:"manage"`

	// InitiatorDefaultPerm is applied to anonymous InitiatorProposals
	// (spec §4.4: "the state machine applies the initiator_default_perm
	// configured for the resource").
	InitiatorDefaultPerm string `mapstructure:"initiator_default_perm"`
}

// ModuleConfig is one `actors` or `initiators` entry: a module name plus
// free-form constructor parameters.
type ModuleConfig struct {
	Module string                 `mapstructure:"module"`
	Params map[string]interface{} `mapstructure:"params"`
}

// Edge is one `actor_connections`/`init_connections` entry.
type Edge struct {
	Machine string `mapstructure:"machine"`
	Name    string `mapstructure:"name"`
}

// Config is the fully decoded configuration document (spec §6).
type Config struct {
	Listens          []ListenConfig                 `mapstructure:"listens"`
	Machines         map[string]MachineConfig       `mapstructure:"machines"`
	Actors           map[string]ModuleConfig        `mapstructure:"actors"`
	Initiators       map[string]ModuleConfig        `mapstructure:"initiators"`
	ActorConnections []Edge                         `mapstructure:"actor_connections"`
	InitConnections  []Edge                         `mapstructure:"init_connections"`
	Roles            map[string]policy.RoleConfig   `mapstructure:"roles"`
	UserRoles        map[string][]string            `mapstructure:"user_roles"`
	DBPath           string                         `mapstructure:"db_path"`
	MqttURL          string                         `mapstructure:"mqtt_url"`
	CertFile         string                         `mapstructure:"certfile"`
	KeyFile          string                         `mapstructure:"keyfile"`
	SubscriberBuffer int                            `mapstructure:"subscriber_buffer"`
}

var recognizedKeys = map[string]bool{
	"listens": true, "machines": true, "actors": true, "initiators": true,
	"actor_connections": true, "init_connections": true, "roles": true,
	"user_roles": true, "db_path": true, "mqtt_url": true, "certfile": true,
	"keyfile": true, "subscriber_buffer": true,
}

// Load reads the config file at path (or viper's discovered default
// location when path is "") and decodes it. Unknown top-level keys and
// dangling actor_connections/init_connections edges are fatal config
// errors, matching spec §6.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("makerd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/makerd")
	}
	v.SetDefault("subscriber_buffer", 64)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for _, key := range v.AllKeys() {
		top := key
		if i := indexOfDot(key); i >= 0 {
			top = key[:i]
		}
		if !recognizedKeys[top] {
			return nil, fmt.Errorf("config: unknown key %q", top)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}

	if err := cfg.validateEdges(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validateEdges() error {
	for _, e := range c.ActorConnections {
		if _, ok := c.Machines[e.Machine]; !ok {
			return fmt.Errorf("config: actor_connections references unknown machine %q", e.Machine)
		}
		if _, ok := c.Actors[e.Name]; !ok {
			return fmt.Errorf("config: actor_connections references unknown actor %q", e.Name)
		}
	}
	for _, e := range c.InitConnections {
		if _, ok := c.Machines[e.Machine]; !ok {
			return fmt.Errorf("config: init_connections references unknown machine %q", e.Machine)
		}
		if _, ok := c.Initiators[e.Name]; !ok {
			return fmt.Errorf("config: init_connections references unknown initiator %q", e.Name)
		}
	}
	return nil
}

func indexOfDot(s string) int {
	for i, r := range s {
		if r == '.' {
			return i
		}
	}
	return -1
}
