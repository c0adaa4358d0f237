package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/makerdconfig"
)

func sampleConfig() *makerdconfig.Config {
	return &makerdconfig.Config{
		Machines: map[string]makerdconfig.MachineConfig{
			"m1": {Description: "printer", Read: "m1.read", Write: "m1.write", Manage: "m1.manage"},
			"m2": {Description: "laser"},
		},
		Actors: map[string]makerdconfig.ModuleConfig{
			"relay1": {Module: "dummy"},
		},
		Initiators: map[string]makerdconfig.ModuleConfig{
			"nfc1": {Module: "dummy"},
		},
		ActorConnections: []makerdconfig.Edge{{Machine: "m1", Name: "relay1"}},
		InitConnections:  []makerdconfig.Edge{{Machine: "m1", Name: "nfc1"}},
	}
}

func TestBuildFromConfig(t *testing.T) {
	r, err := BuildFromConfig(sampleConfig())
	require.NoError(t, err)

	res, ok := r.Lookup("m1")
	require.True(t, ok)
	assert.Equal(t, "printer", res.Description)

	assert.Equal(t, []string{"relay1"}, r.ActuatorsFor("m1"))
	assert.Equal(t, []string{"nfc1"}, r.InitiatorsFor("m1"))
	assert.Empty(t, r.ActuatorsFor("m2"))

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)
}

func TestBuildFromConfigRejectsDanglingActorEdge(t *testing.T) {
	cfg := sampleConfig()
	cfg.ActorConnections = append(cfg.ActorConnections, makerdconfig.Edge{Machine: "m1", Name: "ghost"})

	_, err := BuildFromConfig(cfg)
	assert.Error(t, err)
}

func TestIterIsSortedById(t *testing.T) {
	r, err := BuildFromConfig(sampleConfig())
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, res := range r.Iter() {
		ids = append(ids, res.ID)
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)
}
