package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoles() map[string]RoleConfig {
	return map[string]RoleConfig{
		"operator": {Permissions: []string{"m1.write"}},
		"manager":  {Parents: []string{"operator"}, Permissions: []string{"m1.manage"}},
		"admin":    {Parents: []string{"manager"}, Permissions: []string{"admin.*"}},
	}
}

func TestHasDirectPermission(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), map[string][]string{"alice": {"operator"}})
	require.NoError(t, err)
	assert.True(t, o.Has("alice", "m1.write"))
	assert.False(t, o.Has("alice", "m1.manage"))
}

func TestHasInheritsThroughParents(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), map[string][]string{"carol": {"manager"}})
	require.NoError(t, err)
	assert.True(t, o.Has("carol", "m1.manage"))
	assert.True(t, o.Has("carol", "m1.write"), "manager inherits operator's permissions")
}

func TestHasGlobSuffixMatch(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), map[string][]string{"dave": {"admin"}})
	require.NoError(t, err)
	assert.True(t, o.Has("dave", "admin.m1"))
	assert.True(t, o.Has("dave", "admin.anything"))
	assert.False(t, o.Has("dave", "m1.write.extra"))
}

func TestHasUnknownUserDeniesEverything(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), nil)
	require.NoError(t, err)
	assert.False(t, o.Has("ghost", "m1.write"))
}

func TestHasEmptyPermissionAlwaysTrue(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), nil)
	require.NoError(t, err)
	assert.True(t, o.Has("anyone", ""))
}

func TestHasAny(t *testing.T) {
	o, err := BuildFromConfig(testRoles(), map[string][]string{"alice": {"operator"}})
	require.NoError(t, err)
	assert.True(t, o.HasAny("alice", "m1.manage", "m1.write"))
	assert.False(t, o.HasAny("alice", "m1.manage", "m2.manage"))
}

func TestBuildFromConfigRejectsUnknownParent(t *testing.T) {
	roles := map[string]RoleConfig{
		"manager": {Parents: []string{"nonexistent"}},
	}
	_, err := BuildFromConfig(roles, nil)
	assert.Error(t, err)
}

func TestBuildFromConfigRejectsParentCycle(t *testing.T) {
	roles := map[string]RoleConfig{
		"a": {Parents: []string{"b"}},
		"b": {Parents: []string{"a"}},
	}
	_, err := BuildFromConfig(roles, nil)
	assert.Error(t, err)
}

func TestMatchesExactAndGlob(t *testing.T) {
	assert.True(t, Matches("m1.write", "m1.write"))
	assert.False(t, Matches("m1.write", "m1.manage"))
	assert.True(t, Matches("m1.*", "m1.write"))
	assert.False(t, Matches("m1.*", "m2.write"))
}
