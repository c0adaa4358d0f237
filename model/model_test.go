package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateKindString(t *testing.T) {
	cases := []struct {
		kind StateKind
		want string
	}{
		{Free, "free"},
		{InUse, "in_use"},
		{ToCheck, "to_check"},
		{Blocked, "blocked"},
		{Disabled, "disabled"},
		{Reserved, "reserved"},
		{StateKind(99), "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.String())
	}
}

func TestMachineStateEqualIgnoresBookkeepingFields(t *testing.T) {
	a := MachineState{Kind: InUse, User: "alice", Previous: "bob"}
	b := MachineState{Kind: InUse, User: "alice"}
	assert.True(t, a.Equal(b), "Previous/At must not affect equality")

	c := MachineState{Kind: InUse, User: "carol"}
	assert.False(t, a.Equal(c))
}

func TestMachineStateEqualComparesReasonForBlockedDisabled(t *testing.T) {
	a := StateBlocked("actuator_failure")
	b := StateBlocked("actuator_failure")
	c := StateBlocked("manual")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestMachineStateEqualFreeIgnoresFields(t *testing.T) {
	a := StateFree()
	b := MachineState{Kind: Free, Reason: "stale leftover"}
	assert.True(t, a.Equal(b))
}

func TestMachineStateEqualDifferentKinds(t *testing.T) {
	assert.False(t, StateFree().Equal(StateInUse("alice")))
}

func TestStateConstructors(t *testing.T) {
	assert.Equal(t, MachineState{Kind: Free}, StateFree())
	assert.Equal(t, MachineState{Kind: InUse, User: "alice"}, StateInUse("alice"))
	assert.Equal(t, MachineState{Kind: ToCheck, User: "alice"}, StateToCheck("alice"))
	assert.Equal(t, MachineState{Kind: Blocked, Reason: "x"}, StateBlocked("x"))
	assert.Equal(t, MachineState{Kind: Disabled, Reason: "x"}, StateDisabled("x"))
	assert.Equal(t, MachineState{Kind: Reserved, User: "alice"}, StateReserved("alice"))
}

func TestCauseString(t *testing.T) {
	cases := []struct {
		cause Cause
		want  string
	}{
		{CauseClientRequest, "client_request"},
		{CauseInitiator, "initiator"},
		{CauseRecovery, "recovery"},
		{CauseAdmin, "admin"},
		{CauseVerifyMismatch, "verify_mismatch"},
		{Cause(99), "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.cause.String())
	}
}

func TestActuatorOutcomeKindString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "verified", Verified.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", ActuatorOutcomeKind(99).String())
}
