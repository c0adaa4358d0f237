package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{ConfigError, "config_error"},
		{BindError, "bind_error"},
		{PersistError, "persist_error"},
		{PolicyDenied, "policy_denied"},
		{ActuatorFailure, "actuator_failure"},
		{ProtocolViolation, "protocol_violation"},
		{Overload, "overload"},
		{Shutdown, "shutdown"},
		{NotFound, "not_found"},
		{Kind(99), "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.String())
	}
}

func TestNewHasNoWrappedCause(t *testing.T) {
	e := New(ConfigError, "bad listen address")
	assert.Equal(t, "config_error: bad listen address", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestWrapFormatsUnderlyingCause(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	e := Wrap(PersistError, "fsync failed", cause)
	assert.Equal(t, "persist_error: fsync failed: permission denied", e.Error())
	assert.Equal(t, cause, e.Unwrap())
}

func TestWithDetailsAttachesContext(t *testing.T) {
	e := New(ActuatorFailure, "timeout").WithDetails(map[string]interface{}{"adapter": "relay"})
	assert.Equal(t, "relay", e.Details["adapter"])
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	inner := New(PolicyDenied, "denied")
	outer := fmt.Errorf("request failed: %w", inner)
	assert.True(t, Is(outer, PolicyDenied))
	assert.False(t, Is(outer, Overload))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), PolicyDenied))
}

func TestSentinelsCarryExpectedKinds(t *testing.T) {
	assert.True(t, Is(ErrDenied, PolicyDenied))
	assert.True(t, Is(ErrUnavailable, Overload))
	assert.True(t, Is(ErrNotFound, NotFound))
}
