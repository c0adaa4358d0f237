package actuator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/model"
)

func TestDummyAdapterAppliesThenVerifies(t *testing.T) {
	a, err := NewDummyAdapter("relay1", map[string]interface{}{"delay_ms": 1}, nil)
	require.NoError(t, err)
	defer a.Close()

	a.Apply(model.StateInUse("alice"), 1)
	report := recvReport(t, a)
	assert.Equal(t, model.Applied, report.Outcome)

	a.Verify(model.StateInUse("alice"), 1)
	report = recvReport(t, a)
	assert.Equal(t, model.Verified, report.Outcome)
}

func TestDummyAdapterSupersedeDropsStaleOutcome(t *testing.T) {
	a, err := NewDummyAdapter("relay1", map[string]interface{}{"delay_ms": 50}, nil)
	require.NoError(t, err)
	defer a.Close()

	a.Apply(model.StateInUse("alice"), 1)
	time.Sleep(5 * time.Millisecond)
	a.Apply(model.StateBlocked("admin"), 2)

	report := recvReport(t, a)
	assert.Equal(t, uint64(2), report.Seq)
	assert.Equal(t, model.Applied, report.Outcome)

	select {
	case r := <-a.Reports():
		t.Fatalf("unexpected extra report: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCatalogBuildUnknownModule(t *testing.T) {
	c := NewCatalog()
	_, err := c.Build("nonexistent", "x", nil, nil)
	assert.Error(t, err)
}

func TestCatalogBuildDummy(t *testing.T) {
	c := NewCatalog()
	a, err := c.Build("dummy", "relay1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "relay1", a.Name())
	a.Close()
}

func recvReport(t *testing.T, a Adapter) model.ActuatorReport {
	t.Helper()
	select {
	case r := <-a.Reports():
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for report")
		return model.ActuatorReport{}
	}
}
