package mqttbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationParamDefaultsAndOverrides(t *testing.T) {
	assert.Equal(t, 5*time.Second, durationParam(nil, "deadline_ms", 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, durationParam(map[string]interface{}{"deadline_ms": 250}, "deadline_ms", 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, durationParam(map[string]interface{}{"deadline_ms": float64(250)}, "deadline_ms", 5*time.Second))
}

func TestIntParamDefaultsAndOverrides(t *testing.T) {
	assert.Equal(t, 3, intParam(nil, "max_retry", 3))
	assert.Equal(t, 5, intParam(map[string]interface{}{"max_retry": 5}, "max_retry", 3))
}

func TestNewMqttAdapterRejectsInvalidURL(t *testing.T) {
	_, err := NewMqttAdapter("relay1", map[string]interface{}{"mqtt_url": "://bad"}, nil)
	assert.Error(t, err)
}
