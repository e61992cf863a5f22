package hapwled

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Completed token
type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  any
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, retained, payload})
	return doneToken{}
}

func TestMQTTPublisher(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher("tcp://localhost:1883", "", "", "")
	p.client = client

	e := testEntry("10.0.0.5")
	p.PublishAvailability(e, true)
	p.PublishState(e, DeviceState{PowerOn: true, BrightnessPercent: 40, ActivePreset: 2})
	p.PublishAvailability(e, false)

	require.Len(t, client.msgs, 3)

	assert.Equal(t, published{"wled/" + e.Key() + "/availability", true, MQTT_ONLINE}, client.msgs[0])
	assert.Equal(t, published{"wled/" + e.Key() + "/availability", true, MQTT_OFFLINE}, client.msgs[2])

	state := client.msgs[1]
	assert.Equal(t, "wled/"+e.Key()+"/state", state.topic)
	assert.False(t, state.retained)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(state.payload.([]byte), &payload))
	assert.Equal(t, map[string]any{"name": "Desk", "on": true, "brightness": 40.0, "preset": 2.0}, payload)
}

func TestMQTTPublisherNotConnected(t *testing.T) {
	p := NewMQTTPublisher("tcp://localhost:1883", "", "", "home/")
	assert.Equal(t, "home/bridge/availability", p.bridgeTopic())

	// nothing to publish to, nothing happens
	p.PublishAvailability(testEntry("10.0.0.5"), true)
	p.Disconnect()
}
