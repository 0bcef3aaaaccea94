package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
)

type captured struct {
	mu   sync.Mutex
	msgs map[string][]map[string]interface{}
}

func (c *captured) send(topic string, data []byte) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[topic] = append(c.msgs[topic], m)
}

func (c *captured) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs[topic])
}

func newTestHandler(t *testing.T, bus *events.EventBus) (*MQTTHandler, *captured) {
	t.Helper()
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.BrokerURL = "127.0.0.1"

	h, err := NewMQTTHandler(cfg, bus, "host", uuid.MustParse("6f1c2c3e-5d4b-4a39-9a7e-1f2e3d4c5b6a"))
	require.NoError(t, err)

	c := &captured{msgs: make(map[string][]map[string]interface{})}
	h.send = c.send
	return h, c
}

func TestDisabledHandler(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, nil, "host", uuid.New())
	assert.Error(t, err)
}

func TestEventsRouteToTopics(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	h, c := newTestHandler(t, bus)
	h.subscribeEvents()

	ctx := context.Background()
	events.Publish(ctx, bus, "session", events.EventPlayerRegistered, events.PlayerPayload{Slot: 1, RegID: 42})
	events.Publish(ctx, bus, "room_server", events.EventGameStarted, events.GameStartedPayload{Clients: 2})

	sessionTopic := "netplay64/6f1c2c3e-5d4b-4a39-9a7e-1f2e3d4c5b6a/session"
	roomTopic := "netplay64/6f1c2c3e-5d4b-4a39-9a7e-1f2e3d4c5b6a/room"
	require.Eventually(t, func() bool {
		return c.count(sessionTopic) == 1 && c.count(roomTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	msg := c.msgs[sessionTopic][0]
	c.mu.Unlock()
	assert.Equal(t, "host", msg["role"])
	assert.Equal(t, "6f1c2c3e-5d4b-4a39-9a7e-1f2e3d4c5b6a", msg["instance"])
	assert.NotEmpty(t, msg["timestamp"])

	inner := msg["payload"].(map[string]interface{})
	assert.Equal(t, string(events.EventPlayerRegistered), inner["event"])
	assert.Equal(t, "session", inner["source"])
}

func TestTopicLayout(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	topic := h.topic(TopicJoin)
	assert.True(t, strings.HasPrefix(topic, "netplay64/"))
	assert.True(t, strings.HasSuffix(topic, "/join"))
}
