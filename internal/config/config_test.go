package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"chat", "presence", "cursor", "reaction"}, cfg.EnabledServices)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.ThrottleInterval)
}

func TestLoadRespectsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENABLED_SERVICES", "chat, cursor")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"chat", "cursor"}, cfg.EnabledServices)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTTL) // derives 3x the overridden interval
}

func TestServiceEnabled(t *testing.T) {
	cfg := &Config{EnabledServices: []string{"chat"}}
	assert.True(t, cfg.ServiceEnabled("chat"))
	assert.False(t, cfg.ServiceEnabled("presence"))
}
