// Package config loads gateway configuration from the process environment,
// following the env-first convention the rest of the stack uses.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds every environment-tunable setting the gateway needs.
type Config struct {
	Port string

	KVPSHost string
	KVPSPort string
	KVPSURL  string

	EnabledServices []string

	LogLevel string
	LogPretty bool

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	PresenceTimeout time.Duration

	CursorTTL      time.Duration
	CursorCleanup  time.Duration
	ThrottleInterval time.Duration
}

// Load reads configuration from the environment, applying spec-mandated
// defaults for anything unset or unparseable.
func Load() *Config {
	heartbeatInterval := getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		KVPSHost:          getEnv("KVPS_HOST", "localhost"),
		KVPSPort:          getEnv("KVPS_PORT", "6379"),
		KVPSURL:           os.Getenv("KVPS_URL"),
		EnabledServices:   getEnvList("ENABLED_SERVICES", []string{"chat", "presence", "cursor", "reaction"}),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnv("LOG_PRETTY", "false") == "true",
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTTL:      getEnvDuration("HEARTBEAT_TTL", 3*heartbeatInterval),
		PresenceTimeout:   getEnvDuration("PRESENCE_TIMEOUT", 60*time.Second),
		CursorTTL:         getEnvDuration("CURSOR_TTL", 30*time.Second),
		CursorCleanup:     getEnvDuration("CURSOR_CLEANUP", 10*time.Second),
		ThrottleInterval:  getEnvDuration("THROTTLE_INTERVAL", 250*time.Millisecond),
	}

	return cfg
}

// ServiceEnabled reports whether a named fan-out service is in the enabled set.
func (c *Config) ServiceEnabled(name string) bool {
	for _, s := range c.EnabledServices {
		if s == name {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
