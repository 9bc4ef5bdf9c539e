package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "LOG_FORMAT",
	"CLOCK_POLICY", "CLOCK_HOUR_FORMAT", "CLOCK_TICK_INTERVAL", "CLOCK_IDLE_TTL", "CLOCK_EVICTION_INTERVAL",
	"NATS_ENABLED", "NATS_URL", "NATS_STREAM", "NATS_CONSUMER", "NATS_SUBJECT", "NATS_MAX_DELIVER",
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Clock.TickInterval)
	assert.Equal(t, string(reconcile.PolicyEventAnchored), cfg.Clock.Policy)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9090"
  log_level: debug
  log_format: json
clock:
  policy: naive
  hour_format: true
  tick_interval: 500ms
  idle_ttl: 2h
nats:
  enabled: true
  url: nats://feed:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "json", cfg.Server.LogFormat)
	assert.Equal(t, "naive", cfg.Clock.Policy)
	assert.True(t, cfg.Clock.HourFormat)
	assert.Equal(t, 500*time.Millisecond, cfg.Clock.TickInterval)
	assert.Equal(t, 2*time.Hour, cfg.Clock.IdleTTL)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://feed:4222", cfg.NATS.URL)
	// Unset keys keep their defaults
	assert.Equal(t, "MATCH_EVENTS", cfg.NATS.Stream)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9090"
clock:
  policy: naive
`)
	t.Setenv("PORT", "7070")
	t.Setenv("CLOCK_POLICY", "event_anchored")
	t.Setenv("CLOCK_TICK_INTERVAL", "250ms")
	t.Setenv("CLOCK_HOUR_FORMAT", "true")
	t.Setenv("NATS_ENABLED", "1")
	t.Setenv("NATS_SUBJECT", "feed.>")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "event_anchored", cfg.Clock.Policy)
	assert.Equal(t, 250*time.Millisecond, cfg.Clock.TickInterval)
	assert.True(t, cfg.Clock.HourFormat)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "feed.>", cfg.NATS.Subject)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad yaml", body: "server: [\n"},
		{name: "unknown policy", body: "clock:\n  policy: wall_clock\n"},
		{name: "zero tick", body: "clock:\n  tick_interval: 0s\n"},
		{name: "negative ttl", body: "clock:\n  idle_ttl: -1m\n"},
		{name: "bad log level", body: "server:\n  log_level: loud\n"},
		{name: "bad log format", body: "server:\n  log_format: xml\n"},
		{name: "zero send buffer", body: "websocket:\n  send_buffer_size: 0\n"},
		{name: "nats without stream", body: "nats:\n  enabled: true\n  stream: \"\"\n"},
		{name: "bad duration env", env: map[string]string{"CLOCK_IDLE_TTL": "soon"}},
		{name: "bad bool env", env: map[string]string{"NATS_ENABLED": "maybe"}},
		{name: "bad int env", env: map[string]string{"NATS_MAX_DELIVER": "five"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestGateway(t *testing.T) {
	cfg := Default()
	cfg.Clock.Policy = "NAIVE"
	cfg.Clock.HourFormat = true
	cfg.Clock.TickInterval = 2 * time.Second
	cfg.Clock.IdleTTL = 0
	cfg.NATS.Enabled = true
	cfg.NATS.Subject = "feed.>"
	require.NoError(t, cfg.Validate())

	gc := cfg.Gateway()
	assert.Equal(t, reconcile.PolicyNaive, gc.Reconcile.Policy)
	assert.True(t, gc.Reconcile.HourFormat)
	assert.Equal(t, 2*time.Second, gc.ConnectionConfig.TickInterval)
	assert.Equal(t, time.Duration(0), gc.IdleTTL)
	assert.True(t, gc.FeedEnabled)
	assert.Equal(t, "feed.>", gc.JetStreamConfig.SubjectFilter)
	assert.Equal(t, "MATCH_EVENTS", gc.JetStreamConfig.StreamName)
	assert.NotNil(t, gc.ConnectionConfig.CheckOrigin)
}

func TestPath(t *testing.T) {
	t.Setenv(PathEnv, "")
	assert.Equal(t, DefaultPath, Path())

	t.Setenv(PathEnv, "/etc/matchclock.yaml")
	assert.Equal(t, "/etc/matchclock.yaml", Path())
}
