package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWidget(t *testing.T) {
	t.Setenv("WIPBOARD_TOKEN", "tok")
	t.Setenv("WIPBOARD_PROJECT", "demo")
	t.Setenv("WIPBOARD_URL", "https://board.example.com/")

	v := NewViper()
	SetConnectionDefaults(v)

	cfg, err := LoadWidget(v)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "wss://board.example.com/ws", cfg.WebSocketURL())
}

func TestLoadRunner(t *testing.T) {
	t.Setenv("WIPBOARD_TOKEN", "tok")
	t.Setenv("WIPBOARD_PROJECT", "demo")
	t.Setenv("WIPBOARD_WIP_MARK", "focus")
	t.Setenv("WIPBOARD_DEBOUNCE", "2s")

	v := NewViper()
	SetRunnerDefaults(v)

	cfg, err := LoadRunner(v)
	require.NoError(t, err)
	assert.Equal(t, "pytest", cfg.PytestPath)
	assert.Equal(t, "tests", cfg.TestsPath)
	assert.Equal(t, "focus", cfg.WIPMark)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, "ws://localhost:8000/ws", cfg.WebSocketURL())
}

func TestConnection_Validate(t *testing.T) {
	valid := Connection{
		DashboardURL: "http://localhost:8000",
		Token:        "tok",
		Project:      "demo",
		Transport:    TransportWebSocket,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Connection)
		errMsg string
	}{
		{"missing url", func(c *Connection) { c.DashboardURL = "" }, "WIPBOARD_URL"},
		{"missing token", func(c *Connection) { c.Token = "" }, "WIPBOARD_TOKEN"},
		{"missing project", func(c *Connection) { c.Project = "" }, "WIPBOARD_PROJECT"},
		{"unknown transport", func(c *Connection) { c.Transport = "carrier-pigeon" }, "unknown transport"},
		{"redis without url", func(c *Connection) { c.Transport = TransportRedis }, "WIPBOARD_REDIS_URL"},
		{"mqtt without broker", func(c *Connection) { c.Transport = TransportMQTT }, "WIPBOARD_MQTT_BROKER"},
		{"negative timeout", func(c *Connection) { c.HTTPTimeout = -time.Second }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRunner_ValidateRequiresMark(t *testing.T) {
	r := Runner{
		Connection: Connection{DashboardURL: "http://x", Token: "t", Project: "p", Transport: TransportWebSocket},
		PytestPath: "pytest",
	}
	assert.ErrorContains(t, r.Validate(), "WIP mark")
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, "info", NewLogger("loud").GetLevel().String())
	assert.Equal(t, "debug", NewLogger("DEBUG").GetLevel().String())
}
