// Package config handles widget runtime and runner configuration from
// WIPBOARD_* environment variables and command-line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the
// environment, e.g. WIPBOARD_URL for "url".
const EnvPrefix = "WIPBOARD"

// Transport kinds
const (
	TransportWebSocket = "ws"
	TransportRedis     = "redis"
	TransportMQTT      = "mqtt"
)

// NewViper returns a viper instance bound to WIPBOARD_* variables.
// Dashes in keys map to underscores ("wip-mark" reads WIPBOARD_WIP_MARK).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault("log-level", "info")
	return v
}

// NewLogger returns a console logger at the given level. Unknown levels
// fall back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

// Connection holds the settings shared by everything that talks to the
// dashboard.
type Connection struct {
	DashboardURL string        // HTTP base URL (http:// or https://)
	Token        string        // API token
	Project      string        // project ID
	Transport    string        // ws, redis or mqtt
	RedisURL     string        // for the redis transport
	MQTTBroker   string        // for the mqtt transport
	HTTPTimeout  time.Duration // for asset and snapshot requests
	LogLevel     string
}

// WebSocketURL derives the hub URL from the dashboard URL.
func (c *Connection) WebSocketURL() string {
	u := strings.TrimRight(c.DashboardURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Widget configures the widget runtime.
type Widget struct {
	Connection
	WidgetID string
	Title    string
}

// Runner configures the pytest producer.
type Runner struct {
	Connection
	PytestPath string // pytest executable
	WatchDir   string // project directory to watch
	TestsPath  string // tests directory, relative to WatchDir
	WIPMark    string // pytest marker selecting WIP tests
	Debounce   time.Duration
}

// SetConnectionDefaults registers defaults shared by widget and runner.
func SetConnectionDefaults(v *viper.Viper) {
	v.SetDefault("url", "http://localhost:8000")
	v.SetDefault("transport", TransportWebSocket)
	v.SetDefault("redis-url", "redis://localhost:6379/0")
	v.SetDefault("mqtt-broker", "tcp://localhost:1883")
	v.SetDefault("http-timeout", 10*time.Second)
}

// SetRunnerDefaults registers the runner defaults.
func SetRunnerDefaults(v *viper.Viper) {
	SetConnectionDefaults(v)
	v.SetDefault("pytest", "pytest")
	v.SetDefault("watch-dir", ".")
	v.SetDefault("tests-path", "tests")
	v.SetDefault("wip-mark", "wip")
	v.SetDefault("debounce", 500*time.Millisecond)
}

func loadConnection(v *viper.Viper) Connection {
	return Connection{
		DashboardURL: v.GetString("url"),
		Token:        v.GetString("token"),
		Project:      v.GetString("project"),
		Transport:    strings.ToLower(v.GetString("transport")),
		RedisURL:     v.GetString("redis-url"),
		MQTTBroker:   v.GetString("mqtt-broker"),
		HTTPTimeout:  v.GetDuration("http-timeout"),
		LogLevel:     v.GetString("log-level"),
	}
}

// LoadWidget reads the widget runtime configuration.
func LoadWidget(v *viper.Viper) (*Widget, error) {
	cfg := &Widget{
		Connection: loadConnection(v),
		WidgetID:   v.GetString("widget-id"),
		Title:      v.GetString("title"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRunner reads the runner configuration.
func LoadRunner(v *viper.Viper) (*Runner, error) {
	cfg := &Runner{
		Connection: loadConnection(v),
		PytestPath: v.GetString("pytest"),
		WatchDir:   v.GetString("watch-dir"),
		TestsPath:  v.GetString("tests-path"),
		WIPMark:    v.GetString("wip-mark"),
		Debounce:   v.GetDuration("debounce"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the connection settings.
func (c *Connection) Validate() error {
	if c.DashboardURL == "" {
		return errors.New("WIPBOARD_URL is required")
	}
	if c.Token == "" {
		return errors.New("WIPBOARD_TOKEN is required")
	}
	if c.Project == "" {
		return errors.New("WIPBOARD_PROJECT is required")
	}
	switch c.Transport {
	case TransportWebSocket:
	case TransportRedis:
		if c.RedisURL == "" {
			return errors.New("WIPBOARD_REDIS_URL is required for the redis transport")
		}
	case TransportMQTT:
		if c.MQTTBroker == "" {
			return errors.New("WIPBOARD_MQTT_BROKER is required for the mqtt transport")
		}
	default:
		return errors.Newf("unknown transport %q (want ws, redis or mqtt)", c.Transport)
	}
	if c.HTTPTimeout < 0 {
		return errors.New("http timeout must not be negative")
	}
	return nil
}

// Validate checks the runner settings.
func (c *Runner) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.PytestPath == "" {
		return errors.New("pytest executable is required")
	}
	if c.WIPMark == "" {
		return errors.New("WIP mark is required")
	}
	return nil
}
