// Package dashboard implements the wipboard dashboard server: it stores plugin
// states, relays events between producers and widget runtimes, and shows the
// registered widgets to logged-in browsers.
package dashboard

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Bridge kinds
const (
	BridgeNone  = ""
	BridgeRedis = "redis"
	BridgeMQTT  = "mqtt"
)

// Config holds dashboard configuration from WIPBOARD_* environment variables.
type Config struct {
	// Server
	ListenAddr string
	BaseURL    string

	// Authentication
	PasswordHash string // bcrypt hash
	TOTPSecret   string // optional, for 2FA
	APIToken     string // token widget runtimes and producers must provide

	// Session
	SessionDuration time.Duration
	SecureCookies   bool

	// Rate limiting
	RateLimitRequests int           // max attempts
	RateLimitWindow   time.Duration // time window

	// Database
	DatabasePath string
	DataDir      string

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Event bridge
	Bridge     string
	RedisURL   string
	MQTTBroker string
}

// SetDefaults registers the dashboard defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("session_duration", 24*time.Hour)
	v.SetDefault("secure_cookies", false)
	v.SetDefault("rate_limit", 5)
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("data_dir", "/data")
	v.SetDefault("bridge", BridgeNone)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("mqtt_broker", "tcp://localhost:1883")
}

// LoadConfig reads the dashboard configuration from v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = dataDir + "/wipboard.db"
	}

	cfg := &Config{
		ListenAddr:        v.GetString("listen"),
		BaseURL:           v.GetString("base_url"),
		PasswordHash:      v.GetString("password_hash"),
		TOTPSecret:        v.GetString("totp_secret"),
		APIToken:          v.GetString("api_token"),
		SessionDuration:   v.GetDuration("session_duration"),
		SecureCookies:     v.GetBool("secure_cookies"),
		RateLimitRequests: v.GetInt("rate_limit"),
		RateLimitWindow:   v.GetDuration("rate_window"),
		DatabasePath:      dbPath,
		DataDir:           dataDir,
		AllowedOrigins:    parseOrigins(v.GetString("allowed_origins")),
		Bridge:            strings.ToLower(v.GetString("bridge")),
		RedisURL:          v.GetString("redis_url"),
		MQTTBroker:        v.GetString("mqtt_broker"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.PasswordHash == "" {
		errs = append(errs, "WIPBOARD_PASSWORD_HASH is required")
	}
	if c.APIToken == "" {
		errs = append(errs, "WIPBOARD_API_TOKEN is required")
	}
	switch c.Bridge {
	case BridgeNone, BridgeRedis, BridgeMQTT:
	default:
		errs = append(errs, "WIPBOARD_BRIDGE must be one of: redis, mqtt")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

func parseOrigins(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
