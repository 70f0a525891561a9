// Package config loads server configuration: YAML file first, then
// environment overrides, then flags applied by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doorfleet/doorfleet/ratelimit"
	"github.com/doorfleet/doorfleet/state"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DOORFLEET_"

// Duration accepts "30s" style strings or bare second counts in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DeviceSeed is one configured door.
type DeviceSeed struct {
	ID                    string `yaml:"id"`
	Location              string `yaml:"location"`
	Kind                  string `yaml:"kind"`
	InitialPhysicalStatus string `yaml:"initial_physical_status"`
	InitialLockState      string `yaml:"initial_lock_state"`
}

// RateLimitConfig mirrors the limiter knobs.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int      `yaml:"max_attempts_per_minute"`
	MaxFailedAttempts    int      `yaml:"max_failed_attempts"`
	LockoutDuration      Duration `yaml:"lockout_duration"`
	CleanupInterval      Duration `yaml:"cleanup_interval"`
	ExemptAdmin          bool     `yaml:"exempt_admin"`
}

// HeartbeatConfig mirrors the hub heartbeat knobs.
type HeartbeatConfig struct {
	PingInterval Duration `yaml:"ping_interval"`
	PongDeadline Duration `yaml:"pong_deadline"`
}

// Config is the full server configuration.
type Config struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	APIPrefix      string   `yaml:"api_prefix"`
	WSEndpoint     string   `yaml:"ws_endpoint"`
	AdminUserID    string   `yaml:"admin_user_id"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	MetricsListen  string   `yaml:"metrics_listen"`
	TLSCertFile    string   `yaml:"tls_cert_file"`
	TLSKeyFile     string   `yaml:"tls_key_file"`
	LogRetention   int      `yaml:"log_retention"`

	Devices   []DeviceSeed    `yaml:"devices"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// Default returns the built-in configuration with the two seed doors.
func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8000,
		AllowedOrigins: []string{"*"},
		APIPrefix:      "/api",
		WSEndpoint:     "/ws",
		AdminUserID:    "admin",
		LogLevel:       "info",
		LogFormat:      "text",
		LogRetention:   state.DefaultLogRetention,
		Devices: []DeviceSeed{
			{ID: "DOOR-001", Location: "Main Entrance", Kind: "physical", InitialPhysicalStatus: "closed", InitialLockState: "locked"},
			{ID: "DOOR-002", Location: "Conference Room A", Kind: "virtual", InitialPhysicalStatus: "closed", InitialLockState: "unlocked"},
		},
		RateLimit: RateLimitConfig{
			MaxAttemptsPerMinute: 10,
			MaxFailedAttempts:    5,
			LockoutDuration:      Duration(60 * time.Second),
			CleanupInterval:      Duration(60 * time.Minute),
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: Duration(10 * time.Second),
			PongDeadline: Duration(30 * time.Second),
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays DOORFLEET_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Host = envString("HOST", c.Host)
	var err error
	if c.Port, err = envInt("PORT", c.Port); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}
	c.APIPrefix = envString("API_PREFIX", c.APIPrefix)
	c.WSEndpoint = envString("WS_ENDPOINT", c.WSEndpoint)
	c.AdminUserID = envString("ADMIN_USER_ID", c.AdminUserID)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("LOG_FORMAT", c.LogFormat)
	c.MetricsListen = envString("METRICS_LISTEN", c.MetricsListen)
	c.TLSCertFile = envString("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = envString("TLS_KEY_FILE", c.TLSKeyFile)
	if c.LogRetention, err = envInt("LOG_RETENTION", c.LogRetention); err != nil {
		return err
	}
	if c.RateLimit.MaxAttemptsPerMinute, err = envInt("RATE_MAX_ATTEMPTS_PER_MINUTE", c.RateLimit.MaxAttemptsPerMinute); err != nil {
		return err
	}
	if c.RateLimit.MaxFailedAttempts, err = envInt("RATE_MAX_FAILED_ATTEMPTS", c.RateLimit.MaxFailedAttempts); err != nil {
		return err
	}
	if c.RateLimit.LockoutDuration, err = envDuration("RATE_LOCKOUT_DURATION", c.RateLimit.LockoutDuration); err != nil {
		return err
	}
	if c.RateLimit.CleanupInterval, err = envDuration("RATE_CLEANUP_INTERVAL", c.RateLimit.CleanupInterval); err != nil {
		return err
	}
	if c.RateLimit.ExemptAdmin, err = envBool("RATE_EXEMPT_ADMIN", c.RateLimit.ExemptAdmin); err != nil {
		return err
	}
	if c.Heartbeat.PingInterval, err = envDuration("HEARTBEAT_PING_INTERVAL", c.Heartbeat.PingInterval); err != nil {
		return err
	}
	if c.Heartbeat.PongDeadline, err = envDuration("HEARTBEAT_PONG_DEADLINE", c.Heartbeat.PongDeadline); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device with empty id")
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Kind != "physical" && d.Kind != "virtual" {
			return fmt.Errorf("device %s: unknown kind %q", d.ID, d.Kind)
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	if c.Heartbeat.PingInterval.Std() <= 0 || c.Heartbeat.PongDeadline.Std() <= 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Seeds converts the configured doors into store seed records.
func (c *Config) Seeds() ([]state.Device, error) {
	out := make([]state.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		dev := state.Device{
			DoorID:         d.ID,
			Location:       d.Location,
			Kind:           state.DeviceKind(d.Kind),
			PhysicalStatus: state.StatusClosed,
			LockState:      state.LockUnlocked,
		}
		if d.InitialPhysicalStatus != "" {
			ps, err := state.ParsePhysicalStatus(d.InitialPhysicalStatus)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			dev.PhysicalStatus = ps
		}
		switch strings.ToLower(strings.TrimSpace(d.InitialLockState)) {
		case "", "unlocked":
			dev.LockState = state.LockUnlocked
		case "locked":
			dev.LockState = state.LockLocked
		default:
			return nil, fmt.Errorf("device %s: unknown lock state %q", d.ID, d.InitialLockState)
		}
		out = append(out, dev)
	}
	return out, nil
}

// LimiterConfig converts the rate-limit section for the limiter.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxAttemptsPerMinute: c.RateLimit.MaxAttemptsPerMinute,
		MaxFailedAttempts:    c.RateLimit.MaxFailedAttempts,
		LockoutDuration:      c.RateLimit.LockoutDuration.Std(),
		CleanupInterval:      c.RateLimit.CleanupInterval.Std(),
		ExemptAdmin:          c.RateLimit.ExemptAdmin,
		AdminUserID:          c.AdminUserID,
	}
}

func envString(name string, def string) string {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return b, nil
}

func envDuration(name string, def Duration) (Duration, error) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return Duration(d), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
