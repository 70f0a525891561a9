package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doorfleet/doorfleet/state"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Fatalf("Addr = %q", cfg.Addr())
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		t.Fatalf("Seeds: %v", err)
	}
	if len(seeds) != 2 || seeds[0].DoorID != "DOOR-001" || seeds[0].LockState != state.LockLocked {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}
	if seeds[1].Kind != state.KindVirtual || seeds[1].LockState != state.LockUnlocked {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doorfleet.yaml")
	doc := `
host: 127.0.0.1
port: 9000
allowed_origins:
  - "panel.local"
admin_user_id: root
log_retention: 500
devices:
  - id: GATE-1
    location: Yard
    kind: physical
    initial_physical_status: closed
    initial_lock_state: locked
rate_limit:
  max_attempts_per_minute: 3
  max_failed_attempts: 2
  lockout_duration: 90s
  cleanup_interval: 10m
heartbeat:
  ping_interval: 5s
  pong_deadline: 15
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 9000 || cfg.AdminUserID != "root" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RateLimit.LockoutDuration.Std() != 90*time.Second {
		t.Fatalf("lockout = %v", cfg.RateLimit.LockoutDuration.Std())
	}
	// Bare numbers are seconds.
	if cfg.Heartbeat.PongDeadline.Std() != 15*time.Second {
		t.Fatalf("pong deadline = %v", cfg.Heartbeat.PongDeadline.Std())
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].ID != "GATE-1" {
		t.Fatalf("devices not replaced: %+v", cfg.Devices)
	}

	lc := cfg.LimiterConfig()
	if lc.MaxAttemptsPerMinute != 3 || lc.MaxFailedAttempts != 2 || lc.AdminUserID != "root" {
		t.Fatalf("unexpected limiter config: %+v", lc)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DOORFLEET_PORT", "8443")
	t.Setenv("DOORFLEET_ALLOWED_ORIGINS", "a.example.com, b.example.com")
	t.Setenv("DOORFLEET_RATE_LOCKOUT_DURATION", "2m")
	t.Setenv("DOORFLEET_RATE_EXEMPT_ADMIN", "true")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Port != 8443 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "b.example.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimit.LockoutDuration.Std() != 2*time.Minute || !cfg.RateLimit.ExemptAdmin {
		t.Fatalf("rate limit overrides lost: %+v", cfg.RateLimit)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("DOORFLEET_PORT", "not-a-number")
	cfg := Default()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for bad port")
	}
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad port":       func(c *Config) { c.Port = 0 },
		"no devices":     func(c *Config) { c.Devices = nil },
		"dup device":     func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) },
		"bad kind":       func(c *Config) { c.Devices[0].Kind = "ethereal" },
		"half tls":       func(c *Config) { c.TLSCertFile = "cert.pem" },
		"zero heartbeat": func(c *Config) { c.Heartbeat.PingInterval = 0 },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestSeedsRejectBadValues(t *testing.T) {
	cfg := Default()
	cfg.Devices[0].InitialLockState = "ajar"
	if _, err := cfg.Seeds(); err == nil {
		t.Fatal("expected error for bad lock state")
	}
	cfg = Default()
	cfg.Devices[0].InitialPhysicalStatus = "sideways"
	if _, err := cfg.Seeds(); err == nil {
		t.Fatal("expected error for bad physical status")
	}
}
