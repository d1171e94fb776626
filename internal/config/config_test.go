package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/invisible-tech/download-sentinel/internal/types"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("SENTINEL_TEST_GETENV_UNSET")
		got := GetEnv("SENTINEL_TEST_GETENV_UNSET", "default")
		if got != "default" {
			t.Errorf("GetEnv(unset) = %q, want %q", got, "default")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_GETENV_SET", "myvalue")
		got := GetEnv("SENTINEL_TEST_GETENV_SET", "default")
		if got != "myvalue" {
			t.Errorf("GetEnv(set) = %q, want %q", got, "myvalue")
		}
	})

	t.Run("returns default when empty", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_GETENV_EMPTY", "")
		got := GetEnv("SENTINEL_TEST_GETENV_EMPTY", "default")
		if got != "default" {
			t.Errorf("GetEnv(empty) = %q, want %q", got, "default")
		}
	})

	t.Run("trims space", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_GETENV_TRIM", "  trimmed  ")
		got := GetEnv("SENTINEL_TEST_GETENV_TRIM", "default")
		if got != "trimmed" {
			t.Errorf("GetEnv(trim) = %q, want %q", got, "trimmed")
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("SENTINEL_TEST_DURATION_UNSET")
		got := GetEnvDuration("SENTINEL_TEST_DURATION_UNSET", 5*time.Second)
		if got != 5*time.Second {
			t.Errorf("GetEnvDuration(unset) = %v, want 5s", got)
		}
	})

	t.Run("parses valid duration", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_DURATION_VALID", "30s")
		got := GetEnvDuration("SENTINEL_TEST_DURATION_VALID", time.Second)
		if got != 30*time.Second {
			t.Errorf("GetEnvDuration(30s) = %v, want 30s", got)
		}
	})

	t.Run("returns default on invalid duration", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_DURATION_INVALID", "not-a-duration")
		got := GetEnvDuration("SENTINEL_TEST_DURATION_INVALID", 7*time.Second)
		if got != 7*time.Second {
			t.Errorf("GetEnvDuration(invalid) = %v, want 7s", got)
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("SENTINEL_TEST_INT", " 42 ")
	if got := GetEnvInt("SENTINEL_TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	t.Setenv("SENTINEL_TEST_INT", "forty")
	if got := GetEnvInt("SENTINEL_TEST_INT", 1); got != 1 {
		t.Errorf("GetEnvInt(invalid) = %d, want 1", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("SENTINEL_TEST_BOOL", "true")
	if !GetEnvBool("SENTINEL_TEST_BOOL", false) {
		t.Error("GetEnvBool(true) = false")
	}
	t.Setenv("SENTINEL_TEST_BOOL", "0")
	if GetEnvBool("SENTINEL_TEST_BOOL", true) {
		t.Error("GetEnvBool(0) = true")
	}
	t.Setenv("SENTINEL_TEST_BOOL", "maybe")
	if !GetEnvBool("SENTINEL_TEST_BOOL", true) {
		t.Error("GetEnvBool(invalid) should return default")
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("SENTINEL_TEST_LIST", " /a , ,/b,")
	got := GetEnvList("SENTINEL_TEST_LIST", nil)
	if !reflect.DeepEqual(got, []string{"/a", "/b"}) {
		t.Errorf("GetEnvList = %q", got)
	}
	t.Setenv("SENTINEL_TEST_LIST", " , ")
	got = GetEnvList("SENTINEL_TEST_LIST", []string{"x"})
	if !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("GetEnvList(blank) = %q", got)
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("SENTINEL_DATA_DIR", "/var/lib/sentinel")
	t.Setenv("OTX_API_KEY", "")
	t.Setenv("QUARANTINE_MIN_LEVEL", "")

	cfg := Default()
	if cfg.DataDir != "/var/lib/sentinel" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Feeds.VTRequestsPerMinute != 4 {
		t.Errorf("VTRequestsPerMinute = %d, want 4", cfg.Feeds.VTRequestsPerMinute)
	}
	if cfg.Sandbox.Timeout != 5*time.Second || cfg.Sandbox.MaxMemoryMB != 128 {
		t.Errorf("sandbox budget = %s / %dMB", cfg.Sandbox.Timeout, cfg.Sandbox.MaxMemoryMB)
	}
	if cfg.Sandbox.AllowNetwork || cfg.Sandbox.AllowFilesystem {
		t.Error("sandbox should deny network and filesystem by default")
	}
	if cfg.Quarantine.MinLevel != types.ThreatMalicious {
		t.Errorf("MinLevel = %v", cfg.Quarantine.MinLevel)
	}
	if cfg.Quarantine.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %s", cfg.Quarantine.Retention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(default) = %v", err)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	t.Setenv("SENTINEL_DATA_DIR", "/from/env")
	t.Setenv("VT_REQUESTS_PER_MINUTE", "")

	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	doc := `
data_dir: /from/file
feeds:
  update_interval: 15m
  otx_api_key: abc
sandbox:
  timeout: 10s
  allow_network: true
quarantine:
  min_level: critical
  retention: 168h
watch:
  dirs: [/home/u/Downloads, /tmp/dl]
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from/file" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Feeds.UpdateInterval != 15*time.Minute || cfg.Feeds.OTXAPIKey != "abc" {
		t.Errorf("Feeds = %+v", cfg.Feeds)
	}
	if cfg.Feeds.VTRequestsPerMinute != 4 {
		t.Errorf("unset field lost its default: %d", cfg.Feeds.VTRequestsPerMinute)
	}
	if cfg.Sandbox.Timeout != 10*time.Second || !cfg.Sandbox.AllowNetwork {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if !cfg.Sandbox.EnableFull {
		t.Error("EnableFull default lost")
	}
	if cfg.Quarantine.MinLevel != types.ThreatCritical || cfg.Quarantine.Retention != 7*24*time.Hour {
		t.Errorf("Quarantine = %+v", cfg.Quarantine)
	}
	if cfg.Quarantine.Dir != filepath.Join("/from/file", "quarantine") {
		t.Errorf("Quarantine.Dir = %q", cfg.Quarantine.Dir)
	}
	if cfg.Feeds.RulesDir != filepath.Join("/from/file", "rules") {
		t.Errorf("RulesDir = %q", cfg.Feeds.RulesDir)
	}
	if len(cfg.Watch.Dirs) != 2 {
		t.Errorf("Watch.Dirs = %q", cfg.Watch.Dirs)
	}
	if cfg.IndicatorDBPath() != filepath.Join("/from/file", "indicators.db") {
		t.Errorf("IndicatorDBPath = %q", cfg.IndicatorDBPath())
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sandbox: [not, a, map]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
	if err := os.WriteFile(path, []byte("quarantine:\n  min_level: severe\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown threat level")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SENTINEL_DATA_DIR", "/data")
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"short interval", func(c *Config) { c.Feeds.UpdateInterval = 10 * time.Millisecond }, "update_interval"},
		{"zero rate", func(c *Config) { c.Feeds.OTXRequestsPerMinute = 0 }, "otx_requests_per_minute"},
		{"no tiers", func(c *Config) { c.Sandbox.EnableFull, c.Sandbox.EnableLightweight = false, false }, "tier"},
		{"negative retention", func(c *Config) { c.Quarantine.Retention = -time.Hour }, "retention"},
		{"benign min level", func(c *Config) { c.Quarantine.MinLevel = types.ThreatBenign }, "min_level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"zero shutdown timeout", func(c *Config) { c.HTTP.ShutdownTimeout = 0 }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	t.Run("full tier off skips sandbox budget", func(t *testing.T) {
		c := base
		c.Sandbox.EnableFull = false
		c.Sandbox.Timeout = 0
		if err := c.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}
