// Package config loads sentinel configuration from the environment, with
// an optional YAML file layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/download-sentinel/internal/types"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
// Accepts the forms understood by strconv.ParseBool.
func GetEnvBool(key string, defaultValue bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Config is the full sentinel configuration.
type Config struct {
	// DataDir holds the indicator database and reputation cache. Rules and
	// quarantine directories default to subdirectories of it.
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Watch      WatchConfig      `yaml:"watch"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FeedsConfig configures the pulse and reputation clients.
type FeedsConfig struct {
	OTXAPIKey            string        `yaml:"otx_api_key"`
	OTXBaseURL           string        `yaml:"otx_base_url"`
	OTXRequestsPerMinute int           `yaml:"otx_requests_per_minute"`
	OTXMaxPages          int           `yaml:"otx_max_pages"`
	VTAPIKey             string        `yaml:"vt_api_key"`
	VTBaseURL            string        `yaml:"vt_base_url"`
	VTRequestsPerMinute  int           `yaml:"vt_requests_per_minute"`
	UpdateInterval       time.Duration `yaml:"update_interval"`
	RulesDir             string        `yaml:"rules_dir"`
	HTTPTimeout          time.Duration `yaml:"http_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
}

// SandboxConfig configures the analysis tiers.
type SandboxConfig struct {
	Binary            string        `yaml:"binary"`
	ConfigPaths       []string      `yaml:"config_paths"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxMemoryMB       int           `yaml:"max_memory_mb"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	AllowNetwork      bool          `yaml:"allow_network"`
	AllowFilesystem   bool          `yaml:"allow_filesystem"`
	EnableLightweight bool          `yaml:"enable_lightweight"`
	EnableFull        bool          `yaml:"enable_full"`
	AllowShortCircuit bool          `yaml:"allow_short_circuit"`
	WorkDir           string        `yaml:"work_dir"`
	// LookupReputation sends file hashes to the reputation service during
	// the lightweight tier.
	LookupReputation bool    `yaml:"lookup_reputation"`
	Weights          Weights `yaml:"weights"`
}

// Weights mirrors the verdict fusion weights.
type Weights struct {
	Signature  float64 `yaml:"signature"`
	Model      float64 `yaml:"model"`
	Behavioral float64 `yaml:"behavioral"`
}

// QuarantineConfig configures the quarantine store.
type QuarantineConfig struct {
	Dir             string            `yaml:"dir"`
	Retention       time.Duration     `yaml:"retention"`
	CleanupInterval time.Duration     `yaml:"cleanup_interval"`
	MaxFileSizeMB   int               `yaml:"max_file_size_mb"`
	MinLevel        types.ThreatLevel `yaml:"min_level"`
}

// WatchConfig configures the download directory watcher.
type WatchConfig struct {
	Dirs   []string      `yaml:"dirs"`
	Settle time.Duration `yaml:"settle"`
	// Workers bounds how many downloads are analyzed at once.
	Workers int `yaml:"workers"`
}

// Default returns the configuration built from the environment.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := GetEnv("SENTINEL_DATA_DIR", filepath.Join(home, ".local", "share", "sentinel"))
	downloads := filepath.Join(home, "Downloads")

	return Config{
		DataDir: dataDir,
		Log: LogConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
		HTTP: HTTPConfig{
			Addr:            GetEnv("HTTP_ADDR", "127.0.0.1:8787"),
			ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Feeds: FeedsConfig{
			OTXAPIKey:            GetEnv("OTX_API_KEY", ""),
			OTXBaseURL:           GetEnv("OTX_BASE_URL", "https://otx.alienvault.com/api/v1"),
			OTXRequestsPerMinute: GetEnvInt("OTX_REQUESTS_PER_MINUTE", 10),
			OTXMaxPages:          GetEnvInt("OTX_MAX_PAGES", 1),
			VTAPIKey:             GetEnv("VT_API_KEY", ""),
			VTBaseURL:            GetEnv("VT_BASE_URL", "https://www.virustotal.com/api/v3"),
			VTRequestsPerMinute:  GetEnvInt("VT_REQUESTS_PER_MINUTE", 4),
			UpdateInterval:       GetEnvDuration("FEED_UPDATE_INTERVAL", time.Hour),
			RulesDir:             GetEnv("SENTINEL_RULES_DIR", ""),
			HTTPTimeout:          GetEnvDuration("FEED_HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:           GetEnvInt("FEED_MAX_RETRIES", 2),
		},
		Sandbox: SandboxConfig{
			Binary:            GetEnv("SANDBOX_BINARY", "nsjail"),
			ConfigPaths:       GetEnvList("SANDBOX_CONFIG_PATHS", defaultSandboxConfigPaths()),
			Timeout:           GetEnvDuration("SANDBOX_TIMEOUT", 5*time.Second),
			MaxMemoryMB:       GetEnvInt("SANDBOX_MAX_MEMORY_MB", 128),
			KillGrace:         GetEnvDuration("SANDBOX_KILL_GRACE", 2*time.Second),
			AllowNetwork:      GetEnvBool("SANDBOX_ALLOW_NETWORK", false),
			AllowFilesystem:   GetEnvBool("SANDBOX_ALLOW_FILESYSTEM", false),
			EnableLightweight: GetEnvBool("SANDBOX_ENABLE_LIGHTWEIGHT", true),
			EnableFull:        GetEnvBool("SANDBOX_ENABLE_FULL", true),
			AllowShortCircuit: GetEnvBool("SANDBOX_ALLOW_SHORT_CIRCUIT", true),
			WorkDir:           GetEnv("SANDBOX_WORK_DIR", ""),
			LookupReputation:  GetEnvBool("SANDBOX_LOOKUP_REPUTATION", true),
			Weights:           Weights{Signature: 0.40, Model: 0.35, Behavioral: 0.25},
		},
		Quarantine: QuarantineConfig{
			Dir:             GetEnv("QUARANTINE_DIR", ""),
			Retention:       GetEnvDuration("QUARANTINE_RETENTION", 30*24*time.Hour),
			CleanupInterval: GetEnvDuration("QUARANTINE_CLEANUP_INTERVAL", 6*time.Hour),
			MaxFileSizeMB:   GetEnvInt("QUARANTINE_MAX_FILE_SIZE_MB", 512),
			MinLevel:        minLevelFromEnv(),
		},
		Watch: WatchConfig{
			Dirs:    GetEnvList("WATCH_DIRS", []string{downloads}),
			Settle:  GetEnvDuration("WATCH_SETTLE", 2*time.Second),
			Workers: GetEnvInt("WATCH_WORKERS", 2),
		},
	}
}

func defaultSandboxConfigPaths() []string {
	return []string{
		"/etc/sentinel/malware-sandbox.cfg",
		"Sandbox/configs/malware-sandbox.cfg",
		"configs/malware-sandbox.cfg",
		"Build/release/Services/Sentinel/Sandbox/configs/malware-sandbox.cfg",
		"../Services/Sentinel/Sandbox/configs/malware-sandbox.cfg",
	}
}

func minLevelFromEnv() types.ThreatLevel {
	if l, err := types.ParseThreatLevel(GetEnv("QUARANTINE_MIN_LEVEL", "malicious")); err == nil {
		return l
	}
	return types.ThreatMalicious
}

// Load returns Default() overlaid with the YAML file at path. An empty
// path skips the file. Derived directories are filled in afterwards.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.resolve()
	return cfg, nil
}

func (c *Config) resolve() {
	if c.Feeds.RulesDir == "" {
		c.Feeds.RulesDir = filepath.Join(c.DataDir, "rules")
	}
	if c.Quarantine.Dir == "" {
		c.Quarantine.Dir = filepath.Join(c.DataDir, "quarantine")
	}
}

// IndicatorDBPath is the bbolt file holding stored indicators.
func (c Config) IndicatorDBPath() string {
	return filepath.Join(c.DataDir, "indicators.db")
}

// ReputationCachePath is the bbolt file holding cached reputation results.
func (c Config) ReputationCachePath() string {
	return filepath.Join(c.DataDir, "reputation.db")
}

// Validate reports every configuration problem found.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdown_timeout must be positive, got %s", c.HTTP.ShutdownTimeout))
	}
	if c.Feeds.UpdateInterval < time.Second {
		errs = append(errs, fmt.Errorf("feeds.update_interval must be at least 1s, got %s", c.Feeds.UpdateInterval))
	}
	if c.Feeds.OTXRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("feeds.otx_requests_per_minute must be positive, got %d", c.Feeds.OTXRequestsPerMinute))
	}
	if c.Feeds.VTRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("feeds.vt_requests_per_minute must be positive, got %d", c.Feeds.VTRequestsPerMinute))
	}
	if c.Feeds.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("feeds.max_retries must not be negative, got %d", c.Feeds.MaxRetries))
	}
	if !c.Sandbox.EnableLightweight && !c.Sandbox.EnableFull {
		errs = append(errs, errors.New("at least one sandbox tier must be enabled"))
	}
	if c.Sandbox.EnableFull {
		if c.Sandbox.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout))
		}
		if c.Sandbox.MaxMemoryMB <= 0 {
			errs = append(errs, fmt.Errorf("sandbox.max_memory_mb must be positive, got %d", c.Sandbox.MaxMemoryMB))
		}
	}
	if c.Quarantine.Retention < 0 {
		errs = append(errs, fmt.Errorf("quarantine.retention must not be negative, got %s", c.Quarantine.Retention))
	}
	if c.Quarantine.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("quarantine.cleanup_interval must not be negative, got %s", c.Quarantine.CleanupInterval))
	}
	if c.Quarantine.MaxFileSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("quarantine.max_file_size_mb must be positive, got %d", c.Quarantine.MaxFileSizeMB))
	}
	if !c.Quarantine.MinLevel.Valid() || c.Quarantine.MinLevel == types.ThreatBenign {
		errs = append(errs, fmt.Errorf("quarantine.min_level must be suspicious, malicious or critical"))
	}
	if c.Watch.Workers < 1 {
		errs = append(errs, fmt.Errorf("watch.workers must be at least 1, got %d", c.Watch.Workers))
	}
	if c.Watch.Settle < 0 {
		errs = append(errs, fmt.Errorf("watch.settle must not be negative, got %s", c.Watch.Settle))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
