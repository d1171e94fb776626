// Package sandbox analyzes untrusted files in two tiers: a lightweight
// static tier (hash rules plus a heuristic model) and a full tier that
// executes the file under nsjail and scores the syscalls it makes. The
// signals are fused into a types.Verdict.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigNotFound is returned when no nsjail config file exists in
	// any of the search locations.
	ErrConfigNotFound = errors.New("sandbox config file not found")
	// ErrInvalidExecutable is returned before anything is spawned when the
	// path to analyze is empty or not a regular file.
	ErrInvalidExecutable = errors.New("invalid executable path")
	// ErrNoTierEnabled is returned when both analysis tiers are disabled.
	ErrNoTierEnabled = errors.New("no analysis tier enabled")
	// ErrInvalidWeights is returned when fusion weights do not sum to 1.
	ErrInvalidWeights = errors.New("fusion weights must sum to 1")
)

// DefaultConfigPaths are the locations searched for the nsjail policy,
// relative to the working directory unless absolute.
var DefaultConfigPaths = []string{
	"Services/Sentinel/Sandbox/configs/malware-sandbox.cfg",
	"Sandbox/configs/malware-sandbox.cfg",
	"configs/malware-sandbox.cfg",
	"Build/release/Services/Sentinel/Sandbox/configs/malware-sandbox.cfg",
	"../Services/Sentinel/Sandbox/configs/malware-sandbox.cfg",
}

// Config controls one analyzer. It is read-only once the analyzer is built.
type Config struct {
	// Binary is the nsjail executable, looked up in PATH when not absolute.
	Binary      string
	ConfigPaths []string

	Timeout        time.Duration
	MaxMemoryBytes uint64
	// KillGrace is how long past Timeout the supervisor waits for nsjail
	// to enforce its own time limit before killing the process group.
	KillGrace time.Duration

	AllowNetwork    bool
	AllowFilesystem bool

	EnableLightweightTier bool
	EnableFullTier        bool
	AllowShortCircuit     bool

	// WorkDir is where per-analysis copies are staged. Empty means the
	// system temp directory.
	WorkDir string
}

// DefaultConfig returns a config with both tiers on, networking off and
// a 5s / 128MB budget.
func DefaultConfig() Config {
	return Config{
		Binary:                "nsjail",
		ConfigPaths:           append([]string(nil), DefaultConfigPaths...),
		Timeout:               5 * time.Second,
		MaxMemoryBytes:        128 << 20,
		KillGrace:             2 * time.Second,
		EnableLightweightTier: true,
		EnableFullTier:        true,
		AllowShortCircuit:     true,
	}
}

// Validate checks the config for values that would make every analysis fail.
func (c Config) Validate() error {
	if !c.EnableLightweightTier && !c.EnableFullTier {
		return ErrNoTierEnabled
	}
	if c.EnableFullTier {
		if c.Binary == "" {
			return fmt.Errorf("sandbox binary must be set when the full tier is enabled")
		}
		if c.Timeout <= 0 {
			return fmt.Errorf("sandbox timeout must be positive, got %s", c.Timeout)
		}
		if c.MaxMemoryBytes == 0 {
			return fmt.Errorf("sandbox memory limit must be positive")
		}
		if c.KillGrace < 0 {
			return fmt.Errorf("sandbox kill grace must not be negative, got %s", c.KillGrace)
		}
	}
	return nil
}
