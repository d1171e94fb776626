package sandbox

import (
	"fmt"
	"math"
	"os"
	"strconv"
)

// FindConfigFile returns the first path in paths that exists as a
// regular file.
func FindConfigFile(paths []string) (string, error) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("%w: searched %d locations", ErrConfigNotFound, len(paths))
}

// BuildCommand returns the nsjail argument vector for running exe with
// args. The result is passed to exec as a list and is never joined into
// a shell string.
//
// Layout:
//
//	nsjail -C <cfg> --time_limit <s> --rlimit_as <bytes> [isolation] --log_level DEBUG -- <exe> <args...>
func BuildCommand(cfg Config, configPath, exe string, args ...string) ([]string, error) {
	if exe == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidExecutable)
	}
	if configPath == "" {
		return nil, ErrConfigNotFound
	}

	argv := []string{
		cfg.Binary,
		"-C", configPath,
		"--time_limit", strconv.FormatUint(timeLimitSeconds(cfg), 10),
		"--rlimit_as", strconv.FormatUint(cfg.MaxMemoryBytes, 10),
	}
	if cfg.AllowNetwork {
		argv = append(argv, "--disable_clone_newnet")
	} else {
		// Stay in the fresh network namespace nsjail creates and keep
		// even loopback down.
		argv = append(argv, "--iface_no_lo")
	}
	if !cfg.AllowFilesystem {
		argv = append(argv, "--rlimit_fsize", "0")
	}
	argv = append(argv, "--log_level", "DEBUG", "--", exe)
	argv = append(argv, args...)
	return argv, nil
}

// timeLimitSeconds rounds the timeout up to whole seconds. nsjail treats
// 0 as unlimited, so the minimum is 1.
func timeLimitSeconds(cfg Config) uint64 {
	secs := uint64(math.Ceil(cfg.Timeout.Seconds()))
	if secs == 0 {
		return 1
	}
	return secs
}
