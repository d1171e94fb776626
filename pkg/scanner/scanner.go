// Package scanner matches files against the whole-file hash rules written
// by the signature generator. It backs the lightweight analysis tier.
package scanner

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrNoRulesPath is returned by Watch before any rules file was loaded.
var ErrNoRulesPath = errors.New("no rules file loaded")

var (
	ruleLine = regexp.MustCompile(`^\s*rule\s+([A-Za-z0-9_]+)`)
	hashLine = regexp.MustCompile(`hash\.(sha256|sha1|md5)\(0,\s*filesize\)\s*==\s*"([0-9a-fA-F]+)"`)
)

// Match is one rule that fired for a scanned file.
type Match struct {
	Rule      string `json:"rule"`
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// Scanner holds the currently loaded rule set.
type Scanner struct {
	log *logrus.Logger

	mu    sync.RWMutex
	path  string
	rules map[string]map[string]string // algorithm -> digest -> rule name
	count int
}

// New returns a Scanner with no rules loaded.
func New(log *logrus.Logger) *Scanner {
	return &Scanner{log: log, rules: make(map[string]map[string]string)}
}

// ReloadRules parses the rules file at path and swaps it in. On error the
// previous rule set stays active.
func (s *Scanner) ReloadRules(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	rules := make(map[string]map[string]string)
	count := 0
	current := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := ruleLine.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		m := hashLine.FindStringSubmatch(line)
		if m == nil || current == "" {
			continue
		}
		algo, digest := m[1], strings.ToLower(m[2])
		if rules[algo] == nil {
			rules[algo] = make(map[string]string)
		}
		if _, dup := rules[algo][digest]; !dup {
			count++
		}
		rules[algo][digest] = current
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	s.mu.Lock()
	s.path = path
	s.rules = rules
	s.count = count
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"path":  path,
		"rules": count,
	}).Info("Loaded hash rules")
	return nil
}

// RuleCount returns the number of distinct digests loaded.
func (s *Scanner) RuleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Scan hashes data and returns the rules it matches.
func (s *Scanner) Scan(data []byte) []Match {
	s256 := sha256.Sum256(data)
	s1 := sha1.Sum(data)
	m5 := md5.Sum(data)
	return s.lookup(hex.EncodeToString(s256[:]), hex.EncodeToString(s1[:]), hex.EncodeToString(m5[:]))
}

// ScanFile streams the file at path through all three digests.
func (s *Scanner) ScanFile(path string) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h256, h1, h5 := sha256.New(), sha1.New(), md5.New()
	if _, err := io.Copy(io.MultiWriter(h256, h1, h5), f); err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}
	return s.lookup(hex.EncodeToString(h256.Sum(nil)), hex.EncodeToString(h1.Sum(nil)), hex.EncodeToString(h5.Sum(nil))), nil
}

func (s *Scanner) lookup(sha256Hex, sha1Hex, md5Hex string) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Match
	for _, c := range []struct{ algo, digest string }{
		{"sha256", sha256Hex},
		{"sha1", sha1Hex},
		{"md5", md5Hex},
	} {
		if name, ok := s.rules[c.algo][c.digest]; ok {
			matches = append(matches, Match{Rule: name, Algorithm: c.algo, Digest: c.digest})
		}
	}
	return matches
}

// Watch reloads the rules file whenever it is rewritten, until ctx is done.
// The parent directory is watched so atomic replacements are seen.
func (s *Scanner) Watch(ctx context.Context) error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return ErrNoRulesPath
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch rules dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.ReloadRules(path); err != nil {
				s.log.WithError(err).WithField("path", path).Warn("Rules reload failed, keeping previous rules")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Error("Rules watcher error")
		}
	}
}
