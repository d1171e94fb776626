package scanner

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/pkg/indicator"
	"github.com/invisible-tech/download-sentinel/pkg/signature"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeRules(t *testing.T, path string, inds ...indicator.Indicator) {
	t.Helper()
	if _, err := signature.New(quietLogger()).GenerateRulesFile(inds, path); err != nil {
		t.Fatalf("GenerateRulesFile: %v", err)
	}
}

func TestScanner_MatchesGeneratedRules(t *testing.T) {
	payload := []byte("definitely malware")
	md5Sum := md5.Sum([]byte("other payload"))

	path := filepath.Join(t.TempDir(), signature.RulesFileName)
	writeRules(t, path,
		indicator.Indicator{Type: indicator.TypeFileHash, Value: sha256Hex(payload), Source: "otx"},
		indicator.Indicator{Type: indicator.TypeFileHash, Value: hex.EncodeToString(md5Sum[:]), Source: "otx"},
	)

	s := New(quietLogger())
	if err := s.ReloadRules(path); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	if s.RuleCount() != 2 {
		t.Errorf("RuleCount = %d, want 2", s.RuleCount())
	}

	matches := s.Scan(payload)
	if len(matches) != 1 || matches[0].Algorithm != "sha256" {
		t.Fatalf("Scan(payload) = %+v", matches)
	}
	if matches[0].Rule != "otx_hash_"+sha256Hex(payload)[:32] {
		t.Errorf("rule name = %q", matches[0].Rule)
	}
	if m := s.Scan([]byte("other payload")); len(m) != 1 || m[0].Algorithm != "md5" {
		t.Errorf("md5 match = %+v", m)
	}
	if m := s.Scan([]byte("benign")); len(m) != 0 {
		t.Errorf("benign matched: %+v", m)
	}
}

func TestScanner_ScanFile(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("dropper bytes")
	target := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(target, payload, 0600); err != nil {
		t.Fatal(err)
	}
	rules := filepath.Join(dir, signature.RulesFileName)
	writeRules(t, rules, indicator.Indicator{Type: indicator.TypeFileHash, Value: sha256Hex(payload)})

	s := New(quietLogger())
	if err := s.ReloadRules(rules); err != nil {
		t.Fatal(err)
	}
	m, err := s.ScanFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 1 {
		t.Errorf("ScanFile matches = %+v", m)
	}
}

func TestScanner_ReloadFailureKeepsRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), signature.RulesFileName)
	writeRules(t, path, indicator.Indicator{Type: indicator.TypeFileHash, Value: sha256Hex([]byte("x"))})

	s := New(quietLogger())
	if err := s.ReloadRules(path); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadRules(filepath.Join(t.TempDir(), "missing.yara")); err == nil {
		t.Fatal("expected error for missing rules file")
	}
	if s.RuleCount() != 1 {
		t.Errorf("RuleCount after failed reload = %d, want 1", s.RuleCount())
	}
}

func TestScanner_WatchReloadsOnRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), signature.RulesFileName)
	writeRules(t, path)

	s := New(quietLogger())
	if err := s.ReloadRules(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Give the watcher time to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	writeRules(t, path, indicator.Indicator{Type: indicator.TypeFileHash, Value: sha256Hex([]byte("new"))})

	deadline := time.Now().Add(5 * time.Second)
	for s.RuleCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("rules were not reloaded after rewrite")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestScanner_WatchWithoutRules(t *testing.T) {
	s := New(quietLogger())
	if err := s.Watch(context.Background()); err != ErrNoRulesPath {
		t.Errorf("Watch = %v, want ErrNoRulesPath", err)
	}
}
