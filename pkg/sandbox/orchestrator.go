package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/internal/types"
	"github.com/invisible-tech/download-sentinel/pkg/feeds"
	"github.com/invisible-tech/download-sentinel/pkg/scanner"
)

// State is a step in the per-file analysis state machine.
type State int

const (
	StateQueued State = iota
	StateLightweightScan
	StateFullExecution
	StateMonitoring
	StateDone
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateLightweightScan:
		return "lightweight_scan"
	case StateFullExecution:
		return "full_execution"
	case StateMonitoring:
		return "monitoring"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RuleScanner matches a file against the loaded hash rules.
type RuleScanner interface {
	ScanFile(path string) ([]scanner.Match, error)
}

// ReputationSource looks up a file digest in an external reputation feed.
type ReputationSource interface {
	LookupFile(ctx context.Context, sha256Hex string) (feeds.ReputationResult, error)
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	FilesAnalyzed         uint64 `json:"files_analyzed"`
	LightweightExecutions uint64 `json:"lightweight_executions"`
	FullExecutions        uint64 `json:"full_executions"`
	ShortCircuits         uint64 `json:"short_circuits"`
	MaliciousDetected     uint64 `json:"malicious_detected"`
	Timeouts              uint64 `json:"timeouts"`
	CacheHits             uint64 `json:"cache_hits"`
	Failures              uint64 `json:"failures"`
}

// Result is the outcome of one analysis.
type Result struct {
	Path           string          `json:"path"`
	SHA256         string          `json:"sha256"`
	Verdict        types.Verdict   `json:"verdict"`
	States         []State         `json:"-"`
	ShortCircuited bool            `json:"short_circuited"`
	FromCache      bool            `json:"from_cache"`
	Matches        []scanner.Match `json:"matches,omitempty"`
	Reputation     string          `json:"reputation,omitempty"`
	ModelFeatures  []string        `json:"model_features,omitempty"`
	Metrics        *Metrics        `json:"metrics,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Scanner    RuleScanner
	Reputation ReputationSource
	Model      Model
	Runner     Runner
	Weights    *Weights
	Thresholds *Thresholds
}

const (
	reputationTimeout = 10 * time.Second
	verdictCacheSize  = 4096
)

// Orchestrator runs files through the lightweight and full analysis tiers.
type Orchestrator struct {
	cfg        Config
	configPath string
	log        *logrus.Logger

	scanner    RuleScanner
	reputation ReputationSource
	model      Model
	runner     Runner
	engine     *VerdictEngine
	rules      *RuleSet

	mu    sync.Mutex
	stats Stats
	cache map[string]types.Verdict
}

// analysis is the mutable state of one request as it moves through the
// state machine.
type analysis struct {
	path   string
	args   []string
	sha256 string
	head   []byte

	signals     Signals
	preliminary types.Verdict
	lightweight bool

	staged   string
	argv     []string
	metrics  *Metrics
	fullErr  error
	shortcut bool
}

// New builds an Orchestrator. With the full tier enabled the nsjail config
// must be present in one of cfg.ConfigPaths.
func New(cfg Config, opts Options, log *logrus.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, t := DefaultWeights(), DefaultThresholds()
	if opts.Weights != nil {
		w = *opts.Weights
	}
	if opts.Thresholds != nil {
		t = *opts.Thresholds
	}
	engine, err := NewVerdictEngine(w, t)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		log:        log,
		scanner:    opts.Scanner,
		reputation: opts.Reputation,
		model:      opts.Model,
		runner:     opts.Runner,
		engine:     engine,
		rules:      NewRuleSet(),
		cache:      make(map[string]types.Verdict),
	}
	if o.model == nil {
		o.model = NewHeuristicModel()
	}
	if cfg.EnableFullTier {
		o.configPath, err = FindConfigFile(cfg.ConfigPaths)
		if err != nil {
			return nil, err
		}
		if o.runner == nil {
			o.runner = NewProcessRunner(cfg.KillGrace, log)
		}
	}
	return o, nil
}

// Analyze runs the file at path (with args when executed) through the
// enabled tiers and returns the fused verdict.
func (o *Orchestrator) Analyze(ctx context.Context, path string, args ...string) (*Result, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidExecutable)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidExecutable, path)
	}

	start := time.Now()
	a := &analysis{path: path, args: args}
	if a.sha256, a.head, err = digestFile(path, maxModelBytes); err != nil {
		return nil, err
	}
	o.count(func(s *Stats) { s.FilesAnalyzed++ })

	log := o.log.WithFields(logrus.Fields{"path": path, "sha256": a.sha256})
	if v, ok := o.cachedVerdict(a.sha256); ok {
		o.count(func(s *Stats) { s.CacheHits++ })
		log.WithField("threat_level", v.ThreatLevel.String()).Debug("Returning cached verdict")
		return &Result{Path: path, SHA256: a.sha256, Verdict: v, FromCache: true, Duration: time.Since(start)}, nil
	}

	res := &Result{Path: path, SHA256: a.sha256}
	defer func() {
		if a.staged != "" {
			os.RemoveAll(filepath.Dir(a.staged))
		}
	}()

	state := StateQueued
	for state != StateDone {
		res.States = append(res.States, state)
		if err := o.step(ctx, state, a, res); err != nil {
			o.count(func(s *Stats) { s.Failures++ })
			return nil, err
		}
		state = o.next(state, a)
	}
	res.States = append(res.States, StateDone)

	if a.fullErr != nil && !a.lightweight {
		o.count(func(s *Stats) { s.Failures++ })
		return nil, a.fullErr
	}

	res.Verdict = o.engine.Verdict(a.signals)
	res.ShortCircuited = a.shortcut
	res.Metrics = a.metrics
	res.Duration = time.Since(start)

	o.storeVerdict(a.sha256, res.Verdict)
	o.count(func(s *Stats) {
		if res.Verdict.ThreatLevel >= types.ThreatMalicious {
			s.MaliciousDetected++
		}
	})
	analysesTotal.WithLabelValues(res.Verdict.ThreatLevel.String()).Inc()
	analysisDuration.Observe(res.Duration.Seconds())

	log.WithFields(logrus.Fields{
		"threat_level":    res.Verdict.ThreatLevel.String(),
		"composite_score": res.Verdict.CompositeScore,
		"confidence":      res.Verdict.Confidence,
		"short_circuited": res.ShortCircuited,
		"duration":        res.Duration.String(),
	}).Info("Analysis complete")
	return res, nil
}

// next is the transition function of the analysis state machine.
func (o *Orchestrator) next(s State, a *analysis) State {
	switch s {
	case StateQueued:
		if o.cfg.EnableLightweightTier {
			return StateLightweightScan
		}
		return StateFullExecution
	case StateLightweightScan:
		if !o.cfg.EnableFullTier || o.shouldShortCircuit(a) {
			return StateDone
		}
		return StateFullExecution
	case StateFullExecution:
		if a.fullErr != nil {
			return StateDone
		}
		return StateMonitoring
	default:
		return StateDone
	}
}

// shouldShortCircuit is the guard for skipping full execution after the
// lightweight tier.
func (o *Orchestrator) shouldShortCircuit(a *analysis) bool {
	if !o.cfg.AllowShortCircuit || !a.lightweight {
		return false
	}
	if a.signals.HashMatch {
		return true
	}
	return a.preliminary.Confidence >= 0.9 && a.preliminary.CompositeScore < o.engine.Thresholds().Suspicious
}

func (o *Orchestrator) step(ctx context.Context, s State, a *analysis, res *Result) error {
	switch s {
	case StateLightweightScan:
		o.lightweightScan(ctx, a, res)
		if o.shouldShortCircuit(a) && o.cfg.EnableFullTier {
			a.shortcut = true
			o.count(func(s *Stats) { s.ShortCircuits++ })
			shortCircuits.Inc()
		}
	case StateFullExecution:
		a.staged, a.fullErr = stageCopy(o.cfg.WorkDir, a.path)
		if a.fullErr == nil {
			a.argv, a.fullErr = BuildCommand(o.cfg, o.configPath, a.staged, a.args...)
		}
		if a.fullErr != nil {
			o.log.WithError(a.fullErr).WithField("path", a.path).Warn("Failed to prepare sandbox execution")
		}
	case StateMonitoring:
		if err := ctx.Err(); err != nil {
			return err
		}
		o.count(func(s *Stats) { s.FullExecutions++ })
		tierExecutions.WithLabelValues("full").Inc()
		m, err := o.runner.Run(ctx, a.argv, o.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.fullErr = fmt.Errorf("failed to run sandbox: %w", err)
			o.log.WithError(err).WithField("path", a.path).Warn("Sandbox execution failed")
			return nil
		}
		if m.TimedOut {
			o.count(func(s *Stats) { s.Timeouts++ })
			sandboxTimeouts.Inc()
		}
		a.metrics = &m
		a.signals.Behavioral = BehavioralScore(m)
		a.signals.Behaviors = append(a.signals.Behaviors, DescribeBehaviors(m)...)
		a.signals.Rules = append(a.signals.Rules, o.rules.Evaluate(&m)...)
	}
	return nil
}

func (o *Orchestrator) lightweightScan(ctx context.Context, a *analysis, res *Result) {
	o.count(func(s *Stats) { s.LightweightExecutions++ })
	tierExecutions.WithLabelValues("lightweight").Inc()

	if o.scanner != nil {
		matches, err := o.scanner.ScanFile(a.path)
		if err != nil {
			o.log.WithError(err).WithField("path", a.path).Warn("Signature scan failed")
		}
		if len(matches) > 0 {
			a.signals.Signature = 1
			a.signals.HashMatch = true
			res.Matches = matches
			for _, m := range matches {
				a.signals.Rules = append(a.signals.Rules, m.Rule)
			}
			a.signals.Behaviors = append(a.signals.Behaviors, "CRITICAL: file matches a known-malware hash rule")
		}
	}

	if o.reputation != nil && !a.signals.HashMatch {
		o.applyReputation(ctx, a, res)
	}

	pred := o.model.Predict(a.head)
	a.signals.Model = pred.Score
	res.ModelFeatures = pred.Features
	for _, f := range pred.Features {
		a.signals.Behaviors = append(a.signals.Behaviors, "STATIC: "+f)
	}

	a.lightweight = true
	a.preliminary = o.engine.Verdict(a.signals)
}

func (o *Orchestrator) applyReputation(ctx context.Context, a *analysis, res *Result) {
	rctx, cancel := context.WithTimeout(ctx, reputationTimeout)
	defer cancel()
	rep, err := o.reputation.LookupFile(rctx, a.sha256)
	if err != nil {
		if !feeds.IsNotFound(err) && !errors.Is(err, context.DeadlineExceeded) {
			o.log.WithError(err).WithField("sha256", a.sha256).Warn("Reputation lookup failed")
		}
		return
	}
	res.Reputation = rep.Verdict()
	switch {
	case rep.IsMalicious():
		a.signals.Signature = max(a.signals.Signature, 0.6+0.4*rep.DetectionRatio)
		a.signals.Behaviors = append(a.signals.Behaviors,
			fmt.Sprintf("HIGH: %d of %d reputation engines flag this file", rep.Counts.Malicious, rep.TotalEngines))
	case rep.IsSuspicious():
		a.signals.Signature = max(a.signals.Signature, 0.4)
	}
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) count(f func(s *Stats)) {
	o.mu.Lock()
	f(&o.stats)
	o.mu.Unlock()
}

func (o *Orchestrator) cachedVerdict(sha string) (types.Verdict, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.cache[sha]
	return v, ok
}

// InvalidateCache drops every cached verdict. Call it after the rule set
// changes so earlier verdicts are not reused.
func (o *Orchestrator) InvalidateCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[string]types.Verdict)
}

// Forget drops the cached verdict for one SHA-256.
func (o *Orchestrator) Forget(sha256Hex string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cache, strings.ToLower(sha256Hex))
}

func (o *Orchestrator) storeVerdict(sha string, v types.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.cache) >= verdictCacheSize {
		o.cache = make(map[string]types.Verdict)
	}
	o.cache[sha] = v
}

// digestFile returns the SHA-256 of the file and up to limit leading bytes.
func digestFile(path string, limit int64) (string, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	defer f.Close()

	h := sha256.New()
	head, err := io.ReadAll(io.LimitReader(io.TeeReader(f, h), limit))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", nil, fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), head, nil
}

// stageCopy copies src into a fresh private directory under dir and
// marks it executable.
func stageCopy(dir, src string) (string, error) {
	tmp, err := os.MkdirTemp(dir, "sentinel-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	dst := filepath.Join(tmp, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0700)
	if err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to create staged copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to close staged copy: %w", err)
	}
	return dst, nil
}
