// Package monitor wires the sentinel pipeline together: feed updates feed
// the rule scanner, new downloads are analyzed, and files judged
// malicious are quarantined.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/internal/config"
	"github.com/invisible-tech/download-sentinel/internal/types"
	"github.com/invisible-tech/download-sentinel/pkg/downloads"
	"github.com/invisible-tech/download-sentinel/pkg/feeds"
	"github.com/invisible-tech/download-sentinel/pkg/indicator"
	"github.com/invisible-tech/download-sentinel/pkg/quarantine"
	"github.com/invisible-tech/download-sentinel/pkg/sandbox"
	"github.com/invisible-tech/download-sentinel/pkg/scanner"
	"github.com/invisible-tech/download-sentinel/pkg/scheduler"
	"github.com/invisible-tech/download-sentinel/pkg/signature"
)

// Stats are pipeline counters.
type Stats struct {
	DownloadsSeen    uint64    `json:"downloads_seen"`
	Analyzed         uint64    `json:"analyzed"`
	Quarantined      uint64    `json:"quarantined"`
	Flagged          uint64    `json:"flagged"`
	RestoredSkipped  uint64    `json:"restored_skipped"`
	AnalysisFailures uint64    `json:"analysis_failures"`
	FeedUpdates      uint64    `json:"feed_updates"`
	LastFeedUpdate   time.Time `json:"last_feed_update"`
}

// Monitor owns every long-lived component of the sentinel.
type Monitor struct {
	cfg config.Config
	log *logrus.Logger

	store      *indicator.BoltStore
	repCache   *feeds.BoltCache
	pulse      *feeds.PulseClient
	reputation *feeds.ReputationClient
	scanner    *scanner.Scanner
	scheduler  *scheduler.Scheduler
	analyzer   *sandbox.Orchestrator
	quarantine *quarantine.Manager
	watcher    *downloads.Watcher

	downloads chan downloads.Download

	// lifecycle orders Start's first wg.Add before Shutdown's Wait.
	lifecycle sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	stats Stats
}

// New builds the pipeline from cfg. Feed clients are only created when
// their API keys are set; download watching is skipped when no watch
// directory exists.
func New(cfg config.Config, log *logrus.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Feeds.RulesDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m := &Monitor{
		cfg:       cfg,
		log:       log,
		scanner:   scanner.New(log),
		downloads: make(chan downloads.Download, 64),
		stopCh:    make(chan struct{}),
	}

	ok := false
	defer func() {
		if !ok {
			m.close()
		}
	}()

	var err error
	m.store, err = indicator.OpenBoltStore(cfg.IndicatorDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open indicator store: %w", err)
	}

	transport := feeds.NewHTTPTransport(feeds.TransportConfig{
		Timeout:    cfg.Feeds.HTTPTimeout,
		MaxRetries: cfg.Feeds.MaxRetries,
	}, log)

	if cfg.Feeds.OTXAPIKey != "" {
		m.pulse, err = feeds.NewPulseClient(feeds.PulseConfig{
			APIKey:            cfg.Feeds.OTXAPIKey,
			BaseURL:           cfg.Feeds.OTXBaseURL,
			RequestsPerMinute: uint32(cfg.Feeds.OTXRequestsPerMinute),
			RulesDir:          cfg.Feeds.RulesDir,
			MaxPages:          cfg.Feeds.OTXMaxPages,
		}, m.store, transport, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create pulse client: %w", err)
		}
	} else {
		log.Warn("OTX_API_KEY not set, pulse feed updates disabled")
	}

	if cfg.Feeds.VTAPIKey != "" {
		m.repCache, err = feeds.OpenBoltCache(cfg.ReputationCachePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open reputation cache: %w", err)
		}
		m.reputation, err = feeds.NewReputationClient(feeds.ReputationConfig{
			APIKey:            cfg.Feeds.VTAPIKey,
			BaseURL:           cfg.Feeds.VTBaseURL,
			RequestsPerMinute: uint32(cfg.Feeds.VTRequestsPerMinute),
		}, transport, m.repCache, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create reputation client: %w", err)
		}
	}

	m.scheduler, err = scheduler.New(cfg.Feeds.UpdateInterval, log)
	if err != nil {
		return nil, err
	}

	opts := sandbox.Options{
		Scanner: m.scanner,
		Weights: &sandbox.Weights{
			Signature:  cfg.Sandbox.Weights.Signature,
			Model:      cfg.Sandbox.Weights.Model,
			Behavioral: cfg.Sandbox.Weights.Behavioral,
		},
	}
	if m.reputation != nil && cfg.Sandbox.LookupReputation {
		opts.Reputation = m.reputation
	}
	m.analyzer, err = sandbox.New(SandboxConfig(cfg.Sandbox), opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	m.quarantine, err = quarantine.New(quarantine.Config{
		Dir:         cfg.Quarantine.Dir,
		MaxFileSize: int64(cfg.Quarantine.MaxFileSizeMB) << 20,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine: %w", err)
	}

	if len(cfg.Watch.Dirs) > 0 {
		m.watcher, err = downloads.New(downloads.Config{
			Dirs:      cfg.Watch.Dirs,
			Settle:    cfg.Watch.Settle,
			Downloads: m.downloads,
		}, log)
		if err != nil {
			log.WithError(err).Warn("Download watching disabled")
			m.watcher = nil
		}
	}

	rulesPath := m.rulesPath()
	if _, err := os.Stat(rulesPath); err == nil {
		if err := m.scanner.ReloadRules(rulesPath); err != nil {
			log.WithError(err).Warn("Failed to load existing rules file")
		}
	}

	ok = true
	return m, nil
}

// SandboxConfig maps the sandbox section of the configuration onto the
// analyzer's config.
func SandboxConfig(c config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		Binary:                c.Binary,
		ConfigPaths:           c.ConfigPaths,
		Timeout:               c.Timeout,
		MaxMemoryBytes:        uint64(c.MaxMemoryMB) << 20,
		KillGrace:             c.KillGrace,
		AllowNetwork:          c.AllowNetwork,
		AllowFilesystem:       c.AllowFilesystem,
		EnableLightweightTier: c.EnableLightweight,
		EnableFullTier:        c.EnableFull,
		AllowShortCircuit:     c.AllowShortCircuit,
		WorkDir:               c.WorkDir,
	}
}

func (m *Monitor) rulesPath() string {
	if m.pulse != nil {
		return m.pulse.RulesPath()
	}
	return filepath.Join(m.cfg.Feeds.RulesDir, signature.RulesFileName)
}

// Start runs the background loops until ctx is done or Shutdown is
// called. After Shutdown it returns at once.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	if m.stopped {
		m.lifecycle.Unlock()
		return nil
	}
	m.wg.Add(1)
	m.lifecycle.Unlock()
	defer m.wg.Done()

	m.log.Info("Starting sentinel monitor")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if m.pulse != nil {
		if err := m.scheduler.ScheduleUpdate(m.UpdateFeeds); err != nil {
			return fmt.Errorf("failed to schedule feed updates: %w", err)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.scheduler.TriggerNow(ctx); err != nil {
				m.log.WithError(err).Warn("Initial feed update failed")
			}
		}()
	}

	if m.scanner.RuleCount() > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.scanner.Watch(ctx); err != nil {
				m.log.WithError(err).Warn("Rules file watcher stopped")
			}
		}()
	}

	if m.watcher != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watcher.Start(ctx)
		}()
	}

	for i := 0; i < m.cfg.Watch.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.analysisWorker(ctx)
		}()
	}

	if m.cfg.Quarantine.CleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.cleanupLoop(ctx)
		}()
	}

	m.log.Info("All components started")
	<-ctx.Done()
	return nil
}

func (m *Monitor) analysisWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.downloads:
			m.count(func(s *Stats) { s.DownloadsSeen++ })
			if _, err := m.HandleFile(ctx, d.Path); err != nil && ctx.Err() == nil {
				m.log.WithError(err).WithField("path", d.Path).Warn("Download analysis failed")
			}
		}
	}
}

func (m *Monitor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Quarantine.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.quarantine.CleanupExpired(m.cfg.Quarantine.Retention); err != nil {
				m.log.WithError(err).Warn("Quarantine cleanup incomplete")
			}
		}
	}
}

// Analyze runs the analyzer on path without acting on the verdict.
func (m *Monitor) Analyze(ctx context.Context, path string) (*sandbox.Result, error) {
	return m.analyzer.Analyze(ctx, path)
}

// HandleFile analyzes the file at path and quarantines it when the
// verdict reaches the configured level.
func (m *Monitor) HandleFile(ctx context.Context, path string) (*sandbox.Result, error) {
	res, err := m.Analyze(ctx, path)
	if err != nil {
		m.count(func(s *Stats) { s.AnalysisFailures++ })
		return nil, err
	}
	m.count(func(s *Stats) { s.Analyzed++ })

	log := m.log.WithFields(logrus.Fields{
		"path":         path,
		"sha256":       res.SHA256,
		"threat_level": res.Verdict.ThreatLevel.String(),
	})
	if res.Verdict.ThreatLevel < m.cfg.Quarantine.MinLevel {
		if res.Verdict.ThreatLevel > types.ThreatBenign {
			m.count(func(s *Stats) { s.Flagged++ })
			log.Warn("Suspicious download left in place")
		}
		return res, nil
	}

	restored, at, err := m.quarantine.WasRestored(res.SHA256)
	if err != nil {
		return res, err
	}
	if restored {
		m.count(func(s *Stats) { s.RestoredSkipped++ })
		log.WithField("restored_at", at).Info("Content was restored from quarantine, leaving it in place")
		return res, nil
	}

	_, err = m.quarantine.QuarantineFile(path, res.Verdict)
	var partial *quarantine.PartialQuarantineError
	switch {
	case err == nil:
		m.count(func(s *Stats) { s.Quarantined++ })
	case errors.Is(err, quarantine.ErrAlreadyQuarantined):
		log.Info("Identical content already quarantined")
	case errors.As(err, &partial):
		m.count(func(s *Stats) { s.Quarantined++ })
		return res, err
	default:
		return res, fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	return res, nil
}

// UpdateFeeds runs one pulse-feed fetch and reloads the scanner from the
// regenerated rules file.
func (m *Monitor) UpdateFeeds(ctx context.Context) error {
	if m.pulse == nil {
		return fmt.Errorf("pulse feed: %w", feeds.ErrNotConfigured)
	}
	res, err := m.pulse.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := m.scanner.ReloadRules(res.RulesPath); err != nil {
		return fmt.Errorf("failed to reload rules: %w", err)
	}
	m.analyzer.InvalidateCache()
	m.count(func(s *Stats) {
		s.FeedUpdates++
		s.LastFeedUpdate = time.Now()
	})
	return nil
}

// TriggerFeedUpdate runs a feed update now through the scheduler, so it
// never overlaps a scheduled one. Before Start it runs the update directly.
func (m *Monitor) TriggerFeedUpdate(ctx context.Context) error {
	if m.pulse == nil {
		return fmt.Errorf("pulse feed: %w", feeds.ErrNotConfigured)
	}
	err := m.scheduler.TriggerNow(ctx)
	if errors.Is(err, scheduler.ErrNoCallback) {
		return m.UpdateFeeds(ctx)
	}
	return err
}

// RestoreQuarantined restores a quarantined file to destination. The
// content is remembered as restored, so it is not quarantined again when
// it reappears in a watched directory.
func (m *Monitor) RestoreQuarantined(id, destination string) (*quarantine.Record, error) {
	rec, err := m.quarantine.RestoreFile(id, destination)
	if err != nil {
		return nil, err
	}
	m.analyzer.Forget(rec.SHA256)
	return rec, nil
}

// Quarantine exposes the quarantine manager.
func (m *Monitor) Quarantine() *quarantine.Manager {
	return m.quarantine
}

// Snapshot aggregates component statistics for the API.
type Snapshot struct {
	Pipeline   Stats                  `json:"pipeline"`
	Analyzer   sandbox.Stats          `json:"analyzer"`
	Quarantine quarantine.Stats       `json:"quarantine"`
	Scheduler  scheduler.Status       `json:"scheduler"`
	Rules      int                    `json:"rules"`
	Pulse      *feeds.PulseStats      `json:"pulse,omitempty"`
	Reputation *feeds.ReputationStats `json:"reputation,omitempty"`
}

// Snapshot returns the current statistics of every component.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	st := m.stats
	m.mu.Unlock()

	snap := Snapshot{
		Pipeline:   st,
		Analyzer:   m.analyzer.Stats(),
		Quarantine: m.quarantine.Stats(),
		Scheduler:  m.scheduler.Status(),
		Rules:      m.scanner.RuleCount(),
	}
	if m.pulse != nil {
		ps := m.pulse.Stats()
		snap.Pulse = &ps
	}
	if m.reputation != nil {
		rs := m.reputation.Stats()
		snap.Reputation = &rs
	}
	return snap
}

func (m *Monitor) count(f func(s *Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}

// Shutdown stops the background loops and closes the stores. It is safe
// to call more than once.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	if !m.stopped {
		m.log.Info("Shutting down monitor")
		m.stopped = true
		close(m.stopCh)
	}
	m.lifecycle.Unlock()
	m.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("All components stopped")
	case <-ctx.Done():
		m.log.Warn("Shutdown timeout, some components may not have stopped cleanly")
		return ctx.Err()
	}
	m.closeOnce.Do(func() { m.closeErr = m.close() })
	return m.closeErr
}

func (m *Monitor) close() error {
	var errs []error
	if m.quarantine != nil {
		errs = append(errs, m.quarantine.Close())
	}
	if m.repCache != nil {
		errs = append(errs, m.repCache.Close())
	}
	if m.store != nil {
		errs = append(errs, m.store.Close())
	}
	return errors.Join(errs...)
}
