// Package scheduler drives the periodic feed-update cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrNoCallback is returned by TriggerNow before a callback was registered.
var ErrNoCallback = errors.New("no update callback registered")

// Callback performs one fetch-and-regenerate cycle.
type Callback func(ctx context.Context) error

// Scheduler owns a single periodic task. Runs never overlap: a manual
// trigger waits for a scheduled run in progress and vice versa.
type Scheduler struct {
	interval time.Duration
	log      *logrus.Logger

	mu         sync.Mutex
	cron       *cron.Cron
	entry      cron.EntryID
	callback   Callback
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	lastUpdate time.Time
	lastErr    error
	runs       uint64
	failures   uint64

	runMu sync.Mutex
}

// Status is a snapshot of scheduler state.
type Status struct {
	Running             bool          `json:"running"`
	Interval            time.Duration `json:"interval"`
	LastUpdate          time.Time     `json:"last_update"`
	LastError           string        `json:"last_error,omitempty"`
	Runs                uint64        `json:"runs"`
	Failures            uint64        `json:"failures"`
	TimeUntilNextUpdate time.Duration `json:"time_until_next_update"`
}

// New creates a stopped scheduler. Intervals under a second are not
// supported by the timer and are rejected.
func New(interval time.Duration, log *logrus.Logger) (*Scheduler, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("update interval must be at least 1s, got %s", interval)
	}
	return &Scheduler{interval: interval, log: log}, nil
}

// ScheduleUpdate registers cb and arms the repeating timer. Calling it
// again replaces the callback and rearms.
func (s *Scheduler) ScheduleUpdate(cb Callback) error {
	if cb == nil {
		return ErrNoCallback
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.callback = cb
	s.ctx, s.cancel = context.WithCancel(context.Background())
	logger := cron.PrintfLogger(s.log)
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.entry = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.fire))
	s.cron.Start()
	s.running = true

	s.log.WithField("interval", s.interval.String()).Info("Update schedule armed")
	return nil
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.TriggerNow(ctx); err != nil {
		s.log.WithError(err).Warn("Scheduled update failed")
	}
}

// TriggerNow runs the callback immediately without touching the timer.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb == nil {
		return ErrNoCallback
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	err := cb(ctx)

	s.mu.Lock()
	s.runs++
	s.lastErr = err
	if err != nil {
		s.failures++
	} else {
		s.lastUpdate = time.Now()
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"duration": time.Since(start).String(),
		"success":  err == nil,
	}).Debug("Update run finished")
	return err
}

// Stop disarms the timer and waits for a scheduled run in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-c.Stop().Done()
	s.log.Info("Update schedule stopped")
}

// TimeUntilNextUpdate reports the time until the next scheduled run, or
// zero when the scheduler is stopped.
func (s *Scheduler) TimeUntilNextUpdate() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cron == nil {
		return 0
	}
	next := s.cron.Entry(s.entry).Next
	if next.IsZero() {
		return s.interval
	}
	if d := time.Until(next); d > 0 {
		return d
	}
	return 0
}

// IsRunning reports whether the timer is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of scheduler state.
func (s *Scheduler) Status() Status {
	next := s.TimeUntilNextUpdate()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:             s.running,
		Interval:            s.interval,
		LastUpdate:          s.lastUpdate,
		Runs:                s.runs,
		Failures:            s.failures,
		TimeUntilNextUpdate: next,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
