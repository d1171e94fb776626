package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_RejectsShortInterval(t *testing.T) {
	if _, err := New(0, quietLogger()); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := New(500*time.Millisecond, quietLogger()); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestTriggerNow_WithoutCallback(t *testing.T) {
	s, err := New(time.Hour, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerNow(context.Background()); !errors.Is(err, ErrNoCallback) {
		t.Errorf("TriggerNow = %v, want ErrNoCallback", err)
	}
	if err := s.ScheduleUpdate(nil); !errors.Is(err, ErrNoCallback) {
		t.Errorf("ScheduleUpdate(nil) = %v, want ErrNoCallback", err)
	}
}

func TestTriggerNow_UpdatesStatusWithoutRearming(t *testing.T) {
	s, _ := New(time.Hour, quietLogger())
	var calls int32
	if err := s.ScheduleUpdate(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	before := s.TimeUntilNextUpdate()
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d", calls)
	}
	st := s.Status()
	if st.LastUpdate.IsZero() || st.Runs != 1 || st.Failures != 0 {
		t.Errorf("status = %+v", st)
	}
	// The next scheduled fire is unchanged by a manual trigger.
	if after := s.TimeUntilNextUpdate(); after > before || before-after > 2*time.Second {
		t.Errorf("next update moved: before=%v after=%v", before, after)
	}
}

func TestSchedule_FailuresDoNotStopTimer(t *testing.T) {
	s, _ := New(time.Second, quietLogger())
	var calls int32
	if err := s.ScheduleUpdate(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("feed unreachable")
	}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, 6*time.Second, func() bool { return atomic.LoadInt32(&calls) >= 2 })
	if !s.IsRunning() {
		t.Error("scheduler stopped after callback failure")
	}
	st := s.Status()
	if st.Failures < 2 || st.LastError != "feed unreachable" || !st.LastUpdate.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestStop_DisarmsTimer(t *testing.T) {
	s, _ := New(time.Second, quietLogger())
	var calls int32
	s.ScheduleUpdate(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if s.TimeUntilNextUpdate() <= 0 {
		t.Error("armed scheduler should report time until next update")
	}
	s.Stop()

	if s.IsRunning() {
		t.Error("IsRunning after Stop")
	}
	if d := s.TimeUntilNextUpdate(); d != 0 {
		t.Errorf("TimeUntilNextUpdate after Stop = %v", d)
	}
	n := atomic.LoadInt32(&calls)
	time.Sleep(1500 * time.Millisecond)
	if atomic.LoadInt32(&calls) != n {
		t.Error("callback ran after Stop")
	}
	// Manual triggers still work after the timer is disarmed.
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Errorf("TriggerNow after Stop: %v", err)
	}
}

func TestTriggerNow_RunsNeverOverlap(t *testing.T) {
	s, _ := New(time.Hour, quietLogger())
	var active, maxActive int32
	s.ScheduleUpdate(func(ctx context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TriggerNow(context.Background())
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxActive)
	}
	if s.Status().Runs != 4 {
		t.Errorf("runs = %d", s.Status().Runs)
	}
}
