package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// exitTimedOut is what nsjail reports when it SIGKILLs a child that ran
// past --time_limit (128 + SIGKILL).
const exitTimedOut = 128 + int(unix.SIGKILL)

// Runner executes a sandbox command line and reports what it observed.
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (Metrics, error)
}

// ProcessRunner launches the sandbox as a child process in its own
// process group, parses syscall events from its stderr and kills the
// whole group if it outlives timeout plus a grace period.
type ProcessRunner struct {
	log       *logrus.Logger
	killGrace time.Duration
	// drainTimeout bounds how long stderr is read after the process exits.
	drainTimeout time.Duration
}

// NewProcessRunner creates a ProcessRunner.
func NewProcessRunner(killGrace time.Duration, log *logrus.Logger) *ProcessRunner {
	return &ProcessRunner{log: log, killGrace: killGrace, drainTimeout: time.Second}
}

// Run starts argv and blocks until it exits, the deadline passes or ctx
// is cancelled. A run that hits the deadline is reported through
// Metrics.TimedOut, not as an error.
func (r *ProcessRunner) Run(ctx context.Context, argv []string, timeout time.Duration) (Metrics, error) {
	if len(argv) == 0 {
		return Metrics{}, fmt.Errorf("empty sandbox command")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return Metrics{}, fmt.Errorf("failed to start sandbox: %w", err)
	}
	pw.Close()
	pid := cmd.Process.Pid
	r.log.WithFields(logrus.Fields{"pid": pid, "binary": argv[0]}).Debug("Sandbox process started")

	var m Metrics
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		r.scan(pr, &m)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	deadline := time.NewTimer(timeout + r.killGrace)
	defer deadline.Stop()

	var waitErr error
	killed := false
	select {
	case waitErr = <-waitDone:
	case <-deadline.C:
		r.log.WithField("pid", pid).Warn("Sandbox exceeded time limit, killing process group")
		r.killGroup(pid)
		killed = true
		waitErr = <-waitDone
	case <-ctx.Done():
		r.killGroup(pid)
		<-waitDone
		pr.Close()
		<-scanDone
		return Metrics{}, ctx.Err()
	}
	elapsed := time.Since(start)

	select {
	case <-scanDone:
	case <-time.After(r.drainTimeout):
		// A descendant outside the group still holds the write end.
		pr.Close()
		<-scanDone
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return Metrics{}, fmt.Errorf("failed to wait for sandbox: %w", waitErr)
	}

	m.ExecutionTime = elapsed
	m.ExitCode = exitCode(cmd.ProcessState)
	switch {
	case killed || m.ExitCode == exitTimedOut:
		m.TimedOut = true
	case m.ExitCode >= 128:
		r.log.WithFields(logrus.Fields{"pid": pid, "signal": m.ExitCode - 128}).Info("Sandboxed process killed by signal")
	}

	r.log.WithFields(logrus.Fields{
		"pid":       pid,
		"exit_code": m.ExitCode,
		"timed_out": m.TimedOut,
		"syscalls":  m.SyscallsObserved,
		"elapsed":   elapsed.String(),
	}).Debug("Sandbox process finished")
	return m, nil
}

func (r *ProcessRunner) scan(rd io.Reader, m *Metrics) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if ev, ok := ParseSyscallEvent(line); ok {
			m.Record(ev)
			continue
		}
		if isOutOfMemory(line) {
			m.OutOfMemory = true
		}
	}
	if err := sc.Err(); err != nil {
		r.log.WithError(err).Debug("Stopped parsing sandbox output")
		_, _ = io.Copy(io.Discard, rd)
	}
}

func (r *ProcessRunner) killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		r.log.WithError(err).WithField("pid", pid).Error("Failed to kill sandbox process group")
	}
}

// exitCode follows the shell convention of 128+signal for signaled exits.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func isOutOfMemory(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "out of memory") || strings.Contains(l, "cannot allocate memory") ||
		strings.Contains(l, "oom-kill")
}
