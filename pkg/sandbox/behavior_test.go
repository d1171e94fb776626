package sandbox

import (
	"math"
	"strings"
	"testing"
	"time"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBehavioralScore(t *testing.T) {
	tests := []struct {
		name string
		m    Metrics
		want float64
	}{
		{"idle", Metrics{}, 0},
		{"single privilege escalation", Metrics{PrivilegeEscalationAttempts: 1}, 0.7 * 0.40},
		{"repeated privilege escalation", Metrics{PrivilegeEscalationAttempts: 5}, 0.85 * 0.40},
		{"single injection", Metrics{CodeInjectionAttempts: 1}, 0.6 * 0.30},
		{"memory churn", Metrics{MemoryOperations: 150}, 0.7 * 0.30},
		{"beaconing", Metrics{NetworkOperations: 6, OutboundConnections: 3}, 0.5 * 0.20},
		{"aggressive beaconing", Metrics{NetworkOperations: 20, OutboundConnections: 11}, 0.8 * 0.20},
		{"a couple of connections", Metrics{NetworkOperations: 20, OutboundConnections: 2}, 0.15 * 0.20},
		{"dga", Metrics{DNSQueries: 60}, 0.7 * 0.20},
		{"fast file churn", Metrics{FileOperations: 300, ExecutionTime: time.Second}, 0.9 * 0.10},
		{"slow file churn", Metrics{FileOperations: 60, ExecutionTime: 10 * time.Second}, 0.2 * 0.10},
		{"sub-second run counts as one second", Metrics{FileOperations: 30, ExecutionTime: 100 * time.Millisecond}, 0.3 * 0.10},
		{"fork bomb", Metrics{ProcessOperations: 60, ExecutionTime: time.Second}, 0.8 * 0.10},
		{"dropper", Metrics{ExecutableDrops: 4}, 0.7 * 0.10},
		{"timeout floor", Metrics{TimedOut: true}, 0.35},
		{"oom floor", Metrics{OutOfMemory: true, HiddenFileCreates: 1}, 0.35},
		{
			"everything",
			Metrics{
				PrivilegeEscalationAttempts: 6,
				CodeInjectionAttempts:       4,
				NetworkOperations:           20,
				OutboundConnections:         11,
				FileOperations:              300,
				ExecutionTime:               time.Second,
			},
			0.40 + 0.30 + 0.8*0.20 + 0.9*0.10,
		},
	}
	for _, tt := range tests {
		if got := BehavioralScore(tt.m); !approx(got, tt.want) {
			t.Errorf("%s: BehavioralScore = %.4f, want %.4f", tt.name, got, tt.want)
		}
	}
}

func TestBehavioralScore_Bounded(t *testing.T) {
	m := Metrics{
		PrivilegeEscalationAttempts: 100,
		CodeInjectionAttempts:       100,
		MemoryOperations:            1000,
		NetworkOperations:           100,
		OutboundConnections:         100,
		DNSQueries:                  100,
		FileOperations:              10000,
		ProcessOperations:           1000,
		ExecutableDrops:             10,
		TimedOut:                    true,
	}
	if got := BehavioralScore(m); got < 0 || got > 1 {
		t.Errorf("BehavioralScore = %v, want within [0, 1]", got)
	}
}

func TestDescribeBehaviors(t *testing.T) {
	if got := DescribeBehaviors(Metrics{}); len(got) != 0 {
		t.Errorf("idle run described as %q", got)
	}
	got := DescribeBehaviors(Metrics{PrivilegeEscalationAttempts: 2, TimedOut: true, HiddenFileCreates: 1})
	if len(got) != 3 {
		t.Fatalf("DescribeBehaviors = %q, want 3 entries", got)
	}
	if !strings.HasPrefix(got[0], "CRITICAL: privilege escalation") {
		t.Errorf("most severe finding should come first, got %q", got[0])
	}
	if !strings.Contains(got[1], "time limit") {
		t.Errorf("got[1] = %q, want the timeout finding", got[1])
	}
}
