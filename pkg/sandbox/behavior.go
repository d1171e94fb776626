package sandbox

import (
	"fmt"
	"math"
)

// Category weights for the behavioral score.
const (
	weightPrivilegeEscalation = 0.40
	weightCodeInjection       = 0.30
	weightNetwork             = 0.20
	weightFileSystem          = 0.10

	// resourceLimitFloor is the lowest behavioral score a run that hit the
	// time or memory limit can have.
	resourceLimitFloor = 0.35
)

// BehavioralScore maps collected metrics to a score in [0, 1].
func BehavioralScore(m Metrics) float64 {
	score := privilegeEscalationScore(m)*weightPrivilegeEscalation +
		codeInjectionScore(m)*weightCodeInjection +
		networkScore(m)*weightNetwork +
		fileSystemScore(m)*weightFileSystem
	if m.TimedOut || m.OutOfMemory {
		score = math.Max(score, resourceLimitFloor)
	}
	return math.Min(1, score)
}

func privilegeEscalationScore(m Metrics) float64 {
	switch n := m.PrivilegeEscalationAttempts; {
	case n == 0:
		return 0
	case n == 1:
		return 0.7
	case n <= 5:
		return 0.85
	default:
		return 1
	}
}

func codeInjectionScore(m Metrics) float64 {
	var s float64
	switch n := m.CodeInjectionAttempts; {
	case n == 0:
	case n == 1:
		s = 0.6
	case n <= 3:
		s = 0.8
	default:
		s = 1
	}
	if m.MemoryOperations > 20 {
		s = math.Max(s, 0.4)
	}
	if m.MemoryOperations > 100 {
		s = math.Max(s, 0.7)
	}
	return s
}

func networkScore(m Metrics) float64 {
	var s float64
	if m.NetworkOperations > 0 {
		ratio := float64(m.OutboundConnections) / float64(m.NetworkOperations)
		switch {
		case ratio > 0.3 && m.OutboundConnections >= 3:
			s = 0.5
			if m.OutboundConnections > 10 {
				s = 0.8
			}
		case m.OutboundConnections >= 5:
			s = 0.3
		case m.OutboundConnections >= 2:
			s = 0.15
		}
	}
	if m.DNSQueries > 10 {
		s = math.Max(s, 0.4)
	}
	if m.DNSQueries > 50 {
		s = math.Max(s, 0.7)
	}
	return s
}

func fileSystemScore(m Metrics) float64 {
	secs := math.Max(1, m.ExecutionTime.Seconds())

	var s float64
	fileRate := float64(m.FileOperations) / secs
	switch {
	case fileRate > 200:
		s = 0.9
	case fileRate > 50:
		s = 0.6
	case fileRate > 20:
		s = 0.3
	case m.FileOperations > 50:
		s = 0.2
	}

	procRate := float64(m.ProcessOperations) / secs
	if procRate > 10 {
		s = math.Max(s, 0.5)
	}
	if procRate > 50 {
		s = math.Max(s, 0.8)
	}
	if m.ExecutableDrops > 0 {
		s = math.Max(s, 0.4)
	}
	if m.ExecutableDrops > 3 {
		s = math.Max(s, 0.7)
	}
	if m.HiddenFileCreates > 0 {
		s = math.Max(s, 0.2)
	}
	if m.TempFileCreates > 5 {
		s = math.Max(s, 0.25)
	}
	return s
}

// DescribeBehaviors lists human-readable findings for the metrics, most
// severe first.
func DescribeBehaviors(m Metrics) []string {
	var out []string
	add := func(cond bool, format string, args ...interface{}) {
		if cond {
			out = append(out, fmt.Sprintf(format, args...))
		}
	}

	add(m.PrivilegeEscalationAttempts > 0, "CRITICAL: privilege escalation attempted (%d attempts)", m.PrivilegeEscalationAttempts)
	add(m.CodeInjectionAttempts > 0, "CRITICAL: code injection attempted (%d attempts)", m.CodeInjectionAttempts)
	add(m.SelfModificationAttempts > 0, "HIGH: writable and executable memory mapped (%d times)", m.SelfModificationAttempts)
	add(m.ExecutableDrops > 0, "HIGH: executable file dropped to disk (%d files)", m.ExecutableDrops)
	add(m.PersistenceMechanisms > 0, "HIGH: persistence mechanism installed (%d locations)", m.PersistenceMechanisms)
	add(m.ServiceModifications > 0, "HIGH: service or daemon modification attempted (%d modifications)", m.ServiceModifications)
	add(m.OutboundConnections > 3, "HIGH: multiple outbound connections (%d connections)", m.OutboundConnections)
	add(m.HTTPRequests > 3, "HIGH: multiple HTTP requests (%d requests)", m.HTTPRequests)
	add(m.TimedOut, "MEDIUM: execution exceeded the sandbox time limit")
	add(m.OutOfMemory, "MEDIUM: execution exceeded the sandbox memory limit")
	add(m.NetworkOperations > 5, "MEDIUM: network activity (%d operations)", m.NetworkOperations)
	add(m.DNSQueries > 5, "MEDIUM: suspicious DNS query pattern (%d queries)", m.DNSQueries)
	add(m.ProcessOperations > 5, "MEDIUM: multiple process creation operations (%d total)", m.ProcessOperations)
	add(m.HiddenFileCreates > 0, "MEDIUM: hidden file created (%d files)", m.HiddenFileCreates)
	add(m.TempFileCreates > 3, "MEDIUM: multiple temporary files created (%d files)", m.TempFileCreates)
	add(m.FileDeletes > 10, "MEDIUM: mass file deletion (%d files)", m.FileDeletes)
	add(m.MemoryOperations > 100, "LOW: heavy memory manipulation (%d operations)", m.MemoryOperations)
	return out
}
