package sandbox

import (
	"reflect"
	"testing"
)

func TestParseSyscallEvent(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		name string
		args []string
	}{
		{`[SYSCALL] openat(AT_FDCWD, "/tmp/x", O_CREAT|O_WRONLY)`, true, "openat", []string{"AT_FDCWD", `"/tmp/x"`, "O_CREAT|O_WRONLY"}},
		{`  [SYSCALL] write(1, , 2)  `, true, "write", []string{"1", "2"}},
		{`[SYSCALL] getpid`, true, "getpid", nil},
		{`[SYSCALL] getpid()`, true, "getpid", nil},
		{`[SYSCALL] read(3, buf`, true, "read", nil},
		{`[SYSCALL] connect(3, sin_port=htons(53))`, true, "connect", []string{"3", "sin_port=htons(53)"}},
		{`[SYSCALL] (1, 2)`, false, "", nil},
		{`[SYSCALL]    `, false, "", nil},
		{`[I][2024] Mode: STANDALONE_ONCE`, false, "", nil},
		{``, false, "", nil},
	}
	for _, tt := range tests {
		ev, ok := ParseSyscallEvent(tt.line)
		if ok != tt.ok {
			t.Errorf("ParseSyscallEvent(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if ev.Name != tt.name {
			t.Errorf("ParseSyscallEvent(%q) name = %q, want %q", tt.line, ev.Name, tt.name)
		}
		if !reflect.DeepEqual(ev.Args, tt.args) {
			t.Errorf("ParseSyscallEvent(%q) args = %q, want %q", tt.line, ev.Args, tt.args)
		}
	}
}

func record(lines ...string) Metrics {
	var m Metrics
	for _, l := range lines {
		if ev, ok := ParseSyscallEvent(l); ok {
			m.Record(ev)
		}
	}
	return m
}

func TestMetrics_FileInspection(t *testing.T) {
	m := record(
		`[SYSCALL] openat(AT_FDCWD, "/tmp/.hidden.sh", O_CREAT|O_WRONLY, 0644)`,
		`[SYSCALL] chmod("/tmp/.hidden.sh", 0755)`,
		`[SYSCALL] chmod("/tmp/notes.txt", 0644)`,
		`[SYSCALL] unlink("/home/u/doc.txt")`,
		`[SYSCALL] read(3, "", 4096)`,
	)
	if m.FileOperations != 5 {
		t.Errorf("FileOperations = %d, want 5", m.FileOperations)
	}
	if m.TempFileCreates != 1 || m.HiddenFileCreates != 1 {
		t.Errorf("temp = %d hidden = %d, want 1 and 1", m.TempFileCreates, m.HiddenFileCreates)
	}
	if m.ExecutableDrops != 2 {
		t.Errorf("ExecutableDrops = %d, want 2 (.sh create + chmod +x)", m.ExecutableDrops)
	}
	if m.FileDeletes != 1 {
		t.Errorf("FileDeletes = %d, want 1", m.FileDeletes)
	}
	if m.SyscallsObserved != 5 {
		t.Errorf("SyscallsObserved = %d, want 5", m.SyscallsObserved)
	}
}

func TestMetrics_Persistence(t *testing.T) {
	m := record(
		`[SYSCALL] openat(AT_FDCWD, "/etc/crontab", O_WRONLY|O_APPEND)`,
		`[SYSCALL] openat(AT_FDCWD, "/etc/systemd/system/evil.service", O_CREAT|O_WRONLY, 0644)`,
		`[SYSCALL] openat(AT_FDCWD, "/etc/passwd", O_RDONLY)`,
	)
	if m.PersistenceMechanisms != 2 {
		t.Errorf("PersistenceMechanisms = %d, want 2 (read-only opens do not count)", m.PersistenceMechanisms)
	}
	if m.ServiceModifications != 1 {
		t.Errorf("ServiceModifications = %d, want 1", m.ServiceModifications)
	}
}

func TestMetrics_ProcessNetworkMemory(t *testing.T) {
	m := record(
		`[SYSCALL] clone(child_stack=NULL, flags=CLONE_CHILD_SETTID)`,
		`[SYSCALL] execve("/bin/sh", ["sh"], 0x0)`,
		`[SYSCALL] ptrace(PTRACE_ATTACH, 1)`,
		`[SYSCALL] socket(AF_INET, SOCK_DGRAM, 0)`,
		`[SYSCALL] connect(3, {sa_family=AF_INET, sin_port=htons(53), sin_addr=inet_addr("8.8.8.8")}, 16)`,
		`[SYSCALL] connect(4, {sa_family=AF_INET, sin_port=htons(443), sin_addr=inet_addr("1.2.3.4")}, 16)`,
		`[SYSCALL] sendto(4, "GET / HTTP/1.1", 14, 0, NULL, 0)`,
		`[SYSCALL] mmap(NULL, 4096, PROT_READ|PROT_WRITE, MAP_PRIVATE, -1, 0)`,
		`[SYSCALL] mprotect(0x7f0000, 4096, PROT_READ|PROT_WRITE|PROT_EXEC)`,
		`[SYSCALL] mprotect(0x7f0000, 4096, PROT_READ)`,
		`[SYSCALL] setuid(0)`,
		`[SYSCALL] init_module(0x0, 100, "")`,
		`[SYSCALL] getpid()`,
	)
	if m.ProcessOperations != 2 {
		t.Errorf("ProcessOperations = %d, want 2", m.ProcessOperations)
	}
	if m.NetworkOperations != 4 || m.OutboundConnections != 2 {
		t.Errorf("network = %d outbound = %d, want 4 and 2", m.NetworkOperations, m.OutboundConnections)
	}
	if m.DNSQueries != 1 {
		t.Errorf("DNSQueries = %d, want 1", m.DNSQueries)
	}
	if m.HTTPRequests != 2 {
		t.Errorf("HTTPRequests = %d, want 2 (port 443 connect and GET payload)", m.HTTPRequests)
	}
	if m.MemoryOperations != 3 {
		t.Errorf("MemoryOperations = %d, want 3", m.MemoryOperations)
	}
	if m.CodeInjectionAttempts != 2 || m.SelfModificationAttempts != 1 {
		t.Errorf("injection = %d selfmod = %d, want 2 and 1", m.CodeInjectionAttempts, m.SelfModificationAttempts)
	}
	if m.PrivilegeEscalationAttempts != 2 {
		t.Errorf("PrivilegeEscalationAttempts = %d, want 2", m.PrivilegeEscalationAttempts)
	}
	if m.SyscallsObserved != 13 {
		t.Errorf("SyscallsObserved = %d, want 13", m.SyscallsObserved)
	}
}

func TestSetsExecBit(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{`"/x"`, "0755"}, true},
		{[]string{`"/x"`, "0644"}, false},
		{[]string{`"/x"`, "0100"}, true},
		{[]string{`"/x"`, "S_IRUSR|S_IXUSR"}, true},
		{[]string{`"/x"`, "0"}, false},
		{[]string{`"/x"`, "garbage"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := setsExecBit(tt.args); got != tt.want {
			t.Errorf("setsExecBit(%q) = %v, want %v", tt.args, got, tt.want)
		}
	}
}
