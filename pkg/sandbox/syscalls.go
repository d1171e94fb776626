package sandbox

import (
	"path"
	"strings"
	"time"
)

const syscallPrefix = "[SYSCALL]"

// SyscallEvent is one syscall reported by the sandbox's tracing policy.
type SyscallEvent struct {
	Name string
	Args []string
}

// ParseSyscallEvent parses a stderr line of the form
// "[SYSCALL] name(arg, arg)". Lines without the prefix or without a
// syscall name are not events.
func ParseSyscallEvent(line string) (SyscallEvent, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), syscallPrefix)
	if !ok {
		return SyscallEvent{}, false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return SyscallEvent{}, false
	}

	open := strings.IndexByte(rest, '(')
	if open < 0 {
		return SyscallEvent{Name: rest}, true
	}
	name := strings.TrimSpace(rest[:open])
	if name == "" {
		return SyscallEvent{}, false
	}
	ev := SyscallEvent{Name: name}

	closing := strings.LastIndexByte(rest, ')')
	if closing < open {
		return ev, true
	}
	for _, a := range strings.Split(rest[open+1:closing], ",") {
		if a = strings.TrimSpace(a); a != "" {
			ev.Args = append(ev.Args, a)
		}
	}
	return ev, true
}

// Metrics are the behavioral counters collected from one sandbox run.
type Metrics struct {
	// File system
	FileOperations    uint32 `json:"file_operations"`
	FileDeletes       uint32 `json:"file_deletes"`
	TempFileCreates   uint32 `json:"temp_file_creates"`
	HiddenFileCreates uint32 `json:"hidden_file_creates"`
	ExecutableDrops   uint32 `json:"executable_drops"`

	// Process and execution
	ProcessOperations        uint32 `json:"process_operations"`
	SelfModificationAttempts uint32 `json:"self_modification_attempts"`
	PersistenceMechanisms    uint32 `json:"persistence_mechanisms"`

	// Network
	NetworkOperations   uint32 `json:"network_operations"`
	OutboundConnections uint32 `json:"outbound_connections"`
	DNSQueries          uint32 `json:"dns_queries"`
	HTTPRequests        uint32 `json:"http_requests"`

	// System
	ServiceModifications        uint32 `json:"service_modifications"`
	PrivilegeEscalationAttempts uint32 `json:"privilege_escalation_attempts"`

	// Memory
	MemoryOperations      uint32 `json:"memory_operations"`
	CodeInjectionAttempts uint32 `json:"code_injection_attempts"`

	SyscallsObserved uint32        `json:"syscalls_observed"`
	ExecutionTime    time.Duration `json:"execution_time"`
	TimedOut         bool          `json:"timed_out"`
	OutOfMemory      bool          `json:"out_of_memory"`
	ExitCode         int           `json:"exit_code"`
}

var (
	persistencePaths = []string{
		"/etc/crontab", "/var/spool/cron", "/etc/cron.d", "/etc/cron.",
		"/etc/profile", "/etc/bashrc", "/etc/rc.local",
		"/.bashrc", "/.profile", "/.bash_profile", "/.zshrc",
		"/.config/autostart", "/etc/ld.so.preload",
		"/etc/passwd", "/etc/shadow", "/etc/sudoers", "/.ssh/authorized_keys",
	}
	servicePaths = []string{
		"/etc/systemd/", "/lib/systemd/", "/usr/lib/systemd/", "/.config/systemd/",
		"/etc/init.d/", "/etc/init/", "/etc/rc.d/",
	}
	executableExts = map[string]bool{
		".sh": true, ".elf": true, ".so": true, ".exe": true, ".bin": true,
		".py": true, ".pl": true, ".bat": true,
	}
)

// Record updates the counters for one syscall event.
func (m *Metrics) Record(ev SyscallEvent) {
	m.SyscallsObserved++
	switch ev.Name {
	case "open", "openat", "openat2", "creat":
		m.FileOperations++
		if ev.Name == "creat" || hasArgFlag(ev.Args, "O_CREAT") {
			m.inspectCreatedPath(firstPathArg(ev.Args))
		}
		m.inspectSensitivePath(firstPathArg(ev.Args), hasArgFlag(ev.Args, "O_WRONLY") || hasArgFlag(ev.Args, "O_RDWR"))
	case "write", "pwrite64", "writev", "pwritev", "pwritev2",
		"read", "pread64", "readv", "preadv", "preadv2",
		"truncate", "ftruncate":
		m.FileOperations++
	case "unlink", "unlinkat", "rmdir":
		m.FileOperations++
		m.FileDeletes++
	case "rename", "renameat", "renameat2":
		m.FileOperations++
		if len(ev.Args) > 0 {
			m.inspectSensitivePath(unquote(ev.Args[len(ev.Args)-1]), true)
		}
	case "mkdir", "mkdirat":
		m.FileOperations++
		m.inspectCreatedPath(firstPathArg(ev.Args))
	case "chmod", "fchmod", "fchmodat":
		m.FileOperations++
		if setsExecBit(ev.Args) {
			m.ExecutableDrops++
		}
	case "chown", "fchown", "fchownat", "lchown":
		m.FileOperations++

	case "fork", "vfork", "clone", "clone3", "execve", "execveat":
		m.ProcessOperations++
	case "ptrace", "process_vm_readv", "process_vm_writev":
		m.CodeInjectionAttempts++

	case "socket":
		m.NetworkOperations++
	case "connect":
		m.NetworkOperations++
		m.OutboundConnections++
		if argsMention(ev.Args, "htons(53)", ":53") {
			m.DNSQueries++
		}
		if argsMention(ev.Args, "htons(80)", "htons(443)", ":80", ":443") {
			m.HTTPRequests++
		}
	case "bind", "listen", "accept", "accept4",
		"recv", "recvfrom", "recvmsg", "recvmmsg",
		"setsockopt", "getsockopt":
		m.NetworkOperations++
	case "send", "sendto", "sendmsg", "sendmmsg":
		m.NetworkOperations++
		if argsMention(ev.Args, "htons(53)") {
			m.DNSQueries++
		}
		if argsMention(ev.Args, "\"GET ", "\"POST ", "\"PUT ") {
			m.HTTPRequests++
		}

	case "mmap", "mmap2", "mremap", "munmap", "brk":
		m.MemoryOperations++
	case "mprotect", "pkey_mprotect":
		m.MemoryOperations++
		if hasArgFlag(ev.Args, "PROT_EXEC") && hasArgFlag(ev.Args, "PROT_WRITE") {
			m.CodeInjectionAttempts++
			m.SelfModificationAttempts++
		}

	case "setuid", "setuid32", "setgid", "setgid32", "setreuid", "setregid",
		"setresuid", "setresgid", "setfsuid", "setfsgid",
		"capset", "mount", "umount", "umount2", "pivot_root",
		"unshare", "setns", "chroot",
		"init_module", "finit_module", "delete_module",
		"reboot", "kexec_load", "kexec_file_load":
		m.PrivilegeEscalationAttempts++
	}
}

func (m *Metrics) inspectCreatedPath(p string) {
	if p == "" {
		return
	}
	if strings.HasPrefix(p, "/tmp/") || strings.HasPrefix(p, "/var/tmp/") || strings.HasPrefix(p, "/dev/shm/") {
		m.TempFileCreates++
	}
	base := path.Base(p)
	if strings.HasPrefix(base, ".") && base != "." && base != ".." {
		m.HiddenFileCreates++
	}
	if executableExts[strings.ToLower(path.Ext(base))] {
		m.ExecutableDrops++
	}
}

func (m *Metrics) inspectSensitivePath(p string, writing bool) {
	if p == "" || !writing {
		return
	}
	for _, sp := range servicePaths {
		if strings.Contains(p, sp) {
			m.ServiceModifications++
			m.PersistenceMechanisms++
			return
		}
	}
	for _, pp := range persistencePaths {
		if strings.Contains(p, pp) {
			m.PersistenceMechanisms++
			return
		}
	}
}

// firstPathArg returns the first quoted argument, which strace-style
// output uses for path names.
func firstPathArg(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "\"") {
			return unquote(a)
		}
	}
	return ""
}

func unquote(s string) string {
	return strings.Trim(s, "\"")
}

func hasArgFlag(args []string, flag string) bool {
	for _, a := range args {
		for _, part := range strings.Split(a, "|") {
			if strings.TrimSpace(part) == flag {
				return true
			}
		}
	}
	return false
}

func argsMention(args []string, needles ...string) bool {
	for _, a := range args {
		for _, n := range needles {
			if strings.Contains(a, n) {
				return true
			}
		}
	}
	return false
}

// setsExecBit reports whether a chmod-family mode argument sets any
// execute bit. The mode is the last argument in octal.
func setsExecBit(args []string) bool {
	if len(args) == 0 {
		return false
	}
	mode := strings.TrimSpace(args[len(args)-1])
	if strings.Contains(mode, "S_IX") {
		return true
	}
	var v uint64
	for _, c := range strings.TrimPrefix(mode, "0") {
		if c < '0' || c > '7' {
			return false
		}
		v = v*8 + uint64(c-'0')
	}
	return v&0o111 != 0
}
