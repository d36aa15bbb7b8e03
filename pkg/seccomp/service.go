package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64", "preadv", "pwritev",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3", "fcntl", "flock",
			"pipe", "pipe2",
			"readlink", "readlinkat", "getdents", "getdents64",
			"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
			"chdir", "fchdir", "getcwd", "umask",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"truncate", "ftruncate", "fallocate",
			"fsync", "fdatasync", "sync_file_range",
			"utimensat", "futimesat", "utime", "utimes",
			"sendfile", "splice", "tee", "copy_file_range",
			"memfd_create", "ioctl",
			"inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mlock", "munlock", "mincore",
			"execve", "execveat", "exit", "exit_group",
			"wait4", "waitid", "clone", "clone3", "fork", "vfork", "kill", "tkill", "tgkill",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"futex", "futex_waitv", "gettid", "sched_yield", "sched_getaffinity", "sched_setaffinity",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "rt_sigtimedwait", "sigaltstack",
			"restart_syscall", "pause", "alarm", "setitimer", "getitimer",
			"clock_gettime", "clock_getres", "gettimeofday", "time", "nanosleep", "clock_nanosleep",
			"timer_create", "timer_settime", "timer_gettime", "timer_delete",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
			"getpid", "getppid", "getpgid", "getpgrp", "setpgid", "getsid", "setsid",
			"getuid", "geteuid", "getgid", "getegid", "getresuid", "getresgid", "getgroups",
			"uname", "sysinfo", "getrlimit", "setrlimit", "prlimit64", "getrusage", "times",
			"getrandom", "arch_prctl", "prctl", "capget",
			"poll", "ppoll", "select", "pselect6",
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd", "eventfd2", "signalfd", "signalfd4",
		).
		// xinetd/socat style services drop to an unprivileged user per connection
		AllowSyscalls(
			"setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid",
			"setgroups", "setfsuid", "setfsgid", "capset", "chroot",
		).
		AllowSyscallWithArgs("personality", []SyscallArg{{Index: 0, Value: 0x0, Op: specs.OpEqualTo}}).
		AllowSyscallWithArgs("personality", []SyscallArg{{Index: 0, Value: 0x0008, Op: specs.OpEqualTo}}).
		AllowSyscallWithArgs("personality", []SyscallArg{{Index: 0, Value: 0xffffffff, Op: specs.OpEqualTo}})
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	)
}

func hostEscapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root", "move_mount", "open_tree", "fsopen", "fsmount",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct", "settimeofday", "adjtimex", "clock_adjtime", "clock_settime",
			"nfsservctl", "lookup_dcookie", "ioperm", "iopl", "quotactl",
			"open_by_handle_at", "name_to_handle_at",
		)
}

// ServiceProfile is a deny-by-default profile for long-running challenge services:
// networking and per-connection privilege drops are allowed, kernel and namespace
// manipulation is not. ptrace stays allowed so pwn challenges can ship debuggers.
func ServiceProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileSyscalls(b)
	b = processSyscalls(b)
	b = networkSyscalls(b)
	b.AllowSyscalls("ptrace")
	b = hostEscapeSyscalls(b)
	return b.Build()
}

type dockerArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
	Op       string `json:"op"`
}

type dockerSyscall struct {
	Names  []string    `json:"names"`
	Action string      `json:"action"`
	Args   []dockerArg `json:"args,omitempty"`
}

type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

// DockerProfileJSON renders a profile in the format accepted by the engine's
// "seccomp=<json>" security option.
func DockerProfileJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("seccomp profile is nil")
	}

	out := dockerProfile{
		DefaultAction: string(p.DefaultAction),
		Architectures: make([]string, 0, len(p.Architectures)),
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}
	for _, arch := range p.Architectures {
		out.Architectures = append(out.Architectures, string(arch))
	}
	for _, rule := range p.Syscalls {
		sc := dockerSyscall{Names: rule.Names, Action: string(rule.Action)}
		for _, a := range rule.Args {
			sc.Args = append(sc.Args, dockerArg{Index: a.Index, Value: a.Value, ValueTwo: a.ValueTwo, Op: string(a.Op)})
		}
		out.Syscalls = append(out.Syscalls, sc)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
