package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

func baseSyscalls(b *Builder) *Builder {
	return b.
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		Allow(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		Allow(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		Allow(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		Allow(
			"getpid", "getppid",
			"getpgrp", "getpgid", "setpgid", "setsid",
			"kill",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		Allow(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"getrusage", "times",
			"sched_getaffinity", "sched_yield",
			"rseq",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
		)
}

func dangerousSyscalls(b *Builder) *Builder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// socketOps operate on an existing descriptor, so they are only as wide as
// the socket() rule in front of them.
var socketOps = []string{
	"connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt",
	"getsockname", "getpeername",
	"shutdown",
}

// NetworkAllowProfile admits unix and inet sockets for runs that may
// reach the network.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)

	b.AllowSocketFamilies(unix.AF_UNIX, unix.AF_INET, unix.AF_INET6)
	b.Allow(socketOps...)

	b = dangerousSyscalls(b)
	return b.Build()
}

// GuardedProfile admits AF_UNIX sockets only: enough to reach the network
// guard's broker, nothing that leaves the host.
func GuardedProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)

	b.AllowSocketFamilies(unix.AF_UNIX)
	b.Allow(socketOps...)

	b = dangerousSyscalls(b)
	return b.Build()
}
