package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

var rlimitResources = map[string]int{
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
}

func procAttr(unshareNetwork bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if unshareNetwork {
		uid, gid := os.Getuid(), os.Getgid()
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	}
	return attr
}

// RunInit installs the rlimits named on the command line and replaces the
// process with the interpreter. It never returns.
func RunInit() {
	goruntime.LockOSThread()

	limits, argv, err := parseInitArgs(os.Args[1:])
	if err != nil {
		initFail("%v", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		initFail("no_new_privs: %v", err)
	}

	for _, l := range limits {
		res, ok := rlimitResources[l.name]
		if !ok {
			initFail("unknown rlimit %s", l.name)
		}
		if err := unix.Setrlimit(res, &unix.Rlimit{Cur: l.soft, Max: l.hard}); err != nil {
			initFail("setrlimit %s: %v", l.name, err)
		}
	}

	// Installed ceilings must stay put: without CAP_SYS_RESOURCE the child
	// can lower its hard limits but never raise them.
	if err := dropResourceCapability(); err != nil {
		initFail("dropping CAP_SYS_RESOURCE: %v", err)
	}

	err = unix.Exec(argv[0], argv, os.Environ())
	initFail("exec %s: %v", argv[0], err)
}

// dropResourceCapability removes CAP_SYS_RESOURCE from the bounding,
// ambient, inheritable, permitted and effective sets. A root child regains
// every bounding capability across exec, so failing to drop it from the
// bounding set is fatal when running as root.
func dropResourceCapability() error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clearing ambient set: %w", err)
	}
	dropErr := unix.Prctl(unix.PR_CAPBSET_DROP, unix.CAP_SYS_RESOURCE, 0, 0, 0)

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}
	idx, bit := unix.CAP_SYS_RESOURCE/32, uint32(1)<<(unix.CAP_SYS_RESOURCE%32)
	data[idx].Effective &^= bit
	data[idx].Permitted &^= bit
	data[idx].Inheritable &^= bit
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}

	if os.Geteuid() == 0 {
		inBounding, err := unix.PrctlRetInt(unix.PR_CAPBSET_READ, unix.CAP_SYS_RESOURCE, 0, 0, 0)
		if err == nil && inBounding == 1 {
			return fmt.Errorf("still in bounding set: %v", dropErr)
		}
	}
	return nil
}

// userNamespacesWork reports whether the interpreter can be started in a
// fresh user and network namespace on this host.
func userNamespacesWork(interpreter string) bool {
	cmd := exec.Command(interpreter, "-c", "pass")
	cmd.SysProcAttr = procAttr(true)
	return cmd.Run() == nil
}
