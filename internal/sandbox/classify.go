package sandbox

import (
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// exitInfo is what a backend observed when the child ended.
type exitInfo struct {
	exitCode int            // as reported by the backend
	signal   syscall.Signal // set when the process was killed by a signal
	timedOut bool
	cpuTime  time.Duration
	// shellExit is set by container backends, whose init reports a signal
	// death as exit code 128+n. The process backend sees the signal itself,
	// so an exit(152) there is the user's own status.
	shellExit bool
}

// Last-line markers Python prints when a ceiling surfaces as an exception
// rather than a signal. Python ignores SIGXFSZ, so the file limit shows up
// as EFBIG on the write.
var limitMarkers = []struct {
	marker string
	limit  Limit
}{
	{"MemoryError", LimitMemory},
	{"Cannot allocate memory", LimitMemory},
	{"[Errno 27] File too large", LimitFile},
	{"BlockingIOError: [Errno 11] Resource temporarily unavailable", LimitProcesses},
	{"can't start new thread", LimitProcesses},
}

// classify fills the termination fields of res.
func classify(res *ExecutionResult, info exitInfo, policy ExecutionPolicy) {
	sig := info.signal
	if sig == 0 && info.shellExit && info.exitCode > 128 && info.exitCode < 128+65 {
		sig = syscall.Signal(info.exitCode - 128)
	}

	res.ExitStatus = info.exitCode
	res.CPUTime = info.cpuTime
	res.TerminatedBy = TerminatedNone
	res.Limit = LimitNone

	switch {
	case info.timedOut:
		res.TerminatedBy = TerminatedTimeout
		res.Signal = signalName(syscall.SIGKILL)
		res.ExitStatus = -int(syscall.SIGKILL)
		res.Limit = LimitTimeout
		res.Outcome = OutcomeResourceExceeded

	case sig != 0:
		res.TerminatedBy = TerminatedSignal
		res.Signal = signalName(sig)
		res.ExitStatus = -int(sig)
		res.Outcome = OutcomeResourceExceeded
		switch sig {
		case syscall.SIGXCPU:
			res.Limit = LimitCPU
		case syscall.SIGXFSZ:
			res.Limit = LimitFile
		case syscall.SIGKILL:
			// Either the CPU hard limit or the memory cgroup's OOM killer.
			if policy.CPUSeconds > 0 && info.cpuTime >= time.Duration(policy.CPUSeconds)*time.Second {
				res.Limit = LimitCPU
			} else {
				res.Limit = LimitMemory
			}
		default:
			res.Outcome = OutcomeRuntimeFailure
		}

	case info.exitCode == 0:
		res.Outcome = OutcomeCompleted

	default:
		if limit := limitFromStderr(res.Stderr); limit != LimitNone {
			res.Limit = limit
			res.Outcome = OutcomeResourceExceeded
		} else {
			res.Outcome = OutcomeRuntimeFailure
		}
	}
}

func limitFromStderr(stderr string) Limit {
	last := lastLine(strings.TrimSuffix(stderr, truncationMarker))
	for _, m := range limitMarkers {
		if strings.Contains(last, m.marker) {
			return m.limit
		}
	}
	return LimitNone
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return "signal " + sig.String()
}
