package sandbox

import (
	"syscall"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name       string
		info       exitInfo
		stderr     string
		outcome    Outcome
		terminated TerminatedBy
		limit      Limit
		signal     string
		exitStatus int
	}{
		{
			name:       "clean exit",
			info:       exitInfo{exitCode: 0},
			outcome:    OutcomeCompleted,
			terminated: TerminatedNone,
		},
		{
			name:       "uncaught exception",
			info:       exitInfo{exitCode: 1},
			stderr:     "Traceback (most recent call last):\nZeroDivisionError: division by zero\n",
			outcome:    OutcomeRuntimeFailure,
			terminated: TerminatedNone,
			exitStatus: 1,
		},
		{
			name:       "wall timeout",
			info:       exitInfo{timedOut: true, exitCode: -1},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedTimeout,
			limit:      LimitTimeout,
			signal:     "SIGKILL",
			exitStatus: -9,
		},
		{
			name:       "cpu soft limit",
			info:       exitInfo{signal: syscall.SIGXCPU, exitCode: -1},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedSignal,
			limit:      LimitCPU,
			signal:     "SIGXCPU",
			exitStatus: -int(syscall.SIGXCPU),
		},
		{
			name:       "cpu hard limit",
			info:       exitInfo{signal: syscall.SIGKILL, exitCode: -1, cpuTime: 6 * time.Second},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedSignal,
			limit:      LimitCPU,
			signal:     "SIGKILL",
			exitStatus: -9,
		},
		{
			name:       "oom kill",
			info:       exitInfo{signal: syscall.SIGKILL, exitCode: -1, cpuTime: 100 * time.Millisecond},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedSignal,
			limit:      LimitMemory,
			signal:     "SIGKILL",
			exitStatus: -9,
		},
		{
			name:       "file size signal",
			info:       exitInfo{signal: syscall.SIGXFSZ, exitCode: -1},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedSignal,
			limit:      LimitFile,
			signal:     "SIGXFSZ",
			exitStatus: -int(syscall.SIGXFSZ),
		},
		{
			name:       "container exit code encodes signal",
			info:       exitInfo{exitCode: 128 + int(syscall.SIGXCPU), shellExit: true},
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedSignal,
			limit:      LimitCPU,
			signal:     "SIGXCPU",
			exitStatus: -int(syscall.SIGXCPU),
		},
		{
			name:       "high exit status from user code",
			info:       exitInfo{exitCode: 128 + int(syscall.SIGXCPU)},
			outcome:    OutcomeRuntimeFailure,
			terminated: TerminatedNone,
			exitStatus: 152,
		},
		{
			name:       "other signal is a runtime failure",
			info:       exitInfo{signal: syscall.SIGSEGV, exitCode: -1},
			outcome:    OutcomeRuntimeFailure,
			terminated: TerminatedSignal,
			signal:     "SIGSEGV",
			exitStatus: -int(syscall.SIGSEGV),
		},
		{
			name:       "memory error",
			info:       exitInfo{exitCode: 1},
			stderr:     "Traceback (most recent call last):\n  File \"main.py\", line 1\nMemoryError\n",
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedNone,
			limit:      LimitMemory,
			exitStatus: 1,
		},
		{
			name:       "file too large",
			info:       exitInfo{exitCode: 1},
			stderr:     "Traceback (most recent call last):\nOSError: [Errno 27] File too large\n",
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedNone,
			limit:      LimitFile,
			exitStatus: 1,
		},
		{
			name:       "fork refused",
			info:       exitInfo{exitCode: 1},
			stderr:     "Traceback (most recent call last):\nBlockingIOError: [Errno 11] Resource temporarily unavailable\n",
			outcome:    OutcomeResourceExceeded,
			terminated: TerminatedNone,
			limit:      LimitProcesses,
			exitStatus: 1,
		},
		{
			name:       "marker only counts on the last line",
			info:       exitInfo{exitCode: 1},
			stderr:     "caught MemoryError earlier\nValueError: bad\n",
			outcome:    OutcomeRuntimeFailure,
			terminated: TerminatedNone,
			exitStatus: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &ExecutionResult{Stderr: tt.stderr}
			classify(res, tt.info, policy)

			if res.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", res.Outcome, tt.outcome)
			}
			if res.TerminatedBy != tt.terminated {
				t.Errorf("TerminatedBy = %q, want %q", res.TerminatedBy, tt.terminated)
			}
			if res.Limit != tt.limit {
				t.Errorf("Limit = %q, want %q", res.Limit, tt.limit)
			}
			if res.Signal != tt.signal {
				t.Errorf("Signal = %q, want %q", res.Signal, tt.signal)
			}
			if res.ExitStatus != tt.exitStatus {
				t.Errorf("ExitStatus = %d, want %d", res.ExitStatus, tt.exitStatus)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	tests := []struct {
		name     string
		res      ExecutionResult
		timeout  bool
		exceeded bool
		failure  bool
	}{
		{"completed", ExecutionResult{Outcome: OutcomeCompleted}, false, false, false},
		{"timeout", ExecutionResult{Outcome: OutcomeResourceExceeded, Limit: LimitTimeout}, true, true, false},
		{"memory", ExecutionResult{Outcome: OutcomeResourceExceeded, Limit: LimitMemory}, false, true, false},
		{"runtime", ExecutionResult{Outcome: OutcomeRuntimeFailure, ExitStatus: 1}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Err()
			if got := IsTimeout(err); got != tt.timeout {
				t.Errorf("IsTimeout = %v, want %v", got, tt.timeout)
			}
			if got := IsResourceExceeded(err); got != tt.exceeded {
				t.Errorf("IsResourceExceeded = %v, want %v", got, tt.exceeded)
			}
			if got := err != nil && !tt.exceeded; got != tt.failure {
				t.Errorf("runtime failure = %v, want %v (err %v)", got, tt.failure, err)
			}
		})
	}
}
