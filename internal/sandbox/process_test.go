package sandbox

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code-sandbox/internal/audit"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/runtime"
)

func TestMain(m *testing.M) {
	// The process backend re-executes the test binary as its init helper.
	if IsInit() {
		RunInit()
	}
	os.Exit(m.Run())
}

func newProcessRunner(t *testing.T) *ProcessRunner {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping process backend test in short mode")
	}
	if _, err := exec.LookPath(runtime.DefaultPythonBinary); err != nil {
		t.Skip("python3 not installed")
	}
	p, err := NewProcessRunner(ProcessOptions{MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("NewProcessRunner: %v", err)
	}
	return p
}

func policyWith(mutate func(*ExecutionPolicy)) ExecutionPolicy {
	p := DefaultPolicy()
	mutate(&p)
	return p
}

func TestProcessRunner_Execute(t *testing.T) {
	p := newProcessRunner(t)

	tests := []struct {
		name    string
		source  string
		policy  ExecutionPolicy
		outcome Outcome
		limit   Limit
		stdout  string
		// file, when set, must not exceed the policy's file size ceiling.
		file string
	}{
		{
			name:    "arithmetic",
			source:  "print(sum(range(101)) * 2 // 4 * 2)",
			policy:  DefaultPolicy(),
			outcome: OutcomeCompleted,
			stdout:  "5050\n",
		},
		{
			name:    "uncaught exception",
			source:  "print('before')\n1/0\n",
			policy:  DefaultPolicy(),
			outcome: OutcomeRuntimeFailure,
			stdout:  "before\n",
		},
		{
			name:    "busy loop hits cpu ceiling",
			source:  "while True:\n    pass\n",
			policy:  policyWith(func(p *ExecutionPolicy) { p.CPUSeconds = 1; p.WallTimeout = 10 * time.Second }),
			outcome: OutcomeResourceExceeded,
			limit:   LimitCPU,
		},
		{
			name:    "allocation beyond address space",
			source:  "x = bytearray(1 << 30)\nprint(len(x))\n",
			policy:  policyWith(func(p *ExecutionPolicy) { p.MemoryBytes = 128 << 20 }),
			outcome: OutcomeResourceExceeded,
			limit:   LimitMemory,
		},
		{
			name:    "oversized file",
			source:  "with open('big.bin', 'wb') as f:\n    f.write(b'x' * (2 << 20))\n",
			policy:  policyWith(func(p *ExecutionPolicy) { p.FileSizeBytes = 1 << 20 }),
			outcome: OutcomeResourceExceeded,
			limit:   LimitFile,
			file:    "big.bin",
		},
		{
			name:    "exit status above 128 is the program's own",
			source:  "print('done')\nraise SystemExit(152)\n",
			policy:  DefaultPolicy(),
			outcome: OutcomeRuntimeFailure,
			stdout:  "done\n",
		},
		{
			name:    "sleep past wall clock",
			source:  "import time\ntime.sleep(30)\n",
			policy:  policyWith(func(p *ExecutionPolicy) { p.WallTimeout = time.Second }),
			outcome: OutcomeResourceExceeded,
			limit:   LimitTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			res, err := p.Execute(t.Context(), ExecutionRequest{Source: tt.source, Policy: tt.policy, WorkDir: dir})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q (stderr %q)", res.Outcome, tt.outcome, res.Stderr)
			}
			if res.Limit != tt.limit {
				t.Errorf("Limit = %q, want %q (signal %q, stderr %q)", res.Limit, tt.limit, res.Signal, res.Stderr)
			}
			if tt.stdout != "" && res.Stdout != tt.stdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.stdout)
			}
			if res.Backend != "process" {
				t.Errorf("Backend = %q", res.Backend)
			}
			if tt.file != "" {
				fi, err := os.Stat(filepath.Join(dir, tt.file))
				if err == nil && fi.Size() > tt.policy.FileSizeBytes {
					t.Errorf("%s is %d bytes, ceiling %d", tt.file, fi.Size(), tt.policy.FileSizeBytes)
				}
			}
		})
	}
}

func TestProcessRunner_TimeoutIsPrompt(t *testing.T) {
	p := newProcessRunner(t)

	res, err := p.Execute(t.Context(), ExecutionRequest{
		Source: "import time\ntime.sleep(60)\n",
		Policy: policyWith(func(p *ExecutionPolicy) { p.WallTimeout = 500 * time.Millisecond }),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.TerminatedBy != TerminatedTimeout {
		t.Errorf("TerminatedBy = %q, want timeout", res.TerminatedBy)
	}
	if res.Elapsed > 5*time.Second {
		t.Errorf("Elapsed = %s, child was not killed at the deadline", res.Elapsed)
	}
	if !IsTimeout(res.Err()) {
		t.Errorf("Err() = %v, want timeout", res.Err())
	}
}

func TestProcessRunner_ProcessCeiling(t *testing.T) {
	p := newProcessRunner(t)
	if os.Geteuid() == 0 {
		t.Skip("RLIMIT_NPROC is not enforced for root")
	}

	src := "import os, time\n" +
		"for _ in range(5000):\n" +
		"    if os.fork() == 0:\n" +
		"        time.sleep(5)\n" +
		"        os._exit(0)\n"
	res, err := p.Execute(t.Context(), ExecutionRequest{
		Source: src,
		Policy: policyWith(func(p *ExecutionPolicy) { p.MaxProcesses = 5; p.WallTimeout = 5 * time.Second }),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Limit != LimitProcesses {
		t.Errorf("Limit = %q, want processes (stderr %q)", res.Limit, res.Stderr)
	}
}

func TestProcessRunner_EnvironmentNotInherited(t *testing.T) {
	p := newProcessRunner(t)
	t.Setenv("SANDBOX_TEST_SECRET", "hunter2")

	res, err := p.Execute(t.Context(), ExecutionRequest{
		Source: "import os\nprint(os.environ.get('SANDBOX_TEST_SECRET'))\nprint(os.getcwd() == os.environ['HOME'])\n",
		Policy: DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "None\nTrue\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "None\nTrue\n")
	}
}

func TestProcessRunner_OutputTruncated(t *testing.T) {
	p := newProcessRunner(t)
	p.maxStdout = 1024

	res, err := p.Execute(t.Context(), ExecutionRequest{
		Source: "print('x' * 100000)\n",
		Policy: DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Truncated || !strings.HasSuffix(res.Stdout, truncationMarker) {
		t.Errorf("Truncated = %v, stdout tail %q", res.Truncated, res.Stdout[len(res.Stdout)-30:])
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %q; truncation must not fail the run", res.Outcome)
	}
}

func TestProcessRunner_BlockAllGuard(t *testing.T) {
	p := newProcessRunner(t)

	dir := t.TempDir()
	log := audit.New()
	g, err := netguard.Install(dir, netguard.BlockAll(), log)
	if err != nil {
		t.Fatalf("netguard.Install: %v", err)
	}
	defer g.Release()

	src := "import socket\n" +
		"try:\n" +
		"    socket.create_connection(('127.0.0.1', 9), timeout=1)\n" +
		"except ConnectionRefusedError as e:\n" +
		"    print('refused', e)\n"
	res, err := p.Execute(t.Context(), ExecutionRequest{Source: src, Policy: DefaultPolicy(), WorkDir: dir, Guard: g})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "refused") {
		t.Errorf("Stdout = %q stderr = %q, want refusal", res.Stdout, res.Stderr)
	}
	conns := log.Connections()
	if len(conns) != 1 || conns[0].Allowed || conns[0].Host != "127.0.0.1" {
		t.Errorf("audit connections = %+v, want one refused 127.0.0.1", conns)
	}
}

func TestProcessRunner_BlockAllRawSocket(t *testing.T) {
	p := newProcessRunner(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	received := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		received <- struct{}{}
	}()

	dir := t.TempDir()
	log := audit.New()
	g, err := netguard.Install(dir, netguard.BlockAll(), log)
	if err != nil {
		t.Fatalf("netguard.Install: %v", err)
	}
	defer g.Release()

	port := ln.Addr().(*net.TCPAddr).Port
	src := fmt.Sprintf("import asyncio\n"+
		"raw = asyncio.base_events.socket._socket\n"+
		"s = raw.socket(raw.AF_INET, raw.SOCK_STREAM)\n"+
		"try:\n"+
		"    s.connect(('127.0.0.1', %d))\n"+
		"    s.send(b'password=hunter2hunter2')\n"+
		"    print('connected')\n"+
		"except ConnectionRefusedError:\n"+
		"    print('refused')\n", port)
	res, err := p.Execute(t.Context(), ExecutionRequest{Source: src, Policy: DefaultPolicy(), WorkDir: dir, Guard: g})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "refused\n" {
		t.Errorf("Stdout = %q stderr = %q, want refused", res.Stdout, res.Stderr)
	}
	conns := log.Connections()
	if len(conns) != 1 || conns[0].Allowed {
		t.Errorf("audit connections = %+v, want one refused attempt", conns)
	}
	select {
	case <-received:
		t.Error("host listener accepted a connection from a block-all submission")
	default:
	}
}

func TestProcessRunner_CannotRaiseLimits(t *testing.T) {
	p := newProcessRunner(t)

	src := "import resource\n" +
		"inf = resource.RLIM_INFINITY\n" +
		"try:\n" +
		"    resource.setrlimit(resource.RLIMIT_AS, (inf, inf))\n" +
		"    print('raised')\n" +
		"except (ValueError, OSError):\n" +
		"    print('refused')\n" +
		"for line in open('/proc/self/status'):\n" +
		"    if line.startswith('CapEff:'):\n" +
		"        print('sys_resource', (int(line.split()[1], 16) >> 24) & 1)\n"
	res, err := p.Execute(t.Context(), ExecutionRequest{Source: src, Policy: DefaultPolicy()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "refused\nsys_resource 0\n" {
		t.Errorf("Stdout = %q stderr = %q, want the hard limit to hold", res.Stdout, res.Stderr)
	}
}

func TestProcessRunner_Validation(t *testing.T) {
	p := newProcessRunner(t)

	_, err := p.Execute(t.Context(), ExecutionRequest{Source: "", Policy: DefaultPolicy()})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty source: %v, want ErrInvalidRequest", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "validate" {
		t.Errorf("error = %v, want ExecutionError op validate", err)
	}
}

func TestProcessRunner_Closed(t *testing.T) {
	p := newProcessRunner(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := p.Execute(t.Context(), ExecutionRequest{Source: "print(1)", Policy: DefaultPolicy()})
	if !errors.Is(err, ErrBackendClosed) {
		t.Errorf("Execute after Close = %v, want ErrBackendClosed", err)
	}
}
