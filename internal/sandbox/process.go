package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/netguard"
	"code-sandbox/internal/runtime"
)

// childPath is the whole PATH a sandboxed child sees.
const childPath = "/usr/local/bin:/usr/bin:/bin"

// waitDelay bounds output collection after the child exits or is killed,
// in case a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

// ProcessOptions configures the process backend.
type ProcessOptions struct {
	Runtime        runtime.Runtime
	MaxConcurrent  int
	MaxStdoutBytes int
	MaxStderrBytes int

	// UnshareNetwork runs block-all submissions in a fresh user and network
	// namespace, so no interface but loopback exists even if the guard is
	// bypassed.
	UnshareNetwork bool
}

// ProcessRunner runs each submission as a new child process of the host:
// the host binary re-executed as the init helper, which installs the
// rlimits and then execs the interpreter.
type ProcessRunner struct {
	rt             runtime.Runtime
	interpreter    string
	self           string
	unshareNetwork bool
	maxStdout      int
	maxStderr      int

	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewProcessRunner resolves the interpreter and the host executable.
func NewProcessRunner(opts ProcessOptions) (*ProcessRunner, error) {
	rt := opts.Runtime
	if rt == nil {
		rt = runtime.NewPython("", "")
	}
	interpreter, err := exec.LookPath(rt.Binary())
	if err != nil {
		return nil, fmt.Errorf("%w: interpreter %q: %w", ErrSpawn, rt.Binary(), err)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolving host executable: %w", ErrSpawn, err)
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	maxStdout, maxStderr := outputCaps(opts.MaxStdoutBytes, opts.MaxStderrBytes)

	unshare := opts.UnshareNetwork
	if unshare && !userNamespacesWork(interpreter) {
		log.Warn().Msg("user namespaces unavailable, block-all submissions rely on the network guard alone")
		unshare = false
	}

	return &ProcessRunner{
		rt:             rt,
		interpreter:    interpreter,
		self:           self,
		unshareNetwork: unshare,
		maxStdout:      maxStdout,
		maxStderr:      maxStderr,
		sem:            make(chan struct{}, maxConcurrent),
	}, nil
}

func (p *ProcessRunner) Name() string { return "process" }

// Execute runs source in a new child process.
func (p *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, nil, nil)
}

// ExecuteStreaming runs source, streaming stdout/stderr to the provided writers.
func (p *ProcessRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, stdout, stderr)
}

func (p *ProcessRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := req.ID
	if execID == "" {
		execID = uuid.New().String()
	}
	hash := codeHash(req.Source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", p.Name()).
		Str("code_hash", hash[:16]).
		Logger()

	if err := validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrBackendClosed}
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	workDir := req.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	script := p.rt.FileName()
	if err := os.WriteFile(filepath.Join(workDir, script), []byte(req.Source), 0o400); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	policy := req.Policy
	execCtx, cancel := context.WithTimeout(ctx, policy.WallTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.self, p.initArgs(policy, req.Guard, workDir, script)...) // #nosec G204 -- argv built internally
	cmd.Args[0] = InitArg0
	cmd.Dir = workDir
	cmd.Env = buildEnv(workDir, req.Guard)
	cmd.SysProcAttr = procAttr(p.unshareNetwork && blocksAll(req.Guard))

	// Negative PID: the whole process group goes, grandchildren included.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	outW := newCaptureWriter(p.maxStdout, stdout)
	errW := newCaptureWriter(p.maxStderr, stderr)
	cmd.Stdout = outW
	cmd.Stderr = errW

	logger.Info().
		Int64("cpu_seconds", policy.CPUSeconds).
		Int64("memory_bytes", policy.MemoryBytes).
		Int64("file_size_bytes", policy.FileSizeBytes).
		Int64("max_processes", policy.MaxProcesses).
		Dur("wall_timeout", policy.WallTimeout).
		Msg("starting sandbox process")

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// The group may outlive its leader; never leave stragglers behind.
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	if runErr != nil && !timedOut {
		if ctx.Err() != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "run", Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) && !errors.Is(runErr, exec.ErrWaitDelay) {
			return nil, &ExecutionError{ExecID: execID, Op: "start", Err: fmt.Errorf("%w: %w", ErrSpawn, runErr)}
		}
	}

	result := &ExecutionResult{
		ID:        execID,
		Stdout:    outW.String(),
		Stderr:    errW.String(),
		Elapsed:   elapsed,
		Truncated: outW.Truncated() || errW.Truncated(),
		CodeHash:  hash,
		Backend:   p.Name(),
	}

	info := exitInfo{timedOut: timedOut}
	if state := cmd.ProcessState; state != nil {
		info.exitCode = state.ExitCode()
		info.cpuTime = state.UserTime() + state.SystemTime()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.signal = ws.Signal()
		}
	}

	if !timedOut && info.signal == 0 && initFailed(info.exitCode, result.Stderr) {
		return nil, &ExecutionError{ExecID: execID, Op: "init", Err: fmt.Errorf("%w: %s", ErrSpawn, lastLine(result.Stderr))}
	}

	classify(result, info, policy)

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Str("terminated_by", string(result.TerminatedBy)).
		Str("limit", string(result.Limit)).
		Str("signal", result.Signal).
		Int("exit_status", result.ExitStatus).
		Dur("elapsed", elapsed).
		Msg("sandbox process finished")

	return result, nil
}

// initArgs encodes the policy for the init helper, followed by the
// interpreter invocation.
func (p *ProcessRunner) initArgs(policy ExecutionPolicy, guard *netguard.Guard, workDir, script string) []string {
	var args []string
	for _, rl := range policy.Rlimits() {
		args = append(args, "--rlimit="+rl.Type+":"+strconv.FormatUint(rl.Soft, 10)+":"+strconv.FormatUint(rl.Hard, 10))
	}
	args = append(args, "--")

	scriptArgs := []string{filepath.Join(workDir, script)}
	if guard != nil {
		scriptArgs = guard.Args(workDir, script)
	}
	cmd := p.rt.Command(scriptArgs...)
	cmd[0] = p.interpreter
	return append(args, cmd...)
}

// buildEnv constructs the child's entire environment. Nothing is inherited
// from the host process.
func buildEnv(workDir string, guard *netguard.Guard) []string {
	env := []string{
		"PATH=" + childPath,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
	}
	if guard != nil {
		env = append(env, guard.Env(workDir)...)
	}
	return env
}

func blocksAll(g *netguard.Guard) bool {
	return g != nil && g.Policy().Mode == netguard.ModeBlockAll
}

func initFailed(exitCode int, stderr string) bool {
	return exitCode == initFailureExit && strings.Contains(stderr, InitArg0+":")
}

// ActiveCount returns the number of currently running executions.
func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close refuses new executions and waits up to 30s for active ones.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all sandbox processes drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for sandbox processes to drain")
	}
	return nil
}
