package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/netguard"
	"code-sandbox/internal/runtime"
	"code-sandbox/pkg/seccomp"
)

// containerWorkspace is where the work directory is mounted in containers.
const containerWorkspace = "/workspace"

// DockerRunner is the Docker-based sandbox backend (macOS, or Linux without
// a usable python3 on the host).
type DockerRunner struct {
	rt            runtime.Runtime
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	maxStdout     int
	maxStderr     int
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(rt runtime.Runtime, maxConcurrent int) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	maxStdout, maxStderr := outputCaps(0, 0)
	d := &DockerRunner{
		rt:         rt,
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
		maxStdout:  maxStdout,
		maxStderr:  maxStderr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerRunner) Name() string { return "docker" }

// orphanCleanupLoop periodically kills orphaned sandbox containers that survived server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	// Run once on startup
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	out, err := d.docker("ps", "--filter", "name=sandbox-", "-q").Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(strings.TrimSpace(string(out))) {
		log.Warn().Str("container_id", id).Msg("killing orphaned sandbox container")
		_ = d.docker("rm", "-f", id).Run()
	}
}

func (d *DockerRunner) docker(args ...string) *exec.Cmd {
	cmd := exec.Command("docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, nil, nil)
}

func (d *DockerRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, stdout, stderr)
}

func (d *DockerRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := req.ID
	if execID == "" {
		execID = uuid.New().String()
	}
	hash := codeHash(req.Source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", d.Name()).
		Str("code_hash", hash[:16]).
		Logger()

	logger.Info().Msg("docker execution requested")

	if err := validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrBackendClosed}
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.active.Add(1)
	defer d.active.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, req.Policy.WallTimeout)
	defer cancel()

	hostDir := req.WorkDir
	if hostDir == "" {
		dir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
		}
		defer os.RemoveAll(dir)
		hostDir = dir
	}
	// The container runs as nobody and writes into the mounted work directory.
	if err := os.Chmod(hostDir, 0o777); err != nil { // #nosec G302 -- private temp dir, container user is 65534
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_workdir", Err: err}
	}

	codeFile := filepath.Join(hostDir, d.rt.FileName())
	if err := os.WriteFile(codeFile, []byte(req.Source), 0o444); err != nil { // #nosec G306 -- world-readable: container runs as nobody
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	// Seccomp profile goes outside the mounted directory.
	seccompFile, err := os.CreateTemp("", "sandbox-seccomp-*.json")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}
	defer os.Remove(seccompFile.Name())
	profileJSON, err := seccompProfileJSON(req.Guard)
	if err == nil {
		_, err = seccompFile.Write(profileJSON)
	}
	if closeErr := seccompFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}

	name := "sandbox-" + execID
	args := d.buildDockerArgs(name, hostDir, seccompFile.Name(), req)

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	// Killing the CLI would leave the container running.
	cmd.Cancel = func() error {
		_ = d.docker("kill", name).Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	outW := newCaptureWriter(d.maxStdout, stdout)
	errW := newCaptureWriter(d.maxStderr, stderr)
	cmd.Stdout = outW
	cmd.Stderr = errW

	logger.Info().Strs("args", args[:5]).Msg("starting docker container")

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	info := exitInfo{timedOut: timedOut, shellExit: true}
	if runErr != nil && !timedOut {
		if ctx.Err() != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: fmt.Errorf("%w: %w", ErrSpawn, runErr)}
		}
	}
	if cmd.ProcessState != nil {
		info.exitCode = cmd.ProcessState.ExitCode()
	}
	// docker run reserves 125-127 for its own failures.
	if !timedOut && info.exitCode >= 125 && info.exitCode <= 127 && strings.Contains(errW.String(), "docker") {
		return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: fmt.Errorf("%w: %s", ErrSpawn, lastLine(errW.String()))}
	}

	result := &ExecutionResult{
		ID:        execID,
		Stdout:    outW.String(),
		Stderr:    errW.String(),
		Elapsed:   elapsed,
		Truncated: outW.Truncated() || errW.Truncated(),
		CodeHash:  hash,
		Backend:   d.Name(),
	}
	classify(result, info, req.Policy)

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Str("limit", string(result.Limit)).
		Int("exit_status", result.ExitStatus).
		Dur("duration", elapsed).
		Msg("docker execution completed")

	return result, nil
}

func seccompProfileJSON(g *netguard.Guard) ([]byte, error) {
	switch {
	case g == nil || !g.Active():
		return seccomp.DockerNetworkProfileJSON()
	case g.Policy().Mode == netguard.ModeBlockAll:
		return seccomp.DockerGuardedProfileJSON()
	default:
		return seccomp.DockerNetworkProfileJSON()
	}
}

func (d *DockerRunner) buildDockerArgs(name, hostDir, seccompPath string, req ExecutionRequest) []string {
	policy := req.Policy

	network := "bridge"
	if blocksAll(req.Guard) {
		network = "none"
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%d", policy.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", policy.MemoryBytes),
		"--pids-limit", fmt.Sprintf("%d", policy.MaxProcesses),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%d", policy.FileSizeBytes*4),
		"-v", fmt.Sprintf("%s:%s:rw", hostDir, containerWorkspace),
		"-w", containerWorkspace,
		"--user", "65534:65534",
		"--read-only",
		"-e", "HOME=" + containerWorkspace,
		"-e", "LANG=C.UTF-8",
	}
	for _, u := range policy.DockerUlimits() {
		args = append(args, "--ulimit", u)
	}
	if req.Guard != nil {
		for _, env := range req.Guard.Env(containerWorkspace) {
			args = append(args, "-e", env)
		}
	}

	scriptArgs := []string{filepath.Join(containerWorkspace, d.rt.FileName())}
	if req.Guard != nil {
		scriptArgs = req.Guard.Args(containerWorkspace, d.rt.FileName())
	}

	args = append(args, d.rt.Image())
	args = append(args, d.rt.Command(scriptArgs...)...)

	return args
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
