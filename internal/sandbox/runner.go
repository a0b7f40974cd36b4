package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/netguard"
	"code-sandbox/internal/runtime"
)

// Runner is the containerd-based sandbox backend.
type Runner struct {
	client    *Client
	rt        runtime.Runtime
	sem       chan struct{} // Concurrency limiter
	active    atomic.Int64  // Active execution count
	wg        sync.WaitGroup
	mu        sync.Mutex // Protects shutdown state
	closed    bool
	maxStdout int
	maxStderr int
}

// NewRunner creates a new sandbox runner.
func NewRunner(ctx context.Context, client *Client, rt runtime.Runtime, maxConcurrent int) (*Runner, error) {
	if client == nil {
		return nil, ErrContainerdDown
	}
	if rt == nil {
		rt = runtime.NewPython("", "")
	}
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	maxStdout, maxStderr := outputCaps(0, 0)

	return &Runner{
		client:    client,
		rt:        rt,
		sem:       make(chan struct{}, maxConcurrent),
		maxStdout: maxStdout,
		maxStderr: maxStderr,
	}, nil
}

func (r *Runner) Name() string { return "containerd" }

// Execute runs code in an isolated sandbox container.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, nil, nil)
}

// ExecuteStreaming runs code in a sandbox, streaming stdout/stderr to the provided writers.
func (r *Runner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

func (r *Runner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := req.ID
	if execID == "" {
		execID = uuid.New().String()
	}
	hash := codeHash(req.Source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", r.Name()).
		Str("code_hash", hash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	if err := validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrBackendClosed}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	if err := r.client.Ensure(ctx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "connect", Err: err}
	}

	hostDir := req.WorkDir
	if hostDir == "" {
		dir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
		}
		defer os.RemoveAll(dir)
		hostDir = dir
	}
	if err := os.Chmod(hostDir, 0o777); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_workdir", Err: err}
	}

	hostCodePath := filepath.Join(hostDir, r.rt.FileName())
	if err := os.WriteFile(hostCodePath, []byte(req.Source), 0o444); err != nil { // #nosec G306 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	// Image pulls are not charged to the submission's wall clock.
	image, err := r.client.PullImage(ctx, r.rt.Image())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	secProfile := SecurityProfileFor(req.Guard)
	containerID := "sandbox-" + execID

	container, err := r.createContainer(ctx, containerID, image, hostDir, req, secProfile, containerLabels(execID, hash))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.removeContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	outW := newCaptureWriter(r.maxStdout, stdout)
	errW := newCaptureWriter(r.maxStderr, stderr)

	nsCtx := r.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, outW, errW)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(r.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Policy.WallTimeout)
	defer cancel()

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: fmt.Errorf("%w: %w", ErrSpawn, err)}
	}

	logger.Info().Msg("task started")

	info := exitInfo{shellExit: true}
	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "task_exit", Err: err}
		}
		info.exitCode = int(code)

	case <-execCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			_ = task.Kill(r.client.WithNamespace(context.Background()), syscall.SIGKILL)
			<-exitCh
			return nil, &ExecutionError{ExecID: execID, Op: "run", Err: ctx.Err()}
		}
		logger.Warn().Msg("execution timed out, killing task")
		if err := task.Kill(r.client.WithNamespace(context.Background()), syscall.SIGKILL); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		info.timedOut = true
	}
	elapsed := time.Since(start)

	// Let the IO copiers finish before reading the buffers.
	if tio := task.IO(); tio != nil {
		tio.Wait()
	}

	result := &ExecutionResult{
		ID:        execID,
		Stdout:    outW.String(),
		Stderr:    errW.String(),
		Elapsed:   elapsed,
		Truncated: outW.Truncated() || errW.Truncated(),
		CodeHash:  hash,
		Backend:   r.Name(),
	}
	classify(result, info, req.Policy)

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Str("limit", string(result.Limit)).
		Int("exit_status", result.ExitStatus).
		Dur("duration", elapsed).
		Msg("execution completed")

	return result, nil
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close shuts down the runner, waiting for active executions.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for containerd executions to drain")
	}
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	hostDir string,
	req ExecutionRequest,
	secProfile SecurityProfile,
	labels map[string]string,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	scriptArgs := []string{filepath.Join(containerWorkspace, r.rt.FileName())}
	if req.Guard != nil {
		scriptArgs = req.Guard.Args(containerWorkspace, r.rt.FileName())
	}

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(r.rt.Command(scriptArgs...)...),
			oci.WithProcessCwd(containerWorkspace),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, req.Policy)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: containerWorkspace,
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "rw", "nosuid", "nodev"},
				})

				s.Process.Env = containerEnv(req.Guard)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func containerEnv(g *netguard.Guard) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + containerWorkspace,
		"LANG=C.UTF-8",
	}
	if g != nil {
		env = append(env, g.Env(containerWorkspace)...)
	}
	return env
}
