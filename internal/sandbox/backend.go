package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	goruntime "runtime"
	"time"

	"github.com/rs/zerolog/log"

	"code-sandbox/internal/config"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/runtime"
)

type Backend interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	Close() error
}

// ExecutionRequest is one analyzer-approved submission.
type ExecutionRequest struct {
	ID     string          `json:"id,omitempty"`
	Source string          `json:"source"`
	Policy ExecutionPolicy `json:"policy"`

	// WorkDir is a private host directory that becomes the child's cwd and
	// HOME. The caller owns it; when empty the backend creates and removes
	// its own.
	WorkDir string `json:"-"`

	// Guard is the installed network policy. Nil runs without interception.
	Guard *netguard.Guard `json:"-"`
}

// TerminatedBy tells how the child ended.
type TerminatedBy string

const (
	TerminatedNone    TerminatedBy = "none"
	TerminatedSignal  TerminatedBy = "signal"
	TerminatedTimeout TerminatedBy = "timeout"
)

// Outcome is the outcome class of an execution.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeResourceExceeded Outcome = "resource_exceeded"
	OutcomeRuntimeFailure   Outcome = "runtime_failure"
)

// Limit names the ceiling that fired.
type Limit string

const (
	LimitNone      Limit = ""
	LimitCPU       Limit = "cpu"
	LimitMemory    Limit = "memory"
	LimitFile      Limit = "file"
	LimitProcesses Limit = "processes"
	LimitTimeout   Limit = "timeout"
)

type ExecutionResult struct {
	ID           string        `json:"id"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitStatus   int           `json:"exit_status"`
	Elapsed      time.Duration `json:"elapsed"`
	TerminatedBy TerminatedBy  `json:"terminated_by"`
	Signal       string        `json:"signal,omitempty"`
	Limit        Limit         `json:"limit,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	Truncated    bool          `json:"truncated,omitempty"`
	CPUTime      time.Duration `json:"cpu_time,omitempty"`
	CodeHash     string        `json:"code_hash"`
	Backend      string        `json:"backend"`
}

// PolicyFromConfig builds the default execution policy from configuration.
func PolicyFromConfig(l config.LimitsConfig) ExecutionPolicy {
	return ExecutionPolicy{
		CPUSeconds:    l.CPUSeconds,
		MemoryBytes:   l.MemoryBytes,
		FileSizeBytes: l.FileSizeBytes,
		MaxProcesses:  l.MaxProcesses,
		WallTimeout:   l.WallTimeout,
	}.WithDefaults(DefaultPolicy())
}

// NewBackend picks the configured backend. "auto" prefers the process
// backend on Linux and falls back to containerd, then Docker.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "process":
		return newProcessBackend(cfg)
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return newDockerBackend(cfg)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := newProcessBackend(cfg)
			if err == nil {
				log.Info().Msg("using process backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("process backend unavailable, trying containerd")

			backend, err = newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("no sandbox backend available: install python3 (Linux), containerd or Docker")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, process, containerd, or docker", preference)
	}
}

func newPythonRuntime(cfg *config.Config) runtime.Runtime {
	return runtime.NewPython(cfg.Sandbox.PythonBinary, cfg.Sandbox.PythonImage)
}

func newProcessBackend(cfg *config.Config) (Backend, error) {
	return NewProcessRunner(ProcessOptions{
		Runtime:        newPythonRuntime(cfg),
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		MaxStdoutBytes: cfg.Sandbox.MaxStdoutBytes,
		MaxStderrBytes: cfg.Sandbox.MaxStderrBytes,
		UnshareNetwork: cfg.Sandbox.UnshareNetwork,
	})
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner, err := NewRunner(ctx, client, newPythonRuntime(cfg), cfg.Sandbox.MaxConcurrent)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	runner.maxStdout, runner.maxStderr = outputCaps(cfg.Sandbox.MaxStdoutBytes, cfg.Sandbox.MaxStderrBytes)

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	d := NewDockerRunner(newPythonRuntime(cfg), cfg.Sandbox.MaxConcurrent)
	d.maxStdout, d.maxStderr = outputCaps(cfg.Sandbox.MaxStdoutBytes, cfg.Sandbox.MaxStderrBytes)
	return d, nil
}
