package sandbox

import (
	"fmt"
	"strconv"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ExecutionPolicy holds the ceilings installed before the first user
// instruction runs. They hold for the whole lifetime of the child.
type ExecutionPolicy struct {
	CPUSeconds    int64         `json:"cpu_seconds" yaml:"cpu_seconds"`         // RLIMIT_CPU
	MemoryBytes   int64         `json:"memory_bytes" yaml:"memory_bytes"`       // RLIMIT_AS
	FileSizeBytes int64         `json:"file_size_bytes" yaml:"file_size_bytes"` // RLIMIT_FSIZE
	MaxProcesses  int64         `json:"max_processes" yaml:"max_processes"`     // RLIMIT_NPROC
	WallTimeout   time.Duration `json:"wall_timeout" yaml:"wall_timeout"`
}

const (
	maxCPUSeconds    = 300
	minMemoryBytes   = 32 << 20
	maxMemoryBytes   = 8 << 30
	maxFileSizeBytes = 1 << 30
	maxProcesses     = 1024
	maxWallTimeout   = 10 * time.Minute
	openFilesLimit   = 256
)

func DefaultPolicy() ExecutionPolicy {
	return ExecutionPolicy{
		CPUSeconds:    5,
		MemoryBytes:   256 << 20, // 256MB, python3 needs ~30MB of address space to start
		FileSizeBytes: 1 << 20,   // 1MB
		MaxProcesses:  10,
		WallTimeout:   10 * time.Second,
	}
}

// WithDefaults fills every zero field from defaults.
func (p ExecutionPolicy) WithDefaults(defaults ExecutionPolicy) ExecutionPolicy {
	if p.CPUSeconds == 0 {
		p.CPUSeconds = defaults.CPUSeconds
	}
	if p.MemoryBytes == 0 {
		p.MemoryBytes = defaults.MemoryBytes
	}
	if p.FileSizeBytes == 0 {
		p.FileSizeBytes = defaults.FileSizeBytes
	}
	if p.MaxProcesses == 0 {
		p.MaxProcesses = defaults.MaxProcesses
	}
	if p.WallTimeout == 0 {
		p.WallTimeout = defaults.WallTimeout
	}
	return p
}

func (p ExecutionPolicy) Validate() error {
	if p.CPUSeconds < 1 || p.CPUSeconds > maxCPUSeconds {
		return fmt.Errorf("%w: cpu_seconds must be 1-%d, got %d", ErrInvalidRequest, maxCPUSeconds, p.CPUSeconds)
	}
	if p.MemoryBytes < minMemoryBytes || p.MemoryBytes > maxMemoryBytes {
		return fmt.Errorf("%w: memory_bytes must be %d-%d, got %d", ErrInvalidRequest, minMemoryBytes, int64(maxMemoryBytes), p.MemoryBytes)
	}
	if p.FileSizeBytes < 1 || p.FileSizeBytes > maxFileSizeBytes {
		return fmt.Errorf("%w: file_size_bytes must be 1-%d, got %d", ErrInvalidRequest, maxFileSizeBytes, p.FileSizeBytes)
	}
	if p.MaxProcesses < 1 || p.MaxProcesses > maxProcesses {
		return fmt.Errorf("%w: max_processes must be 1-%d, got %d", ErrInvalidRequest, maxProcesses, p.MaxProcesses)
	}
	if p.WallTimeout <= 0 || p.WallTimeout > maxWallTimeout {
		return fmt.Errorf("%w: wall_timeout must be in (0, %s], got %s", ErrInvalidRequest, maxWallTimeout, p.WallTimeout)
	}
	return nil
}

// Rlimits translates the policy into POSIX rlimits, in the order they are
// installed. The CPU hard limit sits one second above the soft limit so the
// kernel delivers SIGXCPU rather than SIGKILL. RLIMIT_NPROC comes last.
func (p ExecutionPolicy) Rlimits() []specs.POSIXRlimit {
	return []specs.POSIXRlimit{
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_NOFILE", Hard: openFilesLimit, Soft: openFilesLimit},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(p.FileSizeBytes), Soft: safeUint64(p.FileSizeBytes)},
		{Type: "RLIMIT_CPU", Hard: safeUint64(p.CPUSeconds + 1), Soft: safeUint64(p.CPUSeconds)},
		{Type: "RLIMIT_AS", Hard: safeUint64(p.MemoryBytes), Soft: safeUint64(p.MemoryBytes)},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(p.MaxProcesses), Soft: safeUint64(p.MaxProcesses)},
	}
}

// DockerUlimits renders the rlimits as docker run --ulimit values. Docker has
// no address-space ulimit; memory is capped through the cgroup instead.
func (p ExecutionPolicy) DockerUlimits() []string {
	var out []string
	for _, rl := range p.Rlimits() {
		name, ok := dockerUlimitNames[rl.Type]
		if !ok {
			continue
		}
		out = append(out, name+"="+strconv.FormatUint(rl.Soft, 10)+":"+strconv.FormatUint(rl.Hard, 10))
	}
	return out
}

var dockerUlimitNames = map[string]string{
	"RLIMIT_CORE":   "core",
	"RLIMIT_NOFILE": "nofile",
	"RLIMIT_FSIZE":  "fsize",
	"RLIMIT_CPU":    "cpu",
	"RLIMIT_NPROC":  "nproc",
}

// ApplyResourceLimits installs the policy into an OCI spec: rlimits on the
// process, plus cgroup memory and pids ceilings at the same values.
func ApplyResourceLimits(spec *specs.Spec, policy ExecutionPolicy) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	memoryBytes := policy.MemoryBytes
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: policy.MaxProcesses,
	}

	tmpfsBytes := policy.FileSizeBytes * 4
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = policy.Rlimits()
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
