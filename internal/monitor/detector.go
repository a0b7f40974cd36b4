package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"code-sandbox/internal/dlp"
)

// ProbeDetector flags containment probing in source the analyzer let
// through, and host or secret material in what a run printed. Detections
// are advisory: they feed metrics and the submission outcome, never the
// verdict.
type ProbeDetector struct {
	patterns  []ProbePattern
	inspector *dlp.Inspector
}

// ProbePattern is one suspicious source shape.
type ProbePattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detections.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is a single advisory finding.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewProbeDetector creates a detector with the default patterns.
func NewProbeDetector() *ProbeDetector {
	return &ProbeDetector{
		patterns:  defaultPatterns(),
		inspector: dlp.NewInspector(),
	}
}

// AnalyzeSource reports probing shapes line by line.
func (d *ProbeDetector) AnalyzeSource(source string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(source, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("containment probe in source")
		}
	}

	return detections
}

var outputMarkers = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"passwd_leak", "root:x:0:0", SeverityHigh},
	{"kernel_leak", "Linux version", SeverityMedium},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
}

// AnalyzeOutput checks what a run printed. Output never crosses the network
// guard, so secrets echoed to stdout are caught here instead.
func (d *ProbeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	for _, m := range outputMarkers {
		if strings.Contains(output, m.substr) {
			detections = append(detections, Detection{
				Pattern:  m.name,
				Severity: m.sev.String(),
				Detail:   "host material in output: " + m.name,
			})
		}
	}

	for _, f := range d.inspector.Inspect([]byte(output)) {
		detections = append(detections, Detection{
			Pattern:  "secret_in_output",
			Severity: f.Severity,
			Detail:   f.Category + " printed: " + f.Sample,
		})
	}

	return detections
}

func defaultPatterns() []ProbePattern {
	return []ProbePattern{
		{
			Name:        "proc_self_access",
			Description: "Reading /proc/self for process internals",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem|environ|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "cgroup_breakout",
			Description: "Touching cgroup release machinery",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_runtime_socket",
			Description: "Referencing the host container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Targeting a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal|fd00:ec2::254`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "guard_tamper",
			Description: "Reaching for the network guard or rebinding socket methods",
			Regex:       regexp.MustCompile(`SANDBOX_GUARD_SOCKET|\.guard\.sock|\.guard_bootstrap|socket\.socket\.(connect|send\w*)\s*=`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "builtins_escape",
			Description: "Recovering builtins through frames or loaders",
			Regex:       regexp.MustCompile(`f_globals|f_builtins|tb_frame|gi_frame|__loader__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell idiom",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|pty\.spawn`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
