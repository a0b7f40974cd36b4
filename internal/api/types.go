package api

import (
	"time"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/audit"
	"code-sandbox/internal/monitor"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
)

// SubmissionRequest is the API-level request to analyze and run code.
type SubmissionRequest struct {
	Source  string          `json:"source"`
	Limits  *LimitsRequest  `json:"limits,omitempty"`
	Network *NetworkRequest `json:"network,omitempty"`
}

// AnalyzeRequest asks for a verdict only.
type AnalyzeRequest struct {
	Source string `json:"source"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// LimitsRequest overrides ceilings of the default execution policy. Zero
// fields keep the default.
type LimitsRequest struct {
	CPUSeconds    int64    `json:"cpu_seconds,omitempty"`
	MemoryBytes   int64    `json:"memory_bytes,omitempty"`
	FileSizeBytes int64    `json:"file_size_bytes,omitempty"`
	MaxProcesses  int64    `json:"max_processes,omitempty"`
	WallTimeout   Duration `json:"wall_timeout,omitempty"`
}

func (l *LimitsRequest) policy() *sandbox.ExecutionPolicy {
	if l == nil {
		return nil
	}
	return &sandbox.ExecutionPolicy{
		CPUSeconds:    l.CPUSeconds,
		MemoryBytes:   l.MemoryBytes,
		FileSizeBytes: l.FileSizeBytes,
		MaxProcesses:  l.MaxProcesses,
		WallTimeout:   l.WallTimeout.Duration,
	}
}

// NetworkRequest selects the network policy: unrestricted, block_all or
// whitelist with allowed_hosts.
type NetworkRequest struct {
	Mode         string   `json:"mode"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

func (n *NetworkRequest) policy() *netguard.Policy {
	if n == nil {
		return nil
	}
	return &netguard.Policy{Mode: netguard.Mode(n.Mode), Hosts: n.AllowedHosts}
}

// VerdictResponse is the analyzer's decision.
type VerdictResponse struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason,omitempty"`
	Fragment string `json:"fragment,omitempty"`
	Line     int    `json:"line,omitempty"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func newVerdictResponse(v analyzer.Verdict) VerdictResponse {
	resp := VerdictResponse{
		Kind:     string(v.Kind),
		Reason:   v.Reason,
		Fragment: v.Fragment,
		Line:     v.Line,
		Detail:   v.Detail,
	}
	if v.Rule != nil {
		resp.Category = v.Rule.Category
	}
	return resp
}

// ResultResponse reports how the child process ended.
type ResultResponse struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitStatus   int    `json:"exit_status"`
	Elapsed      string `json:"elapsed"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	TerminatedBy string `json:"terminated_by"`
	Signal       string `json:"signal,omitempty"`
	Limit        string `json:"limit,omitempty"`
	Outcome      string `json:"outcome"`
	Truncated    bool   `json:"truncated,omitempty"`
	CPUTimeMS    int64  `json:"cpu_time_ms,omitempty"`
	Backend      string `json:"backend"`
}

// SubmissionResponse is the API-level outcome of a submission.
type SubmissionResponse struct {
	ID            string              `json:"id"`
	CodeHash      string              `json:"code_hash"`
	Verdict       VerdictResponse     `json:"verdict"`
	NetworkPolicy netguard.Policy     `json:"network_policy"`
	Result        *ResultResponse     `json:"result,omitempty"`
	Audit         []audit.Record      `json:"audit"`
	Detections    []monitor.Detection `json:"detections,omitempty"`
}

func newSubmissionResponse(o *pipeline.Outcome) SubmissionResponse {
	resp := SubmissionResponse{
		ID:            o.ID,
		CodeHash:      o.CodeHash,
		Verdict:       newVerdictResponse(o.Verdict),
		NetworkPolicy: o.NetworkPolicy,
		Audit:         o.Audit,
		Detections:    o.Detections,
	}
	if r := o.Result; r != nil {
		resp.Result = &ResultResponse{
			Stdout:       r.Stdout,
			Stderr:       r.Stderr,
			ExitStatus:   r.ExitStatus,
			Elapsed:      r.Elapsed.String(),
			ElapsedMS:    r.Elapsed.Milliseconds(),
			TerminatedBy: string(r.TerminatedBy),
			Signal:       r.Signal,
			Limit:        string(r.Limit),
			Outcome:      string(r.Outcome),
			Truncated:    r.Truncated,
			CPUTimeMS:    r.CPUTime.Milliseconds(),
			Backend:      r.Backend,
		}
	}
	return resp
}

// LimitsResponse reports the effective defaults applied to submissions.
type LimitsResponse struct {
	CPUSeconds    int64           `json:"cpu_seconds"`
	MemoryBytes   int64           `json:"memory_bytes"`
	FileSizeBytes int64           `json:"file_size_bytes"`
	MaxProcesses  int64           `json:"max_processes"`
	WallTimeout   Duration        `json:"wall_timeout"`
	Network       netguard.Policy `json:"network"`
	Backend       string          `json:"backend"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
