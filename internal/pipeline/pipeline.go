// Package pipeline runs a submission through static analysis, contained
// execution under a network guard, and audit persistence.
package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/audit"
	"code-sandbox/internal/config"
	"code-sandbox/internal/monitor"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/sandbox"
	"code-sandbox/internal/storage"
)

var (
	// ErrInfrastructure marks failures of the sandbox itself: the analyzer
	// could not run, the guard could not be installed, or the child could
	// not be spawned. Everything the submitted code does is an Outcome.
	ErrInfrastructure = errors.New("sandbox infrastructure failure")

	// ErrInvalidSubmission marks caller errors such as an empty source or
	// policies outside the allowed ceilings.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Submission is one request to analyze and run Python source.
type Submission struct {
	ID      string                   `json:"id,omitempty"`
	Source  string                   `json:"source"`
	Policy  *sandbox.ExecutionPolicy `json:"execution_policy,omitempty"`
	Network *netguard.Policy         `json:"network_policy,omitempty"`

	RequestIP  string `json:"-"`
	APIKeyHash string `json:"-"`
}

// Outcome is the structured result of a submission. Result is set only when
// the verdict was safe.
type Outcome struct {
	ID            string                   `json:"id"`
	CodeHash      string                   `json:"code_hash"`
	Verdict       analyzer.Verdict         `json:"verdict"`
	NetworkPolicy netguard.Policy          `json:"network_policy"`
	Result        *sandbox.ExecutionResult `json:"result,omitempty"`
	Audit         []audit.Record           `json:"audit"`
	Detections    []monitor.Detection      `json:"detections,omitempty"`
}

// Recorder stores submission summaries and audit trails. Both
// storage.AuditWriter and the stores themselves satisfy it.
type Recorder interface {
	audit.Sink
	LogSubmission(ctx context.Context, s *storage.Submission) error
}

// Options wires a Pipeline. Analyzer and Backend are required.
type Options struct {
	Analyzer       *analyzer.Analyzer
	Backend        sandbox.Backend
	DefaultPolicy  sandbox.ExecutionPolicy
	DefaultNetwork netguard.Policy
	Recorder       Recorder
	Metrics        *monitor.Metrics
	Tracer         *monitor.Tracer
	Detector       *monitor.ProbeDetector
	// WorkRoot holds per-submission work directories. Empty uses os.TempDir.
	WorkRoot string
}

// Pipeline is safe for concurrent use. Submissions share nothing but the
// backend's concurrency limit.
type Pipeline struct {
	analyzer       *analyzer.Analyzer
	backend        sandbox.Backend
	defaultPolicy  sandbox.ExecutionPolicy
	defaultNetwork netguard.Policy
	recorder       Recorder
	metrics        *monitor.Metrics
	tracer         *monitor.Tracer
	detector       *monitor.ProbeDetector
	workRoot       string
}

func New(opts Options) (*Pipeline, error) {
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("pipeline: analyzer is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("pipeline: backend is required")
	}
	if opts.DefaultNetwork.Mode == "" {
		opts.DefaultNetwork = netguard.BlockAll()
	}
	if err := opts.DefaultNetwork.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: default network policy: %w", err)
	}
	policy := opts.DefaultPolicy.WithDefaults(sandbox.DefaultPolicy())
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: default execution policy: %w", err)
	}
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	if opts.Detector == nil {
		opts.Detector = monitor.NewProbeDetector()
	}

	return &Pipeline{
		analyzer:       opts.Analyzer,
		backend:        opts.Backend,
		defaultPolicy:  policy,
		defaultNetwork: opts.DefaultNetwork,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		detector:       opts.Detector,
		workRoot:       opts.WorkRoot,
	}, nil
}

// NetworkPolicyFromConfig converts the configured default network policy.
func NetworkPolicyFromConfig(c config.NetworkConfig) netguard.Policy {
	return netguard.Policy{Mode: netguard.Mode(c.Mode), Hosts: c.AllowedHosts}
}

// DefaultPolicy returns the execution policy applied to submissions without one.
func (p *Pipeline) DefaultPolicy() sandbox.ExecutionPolicy { return p.defaultPolicy }

// DefaultNetwork returns the network policy applied to submissions without one.
func (p *Pipeline) DefaultNetwork() netguard.Policy { return p.defaultNetwork }

// Backend returns the execution backend in use.
func (p *Pipeline) Backend() sandbox.Backend { return p.backend }

// Analyze runs static analysis only.
func (p *Pipeline) Analyze(ctx context.Context, source string) (analyzer.Verdict, error) {
	ctx, span := p.tracer.StartSpan(ctx, "analyze")
	start := time.Now()
	v, err := p.analyzer.Analyze(ctx, source)
	if err != nil {
		monitor.EndSpan(span, err)
		if errors.Is(err, analyzer.ErrSourceTooLarge) {
			return v, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
		}
		p.recordError("analyze")
		return v, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	span.SetAttributes(monitor.AttrVerdict.String(string(v.Kind)))
	monitor.EndSpan(span, nil)

	if p.metrics != nil {
		p.metrics.RecordVerdict(string(v.Kind), time.Since(start).Seconds())
	}
	return v, nil
}

// Submit analyzes sub and, only when the verdict is safe, runs it.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	return p.submit(ctx, sub, nil, nil)
}

// SubmitStreaming is Submit with the child's output also copied to stdout
// and stderr as it is produced.
func (p *Pipeline) SubmitStreaming(ctx context.Context, sub Submission, stdout, stderr io.Writer) (*Outcome, error) {
	return p.submit(ctx, sub, stdout, stderr)
}

func (p *Pipeline) submit(ctx context.Context, sub Submission, stdout, stderr io.Writer) (_ *Outcome, err error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(sub.Source)))

	logger := log.With().
		Str("submission_id", sub.ID).
		Str("code_hash", hash[:16]).
		Logger()

	ctx, span := p.tracer.StartSpan(ctx, "submit",
		monitor.AttrSubmissionID.String(sub.ID),
		monitor.AttrCodeHash.String(hash[:16]),
	)
	defer func() { monitor.EndSpan(span, err) }()

	if sub.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidSubmission)
	}
	policy, network, err := p.resolvePolicies(sub)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(monitor.AttrNetworkMode.String(string(network.Mode)))

	if p.metrics != nil {
		p.metrics.CodeSizeBytes.Observe(float64(len(sub.Source)))
	}

	verdict, err := p.Analyze(ctx, sub.Source)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		ID:            sub.ID,
		CodeHash:      hash,
		Verdict:       verdict,
		NetworkPolicy: network,
		Audit:         []audit.Record{},
		Detections:    p.detector.AnalyzeSource(sub.Source),
	}
	p.recordDetections(out.Detections)
	span.SetAttributes(monitor.AttrVerdict.String(string(verdict.Kind)))

	created := time.Now()
	if !verdict.Safe() {
		logger.Info().Str("verdict", verdict.String()).Msg("submission rejected before execution")
		p.logSubmission(ctx, sub, out, created)
		return out, nil
	}

	result, records, err := p.execute(ctx, sub, hash, policy, network, span, stdout, stderr)
	if err != nil {
		return nil, err
	}
	out.Result = result
	out.Audit = records

	outputDetections := p.detector.AnalyzeOutput(result.Stdout + result.Stderr)
	p.recordDetections(outputDetections)
	out.Detections = append(out.Detections, outputDetections...)

	if p.recorder != nil {
		if perr := p.recorder.Persist(ctx, sub.ID, records); perr != nil {
			p.recordError("persist")
			logger.Error().Err(perr).Int("records", len(records)).Msg("failed to persist audit trail")
		}
	}
	p.logSubmission(ctx, sub, out, created)

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Str("limit", string(result.Limit)).
		Int("exit_status", result.ExitStatus).
		Int("audit_entries", len(records)).
		Msg("submission completed")

	return out, nil
}

func (p *Pipeline) resolvePolicies(sub Submission) (sandbox.ExecutionPolicy, netguard.Policy, error) {
	policy := p.defaultPolicy
	if sub.Policy != nil {
		policy = sub.Policy.WithDefaults(p.defaultPolicy)
	}
	if err := policy.Validate(); err != nil {
		return policy, netguard.Policy{}, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	network := p.defaultNetwork
	if sub.Network != nil {
		network = *sub.Network
	}
	if err := network.Validate(); err != nil {
		return policy, network, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	return policy, network.Normalized(), nil
}

// execute owns the work directory and guard of one submission. Both are torn
// down on every path. The execution summary is appended after the guard is
// released, so it is always the last audit entry.
func (p *Pipeline) execute(
	ctx context.Context,
	sub Submission,
	hash string,
	policy sandbox.ExecutionPolicy,
	network netguard.Policy,
	span trace.Span,
	stdout, stderr io.Writer,
) (*sandbox.ExecutionResult, []audit.Record, error) {
	dir, err := os.MkdirTemp(p.workRoot, "sandbox-"+sub.ID+"-*")
	if err != nil {
		p.recordError("workdir")
		return nil, nil, fmt.Errorf("%w: creating work directory: %w", ErrInfrastructure, err)
	}
	defer os.RemoveAll(dir)

	auditLog := audit.New()
	var guardOpts []netguard.Option
	if p.metrics != nil {
		guardOpts = append(guardOpts, netguard.WithObserver(p.metrics))
	}
	guard, err := netguard.Install(dir, network, auditLog, guardOpts...)
	if err != nil {
		p.recordError("guard")
		return nil, nil, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	defer guard.Release()

	req := sandbox.ExecutionRequest{
		ID:      sub.ID,
		Source:  sub.Source,
		Policy:  policy,
		WorkDir: dir,
		Guard:   guard,
	}

	if p.metrics != nil {
		p.metrics.ActiveExecutions.Inc()
		defer p.metrics.ActiveExecutions.Dec()
	}

	var result *sandbox.ExecutionResult
	if stdout != nil || stderr != nil {
		result, err = p.backend.ExecuteStreaming(ctx, req, orDiscard(stdout), orDiscard(stderr))
	} else {
		result, err = p.backend.Execute(ctx, req)
	}
	if relErr := guard.Release(); relErr != nil {
		log.Warn().Err(relErr).Str("submission_id", sub.ID).Msg("guard release failed")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		if errors.Is(err, sandbox.ErrInvalidRequest) {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
		}
		p.recordError("execute")
		return nil, nil, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if result.CodeHash == "" {
		result.CodeHash = hash
	}

	auditLog.RecordExecution(audit.ExecutionSummary{
		ExecID:       result.ID,
		Outcome:      string(result.Outcome),
		ExitStatus:   result.ExitStatus,
		TerminatedBy: string(result.TerminatedBy),
		Limit:        string(result.Limit),
		Signal:       result.Signal,
		Elapsed:      result.Elapsed,
	})

	span.SetAttributes(
		monitor.AttrBackend.String(result.Backend),
		monitor.AttrOutcome.String(string(result.Outcome)),
		monitor.AttrLimit.String(string(result.Limit)),
		monitor.AttrExitStatus.Int(result.ExitStatus),
		monitor.AttrDurationMS.Int64(result.Elapsed.Milliseconds()),
	)
	if p.metrics != nil {
		p.metrics.RecordExecution(result.Backend, string(result.Outcome), string(result.Limit),
			result.Elapsed.Seconds(), len(result.Stdout)+len(result.Stderr))
	}

	return result, auditLog.Records(), nil
}

func (p *Pipeline) logSubmission(ctx context.Context, sub Submission, out *Outcome, created time.Time) {
	if p.recorder == nil {
		return
	}
	completed := time.Now()
	s := &storage.Submission{
		ID:            sub.ID,
		CodeHash:      out.CodeHash,
		Verdict:       string(out.Verdict.Kind),
		VerdictReason: verdictReason(out.Verdict),
		NetworkMode:   string(out.NetworkPolicy.Mode),
		RequestIP:     sub.RequestIP,
		APIKeyHash:    sub.APIKeyHash,
		CreatedAt:     created,
		CompletedAt:   &completed,
	}
	if r := out.Result; r != nil {
		s.Backend = r.Backend
		s.Outcome = string(r.Outcome)
		s.Limit = string(r.Limit)
		s.ExitStatus = r.ExitStatus
		s.DurationMS = r.Elapsed.Milliseconds()
		s.Stdout = r.Stdout
		s.Stderr = r.Stderr
	}
	if err := p.recorder.LogSubmission(ctx, s); err != nil {
		p.recordError("persist")
		log.Error().Err(err).Str("submission_id", sub.ID).Msg("failed to record submission")
	}
}

func verdictReason(v analyzer.Verdict) string {
	switch v.Kind {
	case analyzer.VerdictBlocked:
		return v.Reason
	case analyzer.VerdictSyntaxInvalid:
		return v.Detail
	}
	return ""
}

func (p *Pipeline) recordDetections(ds []monitor.Detection) {
	if p.metrics == nil {
		return
	}
	for _, d := range ds {
		p.metrics.RecordDetection(d.Pattern)
	}
}

func (p *Pipeline) recordError(stage string) {
	if p.metrics != nil {
		p.metrics.RecordError(stage)
	}
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
