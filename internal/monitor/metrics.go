package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal    *prometheus.CounterVec
	AnalyzeDuration     prometheus.Histogram
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	LimitKills          *prometheus.CounterVec
	InfraErrors         *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge
	ConnectionDecisions *prometheus.CounterVec
	DLPFindings         *prometheus.CounterVec
	Detections          *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	CodeSizeBytes       prometheus.Histogram
	OutputSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "submissions_total",
				Help:      "Total submissions by analyzer verdict.",
			},
			[]string{"verdict"},
		),

		AnalyzeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "analyze_duration_seconds",
				Help:      "Duration of static analysis in seconds.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total sandbox executions by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		LimitKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "limit_exceeded_total",
				Help:      "Executions ended by a resource ceiling, by limit kind.",
			},
			[]string{"limit"},
		),

		InfraErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "infrastructure_errors_total",
				Help:      "Submissions that failed before or around execution, by stage.",
			},
			[]string{"stage"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		ConnectionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "netguard",
				Name:      "connections_total",
				Help:      "Outbound connection attempts by policy mode and decision.",
			},
			[]string{"mode", "decision"},
		),

		DLPFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "dlp",
				Name:      "findings_total",
				Help:      "Sensitive-data findings in outbound payloads by category.",
			},
			[]string{"category"},
		),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "probe_detections_total",
				Help:      "Advisory containment-probe detections by pattern.",
			},
			[]string{"pattern"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SubmissionsTotal,
		m.AnalyzeDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.LimitKills,
		m.InfraErrors,
		m.ActiveExecutions,
		m.ConnectionDecisions,
		m.DLPFindings,
		m.Detections,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordVerdict records an analyzer verdict and how long it took.
func (m *Metrics) RecordVerdict(verdict string, durationSec float64) {
	m.SubmissionsTotal.WithLabelValues(verdict).Inc()
	m.AnalyzeDuration.Observe(durationSec)
}

// RecordExecution records metrics for a completed execution. limit is empty
// unless a ceiling fired.
func (m *Metrics) RecordExecution(backend, outcome, limit string, durationSec float64, outputBytes int) {
	m.ExecutionsTotal.WithLabelValues(backend, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
	m.OutputSizeBytes.Observe(float64(outputBytes))
	if limit != "" {
		m.LimitKills.WithLabelValues(limit).Inc()
	}
}

// RecordError records an infrastructure failure by stage.
func (m *Metrics) RecordError(stage string) {
	m.InfraErrors.WithLabelValues(stage).Inc()
}

// RecordDetection records an advisory probe detection.
func (m *Metrics) RecordDetection(pattern string) {
	m.Detections.WithLabelValues(pattern).Inc()
}

// ObserveConnection counts a network guard decision.
func (m *Metrics) ObserveConnection(mode string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.ConnectionDecisions.WithLabelValues(mode, decision).Inc()
}

// ObserveDLP counts a DLP finding.
func (m *Metrics) ObserveDLP(category string) {
	m.DLPFindings.WithLabelValues(category).Inc()
}
