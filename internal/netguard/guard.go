// Package netguard enforces a submission's network policy on the code it
// runs. A Guard is a capability scoped to one submission: Install starts a
// broker on a unix socket inside the submission's work directory and drops a
// bootstrap script next to it; the Python child consults the broker before
// every connection and every outbound payload. Release tears both down.
package netguard

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/audit"
	"code-sandbox/internal/dlp"
)

//go:embed bootstrap.py
var bootstrapSource []byte

// Names of the files a guard places in the work directory, and the
// environment variable that points the bootstrap at the broker.
const (
	SocketName    = ".guard.sock"
	BootstrapName = ".guard_bootstrap.py"
	SocketEnv     = "SANDBOX_GUARD_SOCKET"
)

var (
	ErrInvalidPolicy = errors.New("invalid network policy")
	ErrNetworkDenied = errors.New("network access denied")
	ErrDLPBlocked    = errors.New("outbound payload blocked")
	ErrInstall       = errors.New("installing network guard")
)

// DLPBlockedError carries the categories that stopped a payload.
type DLPBlockedError struct {
	Host     string
	Port     int
	Findings []dlp.Finding
}

func (e *DLPBlockedError) Error() string {
	return fmt.Sprintf("%s to %s:%d: %s", ErrDLPBlocked, e.Host, e.Port, dlp.Summary(e.Findings))
}

func (e *DLPBlockedError) Unwrap() error { return ErrDLPBlocked }

// Categories lists the matched categories.
func (e *DLPBlockedError) Categories() []string { return dlp.Categories(e.Findings) }

// Observer receives decision counts, typically the Prometheus metrics.
type Observer interface {
	ObserveConnection(mode string, allowed bool)
	ObserveDLP(category string)
}

// Guard is the installed network policy of one submission.
type Guard struct {
	policy    Policy
	audit     *audit.Log
	inspector *dlp.Inspector
	observer  Observer
	dir       string
	broker    *broker
	logger    zerolog.Logger

	releaseOnce sync.Once
	releaseErr  error
}

// Option configures a Guard.
type Option func(*Guard)

// WithInspector sets the payload inspector. Without one a fresh
// dlp.NewInspector is used.
func WithInspector(i *dlp.Inspector) Option {
	return func(g *Guard) { g.inspector = i }
}

// WithObserver reports every decision to o.
func WithObserver(o Observer) Option {
	return func(g *Guard) { g.observer = o }
}

// Install validates policy and, unless it is unrestricted, starts the broker
// in dir. Every decision is appended to auditLog. Callers must defer Release.
func Install(dir string, policy Policy, auditLog *audit.Log, opts ...Option) (*Guard, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstall, err)
	}
	if auditLog == nil {
		return nil, fmt.Errorf("%w: audit log is required", ErrInstall)
	}

	g := &Guard{
		policy: policy.Normalized(),
		audit:  auditLog,
		dir:    dir,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = log.With().Str("component", "netguard").Str("mode", string(g.policy.Mode)).Logger()

	if g.policy.Mode == ModeUnrestricted {
		g.logger.Debug().Msg("unrestricted policy, no interception")
		return g, nil
	}
	if g.inspector == nil {
		g.inspector = dlp.NewInspector()
	}

	bootstrap := filepath.Join(dir, BootstrapName)
	if err := os.WriteFile(bootstrap, bootstrapSource, 0o444); err != nil { // #nosec G306 -- read by the sandbox user
		return nil, fmt.Errorf("%w: writing bootstrap: %w", ErrInstall, err)
	}

	b, err := startBroker(filepath.Join(dir, SocketName), g)
	if err != nil {
		_ = os.Remove(bootstrap)
		return nil, fmt.Errorf("%w: %w", ErrInstall, err)
	}
	g.broker = b

	g.logger.Debug().Str("socket", b.path).Strs("hosts", g.policy.Hosts).Msg("network guard installed")
	return g, nil
}

// Policy returns the normalized policy in force.
func (g *Guard) Policy() Policy { return g.policy }

// Active reports whether connections are intercepted.
func (g *Guard) Active() bool { return g.broker != nil }

// Args returns the interpreter arguments that run script under the guard.
// root is the work directory as the child sees it.
func (g *Guard) Args(root, script string) []string {
	if !g.Active() {
		return []string{filepath.Join(root, script)}
	}
	return []string{filepath.Join(root, BootstrapName), filepath.Join(root, script)}
}

// Env returns the environment entries the bootstrap needs. root is the work
// directory as the child sees it.
func (g *Guard) Env(root string) []string {
	if !g.Active() {
		return nil
	}
	return []string{SocketEnv + "=" + filepath.Join(root, SocketName)}
}

// Check decides a connection attempt and records it. A refusal returns an
// error wrapping ErrNetworkDenied.
func (g *Guard) Check(host string, port int) error {
	allowed, reason := g.policy.Decide(host)

	g.audit.RecordConnection(audit.ConnectionAttempt{
		Host:    host,
		Port:    port,
		Allowed: allowed,
		Reason:  reason,
		Mode:    string(g.policy.Mode),
	})
	if g.observer != nil {
		g.observer.ObserveConnection(string(g.policy.Mode), allowed)
	}

	if !allowed {
		g.logger.Warn().Str("host", host).Int("port", port).Str("reason", reason).Msg("connection refused")
		return fmt.Errorf("%w: %s:%d: %s", ErrNetworkDenied, host, port, reason)
	}
	g.logger.Debug().Str("host", host).Int("port", port).Str("reason", reason).Msg("connection allowed")
	return nil
}

// Inspect runs DLP over an outbound payload. Each matched category is
// recorded and the payload is refused with a *DLPBlockedError.
func (g *Guard) Inspect(host string, port int, payload []byte) error {
	if g.inspector == nil || len(payload) == 0 {
		return nil
	}
	findings := g.inspector.Inspect(payload)
	if len(findings) == 0 {
		return nil
	}

	for _, f := range findings {
		g.audit.RecordDLP(audit.DLPFinding{
			Host:       host,
			Port:       port,
			Category:   f.Category,
			MatchCount: f.MatchCount,
			Sample:     f.Sample,
		})
		if g.observer != nil {
			g.observer.ObserveDLP(f.Category)
		}
	}

	g.logger.Warn().
		Str("host", host).
		Int("port", port).
		Strs("categories", dlp.Categories(findings)).
		Msg("outbound payload blocked")
	return &DLPBlockedError{Host: host, Port: port, Findings: findings}
}

// Gate inspects payload and, when it is clean, decides the connection.
// It serves payloads that open their own route, such as datagrams.
func (g *Guard) Gate(host string, port int, payload []byte) error {
	if err := g.Inspect(host, port, payload); err != nil {
		return err
	}
	return g.Check(host, port)
}

// Release stops the broker and removes the guard's files. It is safe to call
// more than once.
func (g *Guard) Release() error {
	g.releaseOnce.Do(func() {
		if g.broker == nil {
			return
		}
		g.releaseErr = g.broker.close()
		if err := os.Remove(filepath.Join(g.dir, BootstrapName)); err != nil && !os.IsNotExist(err) && g.releaseErr == nil {
			g.releaseErr = err
		}
		g.logger.Debug().Msg("network guard released")
	})
	return g.releaseErr
}
