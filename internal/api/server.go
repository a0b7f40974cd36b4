package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/config"
	"code-sandbox/internal/monitor"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/storage"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	pipeline   *pipeline.Pipeline
	store      storage.Store
	startTime  time.Time
	cancel     context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. store may be nil.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, store storage.Store, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(p, store)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		pipeline:  p,
		store:     store,
		startTime: time.Now(),
		cancel:    cancel,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is set: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is unset: all API requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /submissions", handlers.HandleSubmit)
	apiMux.HandleFunc("POST /submissions/stream", handlers.HandleSubmitStream)
	apiMux.HandleFunc("GET /submissions", handlers.HandleListSubmissions)
	apiMux.HandleFunc("GET /submissions/{id}/audit", handlers.HandleSubmissionAudit)
	apiMux.HandleFunc("POST /analyze", handlers.HandleAnalyze)
	apiMux.HandleFunc("GET /audit", handlers.HandleAudit)
	apiMux.HandleFunc("GET /limits", handlers.HandleLimits)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, serving plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store == nil || s.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Backend:  s.pipeline.Backend().Name(),
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
