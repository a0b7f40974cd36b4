package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/api"
	"code-sandbox/internal/config"
	"code-sandbox/internal/mcpserver"
	"code-sandbox/internal/monitor"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
	"code-sandbox/internal/storage"
)

var version = "dev"

func main() {
	// The process backend re-executes this binary as the sandbox init helper.
	if sandbox.IsInit() {
		sandbox.RunInit()
		return
	}

	_ = godotenv.Load()

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	metrics := monitor.NewMetrics()

	table := analyzer.DefaultTable()
	if cfg.Analyzer.DenylistPath != "" {
		table, err = analyzer.LoadTable(cfg.Analyzer.DenylistPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Analyzer.DenylistPath).Msg("failed to load denylist")
		}
	}

	// Unlike the health endpoint, submissions cannot run without a backend.
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sandbox.Backend).Msg("no sandbox backend available")
	}

	// Durable audit storage: Postgres when a DSN is set, otherwise SQLite
	// when a path is set, otherwise audit trails live only in responses.
	var store storage.Store
	switch {
	case cfg.Database.DSN != "":
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		store = db
	case cfg.Audit.SQLitePath != "":
		db, err := storage.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Audit.SQLitePath).Msg("sqlite audit store unavailable")
		}
		defer db.Close()
		store = db
	default:
		log.Warn().Msg("no database configured, audit trails are not persisted")
	}

	opts := pipeline.Options{
		Analyzer:       analyzer.New(table),
		Backend:        backend,
		DefaultPolicy:  sandbox.PolicyFromConfig(cfg.Sandbox.Limits),
		DefaultNetwork: pipeline.NetworkPolicyFromConfig(cfg.Network),
		Metrics:        metrics,
		Tracer:         monitor.NewTracer(),
	}

	var auditWriter *storage.AuditWriter
	if store != nil {
		auditWriter = storage.NewAuditWriter(store, cfg.Audit.BufferSize)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		opts.Recorder = auditWriter
	}

	p, err := pipeline.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid pipeline configuration")
	}

	server := api.NewServer(cfg, p, store, metrics)

	if cfg.MCP.Enabled {
		mcp := mcpserver.New(cfg.MCP, p, version)
		go func() {
			if err := mcp.Serve(ctx); err != nil {
				log.Error().Err(err).Str("transport", cfg.MCP.Transport).Msg("MCP server stopped")
			}
		}()
		log.Info().Str("transport", cfg.MCP.Transport).Msg("MCP server enabled")
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", backend.Name()).
		Str("network_mode", cfg.Network.Mode).
		Bool("audit_persisted", store != nil).
		Str("version", version).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
