// Package mcpserver exposes the sandbox pipeline as Model Context Protocol
// tools, so an agent can submit Python and read back the structured outcome.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/config"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
)

const (
	ToolExecute = "execute_python"
	ToolAnalyze = "analyze_python"
)

// Server wraps an MCP server bound to one pipeline.
type Server struct {
	cfg       config.MCPConfig
	pipeline  *pipeline.Pipeline
	mcpServer *server.MCPServer
	sse       *server.SSEServer
}

func New(cfg config.MCPConfig, p *pipeline.Pipeline, version string) *Server {
	s := &Server{
		cfg:       cfg,
		pipeline:  p,
		mcpServer: server.NewMCPServer("code-sandbox", version),
	}
	s.mcpServer.AddTool(executeTool(), s.handleExecute)
	s.mcpServer.AddTool(analyzeTool(), s.handleAnalyze)
	return s
}

func executeTool() mcp.Tool {
	return mcp.Tool{
		Name: ToolExecute,
		Description: "Statically analyze Python source and, if it passes, run it under CPU, memory, " +
			"file-size and process ceilings with a network policy. Returns the verdict, the execution " +
			"result and the audit trail as JSON.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Python source to run",
				},
				"network_mode": map[string]any{
					"type":        "string",
					"description": "Outbound network policy",
					"enum":        []string{string(netguard.ModeBlockAll), string(netguard.ModeWhitelist), string(netguard.ModeUnrestricted)},
				},
				"allowed_hosts": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Hosts reachable in whitelist mode; subdomains and loopback are included",
				},
				"cpu_seconds": map[string]any{
					"type":        "integer",
					"description": "CPU time ceiling in seconds",
				},
				"memory_bytes": map[string]any{
					"type":        "integer",
					"description": "Address space ceiling in bytes",
				},
				"wall_timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock timeout in seconds",
				},
			},
			Required: []string{"source"},
		},
	}
}

func analyzeTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolAnalyze,
		Description: "Return the static analysis verdict for Python source without running it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Python source to analyze",
				},
			},
			Required: []string{"source"},
		},
	}
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}

	sub := pipeline.Submission{Source: source}
	if mode := request.GetString("network_mode", ""); mode != "" {
		sub.Network = &netguard.Policy{
			Mode:  netguard.Mode(mode),
			Hosts: request.GetStringSlice("allowed_hosts", nil),
		}
	}

	policy := sandbox.ExecutionPolicy{
		CPUSeconds:  int64(request.GetInt("cpu_seconds", 0)),
		MemoryBytes: int64(request.GetInt("memory_bytes", 0)),
		WallTimeout: time.Duration(request.GetFloat("wall_timeout_seconds", 0) * float64(time.Second)),
	}
	if policy != (sandbox.ExecutionPolicy{}) {
		sub.Policy = &policy
	}

	log.Info().Str("tool", ToolExecute).Int("source_bytes", len(source)).Msg("mcp execution requested")

	out, err := s.pipeline.Submit(ctx, sub)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSubmission) {
			return errorResult(err.Error()), nil
		}
		log.Error().Err(err).Str("tool", ToolExecute).Msg("mcp execution failed")
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	return jsonResult(out)
}

func (s *Server) handleAnalyze(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}

	v, err := s.pipeline.Analyze(ctx, source)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(b)},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// Serve runs the configured transport until it fails or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Transport {
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		log.Info().Str("addr", addr).Msg("starting MCP server on SSE")
		s.sse = server.NewSSEServer(s.mcpServer)
		errCh := make(chan error, 1)
		go func() { errCh <- s.sse.Start(addr) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.sse.Shutdown(shutdownCtx)
		}
	default:
		log.Info().Msg("starting MCP server on stdio")
		return server.ServeStdio(s.mcpServer)
	}
}
