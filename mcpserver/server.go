package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/polyrun/config"
	"github.com/isdmx/polyrun/sandbox"
)

// Tool names
const (
	ToolExecuteCode   = "execute_code"
	ToolListLanguages = "list_languages"
	ToolSystemStatus  = "system_status"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("server.metrics_addr", cfg.Server.MetricsAddr),
		zap.Duration("sandbox.max_timeout", cfg.Sandbox.MaxTimeout),
		zap.Duration("sandbox.compile_timeout", cfg.Sandbox.CompileTimeout),
		zap.Duration("sandbox.kill_grace", cfg.Sandbox.KillGrace),
		zap.String("sandbox.user", cfg.Sandbox.User),
		zap.Int("sandbox.tmpfs_size_mb", cfg.Sandbox.TmpfsSizeMB),
		zap.Bool("fallback.enabled", cfg.Fallback.Enabled),
		zap.Int("languages.overrides", len(cfg.Languages)),
	)

	s.mcpServer = server.NewMCPServer("polyrun", "A sandboxed multi-language code runner",
		server.WithToolCapabilities(false),
	)

	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()
	s.registerSystemStatusTool()

	if cfg.Server.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	ids := make([]string, 0)
	for _, info := range s.executor.Languages() {
		if info.Runnable {
			ids = append(ids, info.ID)
		}
	}

	tool := mcp.Tool{
		Name:        ToolExecuteCode,
		Description: "Compile and run untrusted source code in an isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language identifier or alias, e.g. " + fmt.Sprint(ids),
				},
				"input": map[string]any{
					"type":        "string",
					"description": "Fixed standard input delivered to the program (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in milliseconds, capped by the server maximum (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        ToolListLanguages,
		Description: "List every known language and whether it can be executed",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

func (s *MCPServer) registerSystemStatusTool() {
	tool := mcp.Tool{
		Name:        ToolSystemStatus,
		Description: "Report whether the isolation backend and the local fallback are available",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSystemStatus)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	req := sandbox.Request{
		Language:  language,
		Code:      code,
		Input:     request.GetString("input", ""),
		TimeoutMs: int64(request.GetInt("timeout_ms", 0)),
		CallerID:  callerID(ctx),
	}

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.String("caller_id", req.CallerID),
		zap.Int("code_len", len(code)),
		zap.Bool("has_input", req.Input != ""))

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.logger.Warn("code execution rejected",
			zap.Error(err),
			zap.String("language", language))
		return textResult(describeError(err), true), nil
	}

	s.logger.Info("code execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.String("path", string(result.Path)),
		zap.Int("stdout_len", len(result.Output)),
		zap.Int("stderr_len", len(result.Error)))

	return jsonResult(result)
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"languages": s.executor.Languages()})
}

// handleSystemStatus handles the system_status tool
func (s *MCPServer) handleSystemStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.executor.Status(ctx))
}

// callerID uses the MCP session as the caller namespace
func callerID(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// describeError maps engine errors onto messages safe to show a caller
func describeError(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return fmt.Sprintf("Unsupported language: %v", err)
	case errors.Is(err, sandbox.ErrNotRunnable):
		return fmt.Sprintf("Language cannot be executed: %v", err)
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		return fmt.Sprintf("No execution backend available: %v", err)
	default:
		return fmt.Sprintf("Execution failed: %v", err)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return textResult(string(data), false), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		return fmt.Errorf("transport %q is not http", s.config.Server.Transport)
	}
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport, if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
