package integration

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/polyrun/config"
	"github.com/isdmx/polyrun/logger"
	"github.com/isdmx/polyrun/mcpserver"
	"github.com/isdmx/polyrun/sandbox"
)

// unreachableConfig points the engine at a socket nobody listens on, so every
// request is served by the local fallback.
func unreachableConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			DockerHost:        "unix:///nonexistent/polyrun-docker.sock",
			ProbeTimeout:      500 * time.Millisecond,
			MaxTimeout:        5 * time.Second,
			CompileTimeout:    10 * time.Second,
			KillGrace:         200 * time.Millisecond,
			Workdir:           "/workspace",
			User:              "65534:65534",
			TmpfsSizeMB:       64,
			PullMissingImages: false,
		},
		Fallback: config.FallbackConfig{
			Enabled:  true,
			TempRoot: t.TempDir(),
		},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
		Languages: map[string]config.Language{
			"python": {
				Environment: []string{"POLYRUN_GREETING=hello"},
			},
		},
	}
}

// TestIntegrationConfigLoggerEngine tests the integration between config, logger, and sandbox packages
func TestIntegrationConfigLoggerEngine(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := unreachableConfig(t)

		testLogger, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("EngineReportsUnavailableBackend", func(t *testing.T) {
		engine, err := sandbox.NewEngine(zaptest.NewLogger(t), unreachableConfig(t))
		require.NoError(t, err)
		defer engine.Close()

		status := engine.Status(context.Background())
		assert.False(t, status.BackendAvailable)
		assert.Equal(t, "unavailable", status.BackendInfo)
		assert.NoError(t, engine.Sweep(context.Background()))
	})

	t.Run("RejectionsNeedNoBackend", func(t *testing.T) {
		engine, err := sandbox.NewEngine(zaptest.NewLogger(t), unreachableConfig(t))
		require.NoError(t, err)
		defer engine.Close()

		_, err = engine.Execute(context.Background(), sandbox.Request{Language: "brainfuck", Code: "+"})
		assert.ErrorIs(t, err, sandbox.ErrUnsupportedLanguage)

		_, err = engine.Execute(context.Background(), sandbox.Request{Language: "md", Code: "# hi"})
		assert.ErrorIs(t, err, sandbox.ErrNotRunnable)
	})
}

// TestIntegrationFallbackExecution runs real programs through the fallback path
func TestIntegrationFallbackExecution(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}

	engine, err := sandbox.NewEngine(zaptest.NewLogger(t), unreachableConfig(t))
	require.NoError(t, err)
	defer engine.Close()

	t.Run("OverridesReachTheProgram", func(t *testing.T) {
		result, err := engine.Execute(context.Background(), sandbox.Request{
			Language: "py",
			Code:     "import os, sys\nprint(os.environ['POLYRUN_GREETING'], sys.stdin.read().strip())",
			Input:    "world\n",
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.PathFallback, result.Path)
		assert.Equal(t, "hello world\n", result.Output)
		assert.Equal(t, sandbox.StatusCompleted, result.Status)
	})

	t.Run("Timeout", func(t *testing.T) {
		result, err := engine.Execute(context.Background(), sandbox.Request{
			Language:  "python",
			Code:      "while True:\n    pass",
			TimeoutMs: 300,
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusTimeout, result.Status)
		assert.Nil(t, result.ExitCode)
		assert.Less(t, result.ExecutionTime, int64(1500))
	})

	t.Run("UncaughtExceptionIsAResult", func(t *testing.T) {
		result, err := engine.Execute(context.Background(), sandbox.Request{
			Language: "python",
			Code:     "raise ValueError('boom')",
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompleted, result.Status)
		require.NotNil(t, result.ExitCode)
		assert.Equal(t, 1, *result.ExitCode)
		assert.Contains(t, result.Error, "ValueError: boom")
	})
}

// TestIntegrationMCPRoundTrip drives the tools through JSON-RPC messages
func TestIntegrationMCPRoundTrip(t *testing.T) {
	cfg := unreachableConfig(t)
	testLogger := zaptest.NewLogger(t)

	engine, err := sandbox.NewEngine(testLogger, cfg)
	require.NoError(t, err)
	defer engine.Close()

	server, err := mcpserver.New(cfg, testLogger, engine)
	require.NoError(t, err)
	mcpServer := server.GetMCPServer()

	send := func(message string) string {
		t.Helper()
		response := mcpServer.HandleMessage(context.Background(), json.RawMessage(message))
		data, err := json.Marshal(response)
		require.NoError(t, err)
		return string(data)
	}

	send(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"integration","version":"1.0.0"}}}`)

	tools := send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Contains(t, tools, mcpserver.ToolExecuteCode)
	assert.Contains(t, tools, mcpserver.ToolListLanguages)
	assert.Contains(t, tools, mcpserver.ToolSystemStatus)

	languages := send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_languages","arguments":{}}}`)
	assert.Contains(t, languages, `\"id\":\"python\"`)

	status := send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"system_status","arguments":{}}}`)
	assert.Contains(t, status, `\"backendAvailable\":false`)

	rejected := send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"execute_code","arguments":{"code":"x","language":"cobol"}}}`)
	assert.Contains(t, rejected, "Unsupported language")
	assert.Contains(t, rejected, `"isError":true`)
}
