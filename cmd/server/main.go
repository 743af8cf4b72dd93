package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/polyrun/config"
	"github.com/isdmx/polyrun/logger"
	"github.com/isdmx/polyrun/mcpserver"
	"github.com/isdmx/polyrun/observability"
	"github.com/isdmx/polyrun/sandbox"
)

const sweepTimeout = 30 * time.Second

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution engine, bound to the app lifecycle
			newEngine,
			func(engine *sandbox.Engine) sandbox.Executor { return engine },

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(registerMetricsServer),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, server *mcpserver.MCPServer, shutdowner fx.Shutdowner, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							var err error
							switch cfg.Server.Transport {
							case "stdio":
								err = server.ServeStdio()
							case "http":
								err = server.ServeHTTP()
							}
							if err != nil && !errors.Is(err, http.ErrServerClosed) {
								log.Error("transport stopped", zap.Error(err))
							}
							_ = shutdowner.Shutdown()
						}()
						return nil
					},
					OnStop: server.Shutdown,
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// newEngine builds the engine, removes sandboxes left by a previous process
// when configured, and closes the Docker client on shutdown.
func newEngine(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*sandbox.Engine, error) {
	engine, err := sandbox.NewEngine(log, cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			status := engine.Status(ctx)
			log.Info("execution engine ready",
				zap.Bool("backend_available", status.BackendAvailable),
				zap.String("backend_info", status.BackendInfo),
				zap.Bool("fallback_available", status.FallbackAvailable))

			if !cfg.Sandbox.SweepOnStart {
				return nil
			}
			sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
			defer cancel()
			if err := engine.Sweep(sweepCtx); err != nil {
				log.Warn("failed to remove leftover sandboxes", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return engine.Close()
		},
	})

	return engine, nil
}

// registerMetricsServer serves Prometheus metrics on server.metrics_addr.
// An empty address disables the listener.
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Server.MetricsAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
