package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/polyrun/config"
	"github.com/isdmx/polyrun/languages"
)

type engineOptions struct {
	cli      dockerClient
	registry *languages.Registry
	local    []LocalExecutorOption
}

// EngineOption customizes NewEngine
type EngineOption func(*engineOptions)

// WithRegistry replaces the registry built from configuration
func WithRegistry(reg *languages.Registry) EngineOption {
	return func(o *engineOptions) {
		o.registry = reg
	}
}

// WithLocalOptions passes options through to the fallback executor
func WithLocalOptions(opts ...LocalExecutorOption) EngineOption {
	return func(o *engineOptions) {
		o.local = append(o.local, opts...)
	}
}

func withDockerClient(cli dockerClient) EngineOption {
	return func(o *engineOptions) {
		o.cli = cli
	}
}

// NewEngine wires an Engine from configuration. A Docker client that cannot
// be constructed is not fatal: the engine then serves every request through
// the fallback path.
func NewEngine(logger *zap.Logger, cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}

	reg := options.registry
	if reg == nil {
		overrides := make(map[string]languages.Override, len(cfg.Languages))
		for id, lang := range cfg.Languages {
			overrides[id] = languages.Override{Image: lang.Image, Environment: lang.EnvMap()}
		}
		var err error
		reg, err = languages.New(overrides)
		if err != nil {
			return nil, fmt.Errorf("build language registry: %w", err)
		}
	}

	cli := options.cli
	var initErr error
	if cli == nil {
		cli, initErr = newDockerClient(cfg.Sandbox.DockerHost)
		if initErr != nil {
			logger.Warn("docker client unavailable, only the fallback path will be used", zap.Error(initErr))
		}
	}

	sandboxCfg := cfg.Sandbox
	return &Engine{
		logger:   logger,
		registry: reg,
		backend:  newBackend(logger, cli, initErr, sandboxCfg.ProbeTimeout),
		orchestrator: NewOrchestrator(logger, cli, OrchestratorConfig{
			Workdir:           sandboxCfg.Workdir,
			User:              sandboxCfg.User,
			TmpfsSizeMB:       sandboxCfg.TmpfsSizeMB,
			PullMissingImages: sandboxCfg.PullMissingImages,
			KillGrace:         sandboxCfg.KillGrace,
		}),
		local: NewLocalExecutor(logger, cfg.Fallback.TempRoot, sandboxCfg.KillGrace, options.local...),
		supervisor: &supervisor{
			logger:         logger,
			compileTimeout: sandboxCfg.CompileTimeout,
			killGrace:      sandboxCfg.KillGrace,
		},
		fallbackEnabled: cfg.Fallback.Enabled,
		maxTimeout:      cfg.GetMaxTimeout(),
		compileTimeout:  sandboxCfg.CompileTimeout,
		killGrace:       sandboxCfg.KillGrace,
	}, nil
}
