package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Fallback  FallbackConfig      `mapstructure:"fallback"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds the calling-layer server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// SandboxConfig holds isolation backend configuration
type SandboxConfig struct {
	DockerHost        string        `mapstructure:"docker_host"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	MaxTimeout        time.Duration `mapstructure:"max_timeout"`
	CompileTimeout    time.Duration `mapstructure:"compile_timeout"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	Workdir           string        `mapstructure:"workdir"`
	User              string        `mapstructure:"user"`
	TmpfsSizeMB       int           `mapstructure:"tmpfs_size_mb"`
	PullMissingImages bool          `mapstructure:"pull_missing_images"`
	SweepOnStart      bool          `mapstructure:"sweep_on_start"`
}

// FallbackConfig holds configuration of the host-local execution path
type FallbackConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	TempRoot string `mapstructure:"temp_root"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language holds per-language deployment overrides. Environment entries are
// KEY=VALUE strings; a list keeps variable names out of viper's key folding.
type Language struct {
	Image       string   `mapstructure:"image"`
	Environment []string `mapstructure:"environment"`
}

// EnvMap returns the environment entries as a map
func (l Language) EnvMap() map[string]string {
	env := make(map[string]string, len(l.Environment))
	for _, kv := range l.Environment {
		key, value, _ := strings.Cut(kv, "=")
		env[key] = value
	}
	return env
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("POLYRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_addr", "")

	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.probe_timeout", "2s")
	v.SetDefault("sandbox.max_timeout", "30s")
	v.SetDefault("sandbox.compile_timeout", "30s")
	v.SetDefault("sandbox.kill_grace", "2s")
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("sandbox.user", "65534:65534")
	v.SetDefault("sandbox.tmpfs_size_mb", 64)
	v.SetDefault("sandbox.pull_missing_images", true)
	v.SetDefault("sandbox.sweep_on_start", false)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.temp_root", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.ProbeTimeout <= 0 {
		return fmt.Errorf("sandbox.probe_timeout must be positive, got: %s", c.Sandbox.ProbeTimeout)
	}

	if c.Sandbox.MaxTimeout <= 0 {
		return fmt.Errorf("sandbox.max_timeout must be positive, got: %s", c.Sandbox.MaxTimeout)
	}

	if c.Sandbox.CompileTimeout <= 0 {
		return fmt.Errorf("sandbox.compile_timeout must be positive, got: %s", c.Sandbox.CompileTimeout)
	}

	if c.Sandbox.KillGrace <= 0 {
		return fmt.Errorf("sandbox.kill_grace must be positive, got: %s", c.Sandbox.KillGrace)
	}

	if !strings.HasPrefix(c.Sandbox.Workdir, "/") || c.Sandbox.Workdir == "/" {
		return fmt.Errorf("sandbox.workdir must be an absolute non-root path, got: %q", c.Sandbox.Workdir)
	}

	if c.Sandbox.User == "" || c.Sandbox.User == "root" || strings.HasPrefix(c.Sandbox.User, "0:") || c.Sandbox.User == "0" {
		return fmt.Errorf("sandbox.user must name a non-privileged user, got: %q", c.Sandbox.User)
	}

	if c.Sandbox.TmpfsSizeMB <= 0 {
		return fmt.Errorf("sandbox.tmpfs_size_mb must be positive, got: %d", c.Sandbox.TmpfsSizeMB)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	for id, lang := range c.Languages {
		if strings.TrimSpace(id) == "" {
			return errors.New("languages: empty language id")
		}
		for _, kv := range lang.Environment {
			if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
				return fmt.Errorf("languages.%s.environment: invalid entry %q, want KEY=VALUE", id, kv)
			}
		}
	}

	return nil
}

// GetMaxTimeout returns the ceiling applied to caller timeout overrides
func (c *Config) GetMaxTimeout() time.Duration {
	return c.Sandbox.MaxTimeout
}
