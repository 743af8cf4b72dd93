// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and POLYRUN_-prefixed environment variables.
// It covers the calling-layer server, the isolation backend, the local
// fallback executor, logging, and per-language image overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Max timeout: %s\n", cfg.GetMaxTimeout())
package config
