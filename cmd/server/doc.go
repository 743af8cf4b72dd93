// Package main is the entry point for the polyrun MCP server.
//
// The polyrun server runs untrusted programs in any language of its built-in
// table. Each request gets a hardened, network-less Docker container with
// memory, CPU and process limits and a wall-clock timeout. When the Docker
// daemon is unreachable, requests fall back to host toolchains with the same
// timeout enforcement.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
// Prometheus metrics are served on server.metrics_addr when it is set.
package main
