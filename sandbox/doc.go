// Package sandbox provides secure code execution capabilities.
//
// The Engine runs untrusted source code for any runnable language of the
// registry. Each request gets its own hardened Docker container: no network,
// all capabilities dropped, a non-root user, memory without swap, bounded
// CPU, process and file descriptor counts, and a read-only root filesystem
// with tmpfs working directories. Source files are packed into a tar bundle
// and extracted inside the container; output is read back from the
// multiplexed attach stream.
//
// When the Docker daemon does not answer the liveness probe, or refuses the
// connection while a container is being created, the request is served by
// the LocalExecutor using host toolchains. Both paths share the same
// supervisor: an independent wall-clock timer races the process, and a
// timed out process is killed without waiting for it to cooperate. Every
// container and temporary directory is released exactly once, whatever the
// outcome.
//
// Usage:
//
//	engine, err := sandbox.NewEngine(logger, cfg)
//	result, err := engine.Execute(ctx, sandbox.Request{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
