// Package mcpserver exposes the execution engine as Model Context Protocol tools.
//
// Three tools are registered with the mark3labs/mcp-go server:
// execute_code runs a program and returns the result as JSON, list_languages
// returns the language table, and system_status reports which execution paths
// are available. Engine rejections are returned as tool errors rather than
// protocol errors so that clients can show them to users.
//
// The server supports both stdio and streamable HTTP transports as configured
// by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
