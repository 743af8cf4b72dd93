// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Development mode uses a coloured console encoder;
// production mode emits JSON with ISO8601 timestamps. Both write to stderr.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("engine started")
//
// Engine code scopes its logger to one execution so that every line carries
// the execution id, language and caller:
//
//	execLog := logger.ForExecution(log, id, "python", callerID)
//	execLog.Error("teardown failed", zap.Error(err))
package logger
