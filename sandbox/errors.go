package sandbox

import "errors"

// Errors returned by Engine.Execute. Test with errors.Is.
var (
	// ErrUnsupportedLanguage means the language id is not in the registry.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrNotRunnable means the language is listed for highlighting only.
	ErrNotRunnable = errors.New("language is not runnable")
	// ErrBackendUnavailable means the isolation backend is unreachable. The
	// engine only returns it when the fallback path failed as well.
	ErrBackendUnavailable = errors.New("isolation backend unavailable")
	// ErrInternal hides infrastructure failures from callers. The full cause
	// is logged against the execution id.
	ErrInternal = errors.New("internal execution error")
)

// Sentinels reported through Result.Err.
var (
	ErrTimeout          = errors.New("execution timed out")
	ErrCompileFailed    = errors.New("compilation failed")
	ErrResourceExceeded = errors.New("resource limit exceeded")
)
