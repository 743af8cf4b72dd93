package sandbox

import (
	"context"
	"os"

	"github.com/isdmx/polyrun/languages"
)

// Status is the terminal classification of an execution
type Status string

// Execution statuses
const (
	StatusCompleted        Status = "completed"
	StatusTimeout          Status = "timeout"
	StatusCompileFailed    Status = "compile_failed"
	StatusResourceExceeded Status = "resource_exceeded"
)

// Path names the execution path that served a request
type Path string

// Execution paths
const (
	PathIsolated Path = "isolated"
	PathFallback Path = "fallback"
)

// Request represents the parameters for code execution
type Request struct {
	Language  string
	Code      string
	Input     string // fixed stdin, delivered in full before EOF
	TimeoutMs int64  // 0 selects the language default
	CallerID  string
}

// Result represents the outcome of one execution. User-code failures such as
// a non-zero exit or stderr output are carried here, never as errors.
type Result struct {
	Output        string `json:"output"`
	Error         string `json:"error"`
	ExitCode      *int   `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
	ExecutionID   string `json:"executionId"`
	Path          Path   `json:"path"`
	Language      string `json:"language"`
	Status        Status `json:"status"`
}

// Err returns the sentinel matching a non-completed status, or nil
func (r *Result) Err() error {
	switch r.Status {
	case StatusTimeout:
		return ErrTimeout
	case StatusCompileFailed:
		return ErrCompileFailed
	case StatusResourceExceeded:
		return ErrResourceExceeded
	default:
		return nil
	}
}

// SystemStatus describes the availability of both execution paths
type SystemStatus struct {
	BackendAvailable  bool   `json:"backendAvailable"`
	BackendInfo       string `json:"backendInfo"`
	FallbackAvailable bool   `json:"fallbackAvailable"`
}

// Executor is the contract offered to the calling layer
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Languages() []languages.Info
	Status(ctx context.Context) SystemStatus
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  os.FileMode = 0o700
	FilePermission os.FileMode = 0o600
	ExecPermission os.FileMode = 0o700
)
