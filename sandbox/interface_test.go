package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultErr(t *testing.T) {
	tests := []struct {
		status   Status
		expected error
	}{
		{StatusCompleted, nil},
		{StatusTimeout, ErrTimeout},
		{StatusCompileFailed, ErrCompileFailed},
		{StatusResourceExceeded, ErrResourceExceeded},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			result := &Result{Status: tt.status}
			if tt.expected == nil {
				assert.NoError(t, result.Err())
			} else {
				assert.ErrorIs(t, result.Err(), tt.expected)
			}
		})
	}
}

func TestResultJSON(t *testing.T) {
	code := 0
	data, err := json.Marshal(&Result{
		Output:        "4\n",
		ExitCode:      &code,
		ExecutionTime: 12,
		ExecutionID:   "3f1c",
		Path:          PathIsolated,
		Language:      "Python",
		Status:        StatusCompleted,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"output": "4\n",
		"error": "",
		"exitCode": 0,
		"executionTime": 12,
		"executionId": "3f1c",
		"path": "isolated",
		"language": "Python",
		"status": "completed"
	}`, string(data))

	data, err = json.Marshal(&Result{Status: StatusTimeout})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"exitCode":null`)
}

func TestRealFileSystem(t *testing.T) {
	fs := RealFileSystem{}
	root := t.TempDir()

	dir, err := fs.MkdirTemp(root, "exec-*")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, "src", "pkg"), DirPermission))
	require.NoError(t, fs.WriteFile(filepath.Join(dir, "src", "pkg", "a.txt"), []byte("a"), FilePermission))

	info, err := os.Stat(filepath.Join(dir, "src", "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, FilePermission, info.Mode().Perm())

	require.NoError(t, fs.RemoveAll(dir))
	assert.NoDirExists(t, dir)
}

func TestFilePermissionConstants(t *testing.T) {
	assert.Equal(t, os.FileMode(0o700), DirPermission)
	assert.Equal(t, os.FileMode(0o600), FilePermission)
	assert.Equal(t, os.FileMode(0o700), ExecPermission)
}
