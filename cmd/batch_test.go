package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBatchFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadBatchFile(t *testing.T) {
	path := writeBatchFile(t, `
- url: https://example.com/a.iso
  filename: alpha.iso
  timeout: 30s
  retries: 2
- url: https://example.com/b.iso
  concurrent: true
  headers:
    Authorization: Bearer token
`)

	jobs, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "https://example.com/a.iso", jobs[0].URL)
	assert.Equal(t, "alpha.iso", jobs[0].Filename)
	assert.Equal(t, 30*time.Second, jobs[0].timeout)
	assert.Equal(t, 2, jobs[0].Retries)

	assert.True(t, jobs[1].Concurrent)
	assert.Equal(t, "Bearer token", jobs[1].Headers["Authorization"])
}

func TestLoadBatchFileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty list", "[]"},
		{"missing url", "- filename: x\n"},
		{"bad timeout", "- url: https://example.com/a\n  timeout: soon\n"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeBatchFile(t, tt.content)

			_, err := loadBatchFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadBatchFileMissingFile(t *testing.T) {
	_, err := loadBatchFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
