package logging

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name    string
		logsDir string
		want    string
	}{
		{"relative", "logs", filepath.Join("logs", "tracker.20260212_213836.log")},
		{"relative with dot", "./logs", filepath.Join(".", "logs", "tracker.20260212_213836.log")},
		{"absolute", filepath.Join("/var", "log", "tracker"), filepath.Join("/var", "log", "tracker", "tracker.20260212_213836.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFilePath(tt.logsDir, "tracker", sessionStart))
		})
	}
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	w := RotatingFile(path, 10, 3)
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, path, w.Filename)
	assert.Equal(t, 10, w.MaxSize)
	assert.Equal(t, 3, w.MaxBackups)

	m := NewSlogManager()
	m.Setup(Options{Level: "info", File: w})
	m.Logger().Info("rotated")

	require.FileExists(t, path)
}
