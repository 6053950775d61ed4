package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestZerologAdapter_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(*ZerologAdapter)
	}{
		{"debug", func(a *ZerologAdapter) { a.Debug("msg", "k", 1) }},
		{"info", func(a *ZerologAdapter) { a.Info("msg", "k", 1) }},
		{"warn", func(a *ZerologAdapter) { a.Warn("msg", "k", 1) }},
		{"error", func(a *ZerologAdapter) { a.Error("msg", "k", 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			a := NewZerologAdapter(zerolog.New(&buf).Level(zerolog.DebugLevel))
			tt.log(a)

			m := decodeLine(t, &buf)
			assert.Equal(t, tt.level, m["level"])
			assert.Equal(t, "msg", m["message"])
			assert.EqualValues(t, 1, m["k"])
		})
	}
}

func TestToFields_DropsMalformedPairs(t *testing.T) {
	fields := toFields([]any{"a", 1, 2, "b", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, fields)
	assert.Empty(t, toFields(nil))
}

func TestZerologLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, zerologLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, zerologLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, zerologLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, zerologLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, zerologLevel("bogus"))
}

func TestNewZerolog_WritesPlainCopyToFile(t *testing.T) {
	var file bytes.Buffer
	logger := NewZerolog(&file, "info")
	logger.Debug().Msg("hidden")
	logger.Info().Str("link", "udp").Msg("link up")

	out := file.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "link up")
	assert.Contains(t, out, "link=udp")
	assert.NotContains(t, out, "\x1b[", "file copy must not carry color codes")
}
