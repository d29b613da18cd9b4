package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestWriterSplitsLines(t *testing.T) {
	var lines []string
	w := NewWriter(Discard(), func(line string) { lines = append(lines, line) }, "service", "kaspa-node")

	_, err := w.Write([]byte("pulling layer a\npulling "))
	require.NoError(t, err)
	_, err = w.Write([]byte("layer b\r\n\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("done"))
	require.NoError(t, err)

	assert.Equal(t, []string{"pulling layer a", "pulling layer b"}, lines)

	w.Flush()
	assert.Equal(t, []string{"pulling layer a", "pulling layer b", "done"}, lines)
}

func TestNewLoggerWritesPlainTextToBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown", "phase", "Validating")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "phase=Validating")
	assert.NotContains(t, out, "\x1b[", "non-terminal writers get no color codes")
}
