package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// LineFunc receives each complete line written to a Writer.
type LineFunc func(line string)

// Writer is an io.Writer that splits child process output into lines,
// logs each one and optionally hands it to a callback.
type Writer struct {
	logger *slog.Logger
	attrs  []any
	onLine LineFunc

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter constructs a Writer bound to the provided logger.
// attrs are appended to every "command output" record.
func NewWriter(logger *slog.Logger, onLine LineFunc, attrs ...any) *Writer {
	return &Writer{logger: logger, onLine: onLine, attrs: attrs}
}

// Write buffers p and emits every complete line.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	line := w.buf.String()
	w.buf.Reset()
	w.emit(line)
}

func (w *Writer) emit(raw string) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if w.logger != nil {
		args := append([]any{"line", line}, w.attrs...)
		w.logger.Debug("command output", args...)
	}
	if w.onLine != nil {
		w.onLine(line)
	}
}
