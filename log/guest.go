package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxGuestLine caps a buffered partial line before it is flushed anyway.
const maxGuestLine = 64 * 1024

// GuestWriter forwards a sandbox's stderr to slog, one record per line.
type GuestWriter struct {
	logger *slog.Logger
	plugin string
	buf    []byte
	mu     sync.Mutex
}

// NewGuestWriter returns a writer that logs each complete line at Info,
// tagged with the plugin name.
func NewGuestWriter(logger *slog.Logger, plugin string) *GuestWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuestWriter{logger: logger, plugin: plugin}
}

// Write implements io.Writer.
func (w *GuestWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxGuestLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *GuestWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *GuestWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.LogAttrs(context.Background(), slog.LevelInfo, string(line),
		slog.String("plugin", w.plugin), slog.String("stream", "stderr"))
}
