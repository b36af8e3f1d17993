package logagg

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// LineWriter turns raw output into log records, one per line. The supervisor
// attaches one to each worker's stdout and stderr.
type LineWriter struct {
	ch     broker.LogChannel
	source string
	level  string

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLineWriter(ch broker.LogChannel, source, level string) *LineWriter {
	return &LineWriter{ch: ch, source: source, level: level}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(idx+1), "\r\n"))
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.emit(line)
}

func (w *LineWriter) emit(line string) error {
	if line == "" {
		return nil
	}
	return w.ch.Emit(context.Background(), domain.LogRecord{
		Time:    time.Now(),
		Level:   w.level,
		Source:  w.source,
		Message: line,
	})
}
