// Package logagg aggregates log records from the supervisor and every worker
// into one ordered log file.
package logagg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// FileName is the deterministic log file of a run.
func FileName(dir, studentKind, outputName string) string {
	return filepath.Join(dir, fmt.Sprintf("supervisor-%s-%s.log", studentKind, filepath.Base(outputName)))
}

// Listener drains the log channel into a sink in arrival order. It stops only
// when it receives the shutdown sentinel.
type Listener struct {
	ch      broker.LogChannel
	sink    slog.Handler
	closer  func() error
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	written int

	mu  sync.Mutex
	err error
}

// Open creates the log file at path and a listener writing to it in the
// given format ("json" or "text").
func Open(ch broker.LogChannel, path, format string) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var sink slog.Handler = slog.NewTextHandler(f, opts)
	if format == "json" {
		sink = slog.NewJSONHandler(f, opts)
	}
	l := New(ch, sink)
	l.closer = f.Close
	return l, nil
}

// New returns a listener writing to sink. The caller owns the sink.
func New(ch broker.LogChannel, sink slog.Handler) *Listener {
	return &Listener{ch: ch, sink: sink, cancel: func() {}, done: make(chan struct{})}
}

// Start launches the listener goroutine. It must run before any worker.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.started = true
	go l.loop(ctx)
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	for {
		rec, err := l.ch.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.setErr(err)
			}
			return
		}
		if rec.Shutdown {
			return
		}
		if err := l.write(rec); err != nil {
			l.setErr(err)
		}
	}
}

func (l *Listener) write(rec domain.LogRecord) error {
	r := slog.NewRecord(rec.Time, ParseLevel(rec.Level), rec.Message, 0)
	if rec.Source != "" {
		r.AddAttrs(slog.String("source", rec.Source))
	}
	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, rec.Attrs[k]))
	}
	l.written++
	return l.sink.Handle(context.Background(), r)
}

// Stop sends the shutdown sentinel and waits until every record emitted
// before it has been written. If ctx expires first the listener is cut off.
func (l *Listener) Stop(ctx context.Context) error {
	if err := l.ch.Emit(context.Background(), domain.LogRecord{Shutdown: true}); err != nil {
		l.setErr(fmt.Errorf("emit shutdown: %w", err))
		l.cancel()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		l.cancel()
		if l.started {
			<-l.done
		}
		l.setErr(fmt.Errorf("log listener did not drain: %w", ctx.Err()))
	}
	if l.closer != nil {
		if err := l.closer(); err != nil {
			l.setErr(err)
		}
	}
	return l.Err()
}

// Written is the number of records written. Valid after Stop.
func (l *Listener) Written() int { return l.written }

func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}
