package logagg

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// Handler is a slog.Handler that forwards records into the log channel so a
// single listener can write them.
type Handler struct {
	ch     broker.LogChannel
	source string
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

func NewHandler(ch broker.LogChannel, source string, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{ch: ch, source: source, level: level}
}

// NewLogger returns a logger whose records travel over ch.
func NewLogger(ch broker.LogChannel, source string, level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(ch, source, level))
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		putAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		putAttr(attrs, h.group, a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	// Emission must survive cancellation of the caller's context, otherwise
	// the tail of an aborted run is lost.
	return h.ch.Emit(context.Background(), domain.LogRecord{
		Time:    ts,
		Level:   r.Level.String(),
		Source:  h.source,
		Message: r.Message,
		Attrs:   attrs,
	})
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	cp.attrs = append(cp.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	if h.group != "" {
		cp.group = h.group + "." + name
	} else {
		cp.group = name
	}
	return &cp
}

func putAttr(dst map[string]any, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, ga := range v.Group() {
			putAttr(dst, key, ga)
		}
	case slog.KindTime:
		dst[key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		dst[key] = v.Any()
	default:
		dst[key] = v.Any()
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
