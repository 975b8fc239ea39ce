// Package logutil wires structured logging for the bridge: a slog.Handler
// that injects context-scoped attributes (archive set, source label, queue
// item id) and a rotating file sink via lumberjack.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Handler is a slog.Handler that merges context-carried attributes into
// every record before delegating to the wrapped handler.
type Handler struct {
	handler slog.Handler
}

// WrapHandler wraps h so that attributes attached via WithAttrs/With are
// merged into every record handled through the returned Handler.
func WrapHandler(h slog.Handler) Handler {
	if h == nil {
		h = slog.NewJSONHandler(os.Stdout, nil)
	}
	return Handler{handler: h}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	d, ok := ctx.Value(dataKey{}).(data)
	if ok {
		r = r.Clone()
		for _, attr := range d {
			r.AddAttrs(attr)
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{handler: h.handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{handler: h.handler.WithGroup(name)}
}

// Config controls rotation and level for the file sink.
type Config struct {
	Level      slog.Leveler
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// NewLogger builds a *slog.Logger that writes to stdout and, if cfg.File is
// set, to a lumberjack-rotated file as well.
func NewLogger(cfg Config) *slog.Logger {
	var w io.Writer = os.Stdout

	if cfg.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			Compress:   cfg.Compress,
		})
	}

	level := cfg.Level
	if level == nil {
		level = slog.LevelInfo
	}

	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(WrapHandler(base))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type dataKey struct{}

type data map[string]slog.Attr

func cloneData(ctx context.Context) data {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return data{}
	}
	return maps.Clone(d)
}

// WithAttrs returns a context carrying attrs merged with any already
// attached. Attributes attached this way are injected into every log
// record produced while the context is in scope.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	d := cloneData(ctx)
	for _, a := range attrs {
		d[a.Key] = a
	}
	return context.WithValue(ctx, dataKey{}, d)
}

// With is the key-value convenience form of WithAttrs.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}
	var r slog.Record
	r.Add(kvargs...)

	d := cloneData(ctx)
	r.Attrs(func(a slog.Attr) bool {
		d[a.Key] = a
		return true
	})
	return context.WithValue(ctx, dataKey{}, d)
}
