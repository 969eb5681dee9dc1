package log

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored in the context by ContextAttrs to
// every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	// copy, so sibling contexts never share a backing array
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	if ok {
		merged = append(merged, a...)
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, slogKey, merged)
}

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"secret":        {},
	"password":      {},
	"sudo_password": {},
	"sudopassword":  {},
}

// Redact is a slog ReplaceAttr func masking the values of credential keys.
func Redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// New returns a JSON logger writing to w, debug level when verbose.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   false,
		Level:       level,
		ReplaceAttr: Redact,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}
