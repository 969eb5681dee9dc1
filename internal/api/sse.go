package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/service"
)

// progressFormat selects how progress events are framed. The legacy routes
// send them as unnamed messages.
type progressFormat bool

const (
	namedProgress   progressFormat = true
	unnamedProgress progressFormat = false
)

// stream writes the events of stream as text/event-stream until the done
// event or until the client goes away. Closing the stream after the done event
// lets the supervisor become idle, closing it earlier only detaches.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, stream *service.Stream, format progressFormat) {
	defer stream.Close()
	ctx := r.Context()
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.WarnContext(ctx, "flushing event stream failed", "error", err)
		return
	}

	for {
		nextCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.keepalive > 0 {
			nextCtx, cancel = context.WithTimeout(ctx, s.keepalive)
		}
		ev, err := stream.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeEvent(w, ev, format); err != nil {
				slog.DebugContext(ctx, "writing event failed", "error", err)
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		default:
			slog.DebugContext(ctx, "event stream ended", "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
		if err == nil && ev.Terminal() {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev model.Event, format progressFormat) error {
	data, err := ev.Data()
	if err != nil {
		return err
	}
	if ev.Type == model.EventProgress && format == unnamedProgress {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
