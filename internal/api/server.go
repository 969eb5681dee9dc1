package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/service"
)

// Supervisor is the part of service.Supervisor the HTTP adapter drives.
type Supervisor interface {
	Submit(ctx context.Context, req model.JobRequest) (model.JobRecord, error)
	Attach(ctx context.Context) (*service.Stream, error)
	AttachKind(ctx context.Context, kind model.JobKind) (*service.Stream, error)
	Current(ctx context.Context) (model.JobRecord, error)
	Certificate(ctx context.Context, kind model.JobKind) (model.Certificate, error)
}

type Server struct {
	sup       Supervisor
	keepalive time.Duration
	router    *chi.Mux
}

// NewServer returns the HTTP adapter of sup. Event streams send a keepalive
// comment every keepalive, zero disables them.
func NewServer(sup Supervisor, keepalive time.Duration) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware)
	r.Use(middleware.Recoverer)

	s := &Server{
		sup:       sup,
		keepalive: keepalive,
		router:    r,
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) routes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/test", s.handleTest)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/current", s.handleCurrent)
		r.Get("/jobs/current/events", s.handleEvents)
		r.Get("/certificates/{kind}", s.handleCertificate)

		// routes of the first web client
		r.Post("/wipe", s.handleLegacyWipe)
		r.Get("/wipe-progress", s.handleLegacyProgress(model.JobKindWipe, "No wipe running"))
		r.Post("/factory-reset", s.handleLegacyFactoryReset)
		r.Get("/factory-progress", s.handleLegacyProgress(model.JobKindFactoryReset, "No factory reset running"))
	})
}

// Serve listens on addr until ctx is done, then shuts the server down. Open
// event streams are detached, jobs keep running.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errs := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "starting server", "addr", addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError translates err to a status code. Unexpected errors are logged and
// reported without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
