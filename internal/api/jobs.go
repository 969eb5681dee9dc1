package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wipeworks/wiped/internal/model"
)

const maxBodySize = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleTest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Backend alive!")
}

type jobBody struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Method string `json:"method"`
	Secret string `json:"secret"`
}

func (b jobBody) request() (model.JobRequest, error) {
	kind, err := model.ParseJobKind(b.Kind)
	if err != nil {
		return model.JobRequest{}, err
	}
	req := model.JobRequest{
		Kind:   kind,
		Target: b.Target,
		Secret: b.Secret,
	}
	if b.Method != "" {
		req.Method, err = model.ParseWipeMethod(b.Method)
		if err != nil {
			return model.JobRequest{}, err
		}
	}
	return req, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %w", model.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body jobBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.sup.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/current")
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sup.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := s.sup.Attach(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.stream(w, r, stream, namedProgress)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseJobKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	cert, err := s.sup.Certificate(r.Context(), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}
