package api

import (
	"errors"
	"net/http"

	"github.com/wipeworks/wiped/internal/model"
)

type legacyWipeBody struct {
	Device       string `json:"device"`
	Method       string `json:"method"`
	SudoPassword string `json:"sudoPassword"`
}

type legacyFactoryResetBody struct {
	SudoPassword string `json:"sudoPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleLegacyWipe(w http.ResponseWriter, r *http.Request) {
	var body legacyWipeBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Device == "" || body.Method == "" || body.SudoPassword == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing fields"})
		return
	}
	method, err := model.ParseWipeMethod(body.Method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.legacySubmit(w, r, model.JobRequest{
		Kind:   model.JobKindWipe,
		Target: body.Device,
		Method: method,
		Secret: body.SudoPassword,
	}, "Wipe queued")
}

func (s *Server) handleLegacyFactoryReset(w http.ResponseWriter, r *http.Request) {
	var body legacyFactoryResetBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.SudoPassword == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing sudoPassword"})
		return
	}
	s.legacySubmit(w, r, model.JobRequest{
		Kind:   model.JobKindFactoryReset,
		Secret: body.SudoPassword,
	}, "Factory reset queued")
}

func (s *Server) legacySubmit(w http.ResponseWriter, r *http.Request, req model.JobRequest, msg string) {
	if _, err := s.sup.Submit(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// handleLegacyProgress attaches to the current job of kind. Progress goes out
// as unnamed messages, the certificate as a done event.
func (s *Server) handleLegacyProgress(kind model.JobKind, notRunning string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := s.sup.AttachKind(r.Context(), kind)
		if errors.Is(err, model.ErrNotFound) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(notRunning))
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.stream(w, r, stream, unnamedProgress)
	}
}
