package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"neurofleet/internal/model"
	"neurofleet/internal/scheduler"
)

const maxBodySize = 4 << 20

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.touchNode(w, r, s.scheduler.Register)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.touchNode(w, r, s.scheduler.Heartbeat)
}

func (s *Server) touchNode(w http.ResponseWriter, r *http.Request, touch func(string, map[string]any) (model.Node, error)) {
	name := chi.URLParam(r, "name")
	var info map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	node, err := touch(name, info)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

// handleAssignment long-polls for the node's next job. It answers 204 when
// nothing was assigned within the wait window.
func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	wait := time.Duration(0)
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = d
	}
	if wait > maxLongPoll {
		wait = maxLongPoll
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	job, err := s.scheduler.WaitAssignment(ctx, name)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, job)
	case errors.Is(err, scheduler.ErrUnknownNode):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
	default:
		s.logger.Error("wait assignment", "node", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to wait for assignment")
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": s.scheduler.Nodes()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.scheduler.Node(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}
