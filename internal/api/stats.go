package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"neurofleet/internal/storage"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Jobs      map[string]int `json:"jobs"`
	Nodes     map[string]int `json:"nodes"`
	Exhausted bool           `json:"exhausted"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st := s.scheduler.Stats()
	resp := statsResponse{
		Jobs:      make(map[string]int, len(st.Jobs)),
		Nodes:     make(map[string]int, len(st.Nodes)),
		Exhausted: st.Exhausted,
	}
	for status, n := range st.Jobs {
		resp.Jobs[string(status)] = n
	}
	for status, n := range st.Nodes {
		resp.Nodes[string(status)] = n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	if s.experiments == nil {
		s.writeError(w, http.StatusNotFound, "no experiments on this coordinator")
		return
	}
	exp, err := s.experiments.Status(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	if err != nil {
		s.logger.Error("get experiment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get experiment")
		return
	}
	s.writeJSON(w, http.StatusOK, exp)
}
