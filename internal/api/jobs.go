package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"neurofleet/internal/model"
	"neurofleet/internal/scheduler"
)

// resultRequest is the JSON body for POST /v1/jobs/{id}/result.
type resultRequest struct {
	Node    string         `json:"node"`
	Fitness *float64       `json:"fitness"`
	Metrics map[string]any `json:"metrics"`
}

// failureRequest is the JSON body for POST /v1/jobs/{id}/failure.
type failureRequest struct {
	Node  string `json:"node"`
	Error string `json:"error"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Fitness == nil {
		s.writeError(w, http.StatusBadRequest, "fitness is required")
		return
	}
	result := model.EvaluationResult{Fitness: *req.Fitness, Metrics: req.Metrics}
	job, err := s.scheduler.ReportResult(chi.URLParam(r, "id"), req.Node, result.JobResults())
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Error == "" {
		req.Error = "evaluation failed"
	}
	job, err := s.scheduler.ReportFailure(chi.URLParam(r, "id"), req.Node, req.Error)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.Jobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Job(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, scheduler.ErrUnknownNode):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("scheduler request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "scheduler error")
	}
}
