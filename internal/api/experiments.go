package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"neurofleet/internal/storage"
)

func (s *Server) handleGetBestGenotype(w http.ResponseWriter, r *http.Request) {
	s.serveCheckpointed(w, r, "best genotype", func(ctx context.Context, id string) (any, error) {
		return s.experiments.BestGenotype(ctx, id)
	})
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.serveCheckpointed(w, r, "diagnostics", func(ctx context.Context, id string) (any, error) {
		return s.experiments.Diagnostics(ctx, id)
	})
}

func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	s.serveCheckpointed(w, r, "lineage", func(ctx context.Context, id string) (any, error) {
		return s.experiments.Lineage(ctx, id)
	})
}

// serveCheckpointed answers with what read returns for the {id} parameter.
// Records not checkpointed yet are reported as 404.
func (s *Server) serveCheckpointed(w http.ResponseWriter, r *http.Request, what string, read func(ctx context.Context, id string) (any, error)) {
	if s.experiments == nil {
		s.writeError(w, http.StatusNotFound, "no experiments on this coordinator")
		return
	}
	v, err := read(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	if err != nil {
		s.logger.Error("get "+what, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get "+what)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}
