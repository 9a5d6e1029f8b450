package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/openscans/internal/model"
	"github.com/seantiz/openscans/internal/process"
	"github.com/seantiz/openscans/internal/supervisor"
)

// startErrorResponse carries the worker status alongside a start failure so
// callers can tell a dead spawn from a slow one.
type startErrorResponse struct {
	Error  string             `json:"error"`
	Status model.ServerStatus `json:"status"`
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	// The readiness wait is bounded by the configured startup timeout, which
	// may exceed the server write timeout.
	s.clearWriteDeadline(w, "start")

	st, err := s.sup.Start(r.Context())
	if err == nil {
		s.writeJSON(w, http.StatusOK, st)
		return
	}

	var spawnErr *process.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		s.writeJSON(w, http.StatusBadGateway, startErrorResponse{Error: err.Error(), Status: st})
	case errors.Is(err, supervisor.ErrStartupTimeout), errors.Is(err, supervisor.ErrWorkerExited):
		s.writeJSON(w, http.StatusGatewayTimeout, startErrorResponse{Error: err.Error(), Status: st})
	default:
		s.logger.Error("start worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start inference server")
	}
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.Status(r.Context()))
}
