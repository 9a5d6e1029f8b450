package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/openscans/internal/model"
	"github.com/seantiz/openscans/internal/proxy"
)

// workerErrorResponse relays a non-2xx worker answer.
type workerErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req model.DetectionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Detection on a full scan can outlast the server write timeout.
	s.clearWriteDeadline(w, "detect")

	res, err := s.detector.Detect(r.Context(), req)
	if err == nil {
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	var (
		workerErr    *proxy.WorkerError
		transportErr *proxy.TransportError
		decodeErr    *proxy.DecodeError
	)
	switch {
	case errors.Is(err, proxy.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &workerErr):
		s.writeJSON(w, workerErr.StatusCode, workerErrorResponse{
			Error:      "worker returned an error",
			StatusCode: workerErr.StatusCode,
			Body:       workerErr.Body,
		})
	case errors.As(err, &transportErr), errors.As(err, &decodeErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("detect", "error", err)
		s.writeError(w, http.StatusInternalServerError, "detection failed")
	}
}

// listDetectionsResponse wraps the paginated detection audit.
type listDetectionsResponse struct {
	Detections []*model.Detection `json:"detections"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	detections, total, err := s.store.ListDetections(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list detections", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	if detections == nil {
		detections = []*model.Detection{}
	}

	s.writeJSON(w, http.StatusOK, listDetectionsResponse{
		Detections: detections,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}
