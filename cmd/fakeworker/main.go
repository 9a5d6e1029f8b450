// fakeworker stands in for the inference worker in end-to-end tests. It serves
// the worker's health and detection endpoints on HOST:PORT and answers with
// canned vertebrae instead of running a model.
//
// FAKEWORKER_STARTUP_DELAY (Go duration) delays the health endpoint reporting
// healthy, imitating model loading.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/openscans/internal/model"
)

const version = "1.0.0-fake"

type worker struct {
	ready  atomic.Bool
	logger *slog.Logger
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	host := envOr("HOST", "127.0.0.1")
	port := envOr("PORT", "8000")
	delay, err := time.ParseDuration(envOr("FAKEWORKER_STARTUP_DELAY", "0s"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid FAKEWORKER_STARTUP_DELAY: %v\n", err)
		os.Exit(2)
	}

	w := &worker{logger: logger}
	logger.Info("fakeworker: loading model", "delay", delay.String())
	time.AfterFunc(delay, func() {
		w.ready.Store(true)
		logger.Info("fakeworker: model loaded")
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/health", w.handleHealth)
	r.Post("/api/detect-vertebrae", w.handleDetect)

	addr := net.JoinHostPort(host, port)
	logger.Info("fakeworker: listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}

func (w *worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	if !w.ready.Load() {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(rw, http.StatusOK, model.HealthInfo{
		Status:        "healthy",
		Message:       "Vertebral detection server is running",
		Version:       version,
		Device:        "cpu",
		CUDAAvailable: false,
		PythonVersion: "none",
	})
}

func (w *worker) handleDetect(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req model.DetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}
	if _, err := os.Stat(req.FilePath); err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"detail": "File not found: " + req.FilePath})
		return
	}

	w.logger.Info("fakeworker: detecting", "file_path", req.FilePath, "fast_mode", req.FastMode)

	labels := []string{"T12", "L1", "L2", "L3", "L4", "L5"}
	if req.FastMode {
		labels = labels[1:]
	}
	vertebrae := make([]model.Vertebra, len(labels))
	for i, label := range labels {
		vertebrae[i] = model.Vertebra{
			Label:      label,
			Center:     model.Point3D{X: 128, Y: 140, Z: float64(40 * (i + 1))},
			Confidence: 0.9,
		}
	}

	writeJSON(rw, http.StatusOK, model.DetectionResult{
		Success:          true,
		Vertebrae:        vertebrae,
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
