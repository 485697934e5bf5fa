// Package api exposes the HTTP query surface: aggregates, the location
// report, the live event stream, command submission, and detection
// submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigia-iot/vigia/internal/livebus"
	"github.com/vigia-iot/vigia/internal/metrics"
	"github.com/vigia-iot/vigia/internal/types"
	"github.com/vigia-iot/vigia/internal/vision"
)

// ReportStore is the read surface the API queries.
type ReportStore interface {
	Metrics(ctx context.Context) (types.AggregateMetrics, error)
	LastLocations(ctx context.Context) ([]types.TagLocation, error)
}

// CommandSender dispatches actuator commands.
type CommandSender interface {
	Send(ctx context.Context, device, cmd string) (types.Command, error)
}

// DetectionService runs the detection normalizer.
type DetectionService interface {
	Detect(ctx context.Context, img []byte, confidence float64) (vision.Detection, error)
}

// StatusFunc returns a service status snapshot for the health endpoint.
type StatusFunc func() map[string]any

// Server is the HTTP API server.
type Server struct {
	store      ReportStore
	bus        *livebus.Bus
	commands   CommandSender
	detections DetectionService
	status     StatusFunc
	metrics    *metrics.Metrics

	defaultConfidence float64
	httpServer        *http.Server
}

// Config wires the server's collaborators.
type Config struct {
	Store             ReportStore
	Bus               *livebus.Bus
	Commands          CommandSender
	Detections        DetectionService
	Status            StatusFunc
	Metrics           *metrics.Metrics
	DefaultConfidence float64
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	if cfg.DefaultConfidence == 0 {
		cfg.DefaultConfidence = 0.35
	}
	return &Server{
		store:             cfg.Store,
		bus:               cfg.Bus,
		commands:          cfg.Commands,
		detections:        cfg.Detections,
		status:            cfg.Status,
		metrics:           cfg.Metrics,
		defaultConfidence: cfg.DefaultConfidence,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(allowAllCORS)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/report/location", s.handleLocationReport)
	r.Get("/events", s.handleEvents)
	r.Post("/command/{device}/{cmd}", s.handleCommand)
	r.Post("/vision/detect", s.handleDetect)

	if s.metrics != nil {
		r.Get("/prometheus", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	}

	return r
}

// Start begins serving on addr without blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ln := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			ln <- err
		}
	}()

	// Give the listener a moment to fail fast on a bad address.
	select {
	case err := <-ln:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	slog.Info("http api listening", "addr", addr)
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleLocationReport(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.LastLocations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_locations": locations})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	cmd := chi.URLParam(r, "cmd")

	record, err := s.commands.Send(r.Context(), device, cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "command", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "sent",
		"device": record.Device,
		"cmd":    record.Cmd,
		"ts":     record.TsServer.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	img, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("failed to read upload: %w", err))
		return
	}

	confidence := s.defaultConfidence
	if v := r.FormValue("confidence"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid confidence %q", v))
			return
		}
		confidence = parsed
	}

	det, err := s.detections.Detect(r.Context(), img, confidence)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorKind(err), err)
		return
	}

	writeJSON(w, http.StatusOK, det)
}

// handleEvents streams live events over SSE. The subscriber is detached
// and its resources released as soon as the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream", errors.New("streaming unsupported"))
		return
	}

	id := "viewer-" + uuid.NewString()
	sub, err := s.bus.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "stream", err)
		return
	}
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("live subscriber attached", "subscriber_id", id)
	defer slog.Debug("live subscriber detached", "subscriber_id", id)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: update\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// errorKind maps a detection error to its API taxonomy name.
func errorKind(err error) string {
	switch {
	case errors.Is(err, vision.ErrImageDecode):
		return "image_decode"
	case errors.Is(err, vision.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

// allowAllCORS mirrors the permissive policy of the original deployment;
// the API serves local dashboards only.
func allowAllCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
