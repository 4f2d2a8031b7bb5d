// Package server exposes the streaming and batch transcription boundaries
// over HTTP: a gorilla/websocket endpoint for live audio and a chi-routed
// JSON API for batch jobs, device listing, and session inspection.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcriptstore"
)

type Server struct {
	cfg      config.Config
	manager  *pipeline.Manager
	store    *transcriptstore.Store
	bus      *bus.Client // nil when the bus is disabled
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *pipeline.Manager, store *transcriptstore.Store, busClient *bus.Client, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		bus:     busClient,
		log:     log.With(slog.String("component", "server")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/transcribe", s.handleWS)
	r.Post("/api/transcribe", s.handleBatch)
	r.Get("/api/devices", s.handleDevices)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/sessions/{id}/transcript", s.handleTranscript)
	return r
}

// sinks assembles the per-session sink chain: always the caller's primary
// sink, plus bus and store fan-out when those subsystems are up.
func (s *Server) sinks(primary pipeline.Sink) []pipeline.Sink {
	out := []pipeline.Sink{primary}
	if s.bus != nil && s.bus.Healthy() {
		out = append(out, pipeline.NewBusSink(s.bus.Conn()))
	}
	if s.store != nil {
		out = append(out, pipeline.NewStoreSink(s.store))
	}
	return out
}

// publishStatus mirrors session lifecycle transitions onto the bus so
// off-process consumers can track sessions without a socket attached.
func (s *Server) publishStatus(msg protocol.StatusMessage) {
	if s.bus == nil || !s.bus.Healthy() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionStatus, data); err != nil {
		s.log.Warn("status publish failed",
			slog.String("session_id", msg.SessionID),
			slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
