package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const wsReadDeadline = 120 * time.Second

// wsConn serializes writes; transcript delivery and control replies come
// from different goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsSink delivers session events straight onto the socket.
type wsSink struct {
	conn *wsConn
}

func (s *wsSink) Deliver(ev protocol.TranscriptEvent) error {
	return s.conn.writeJSON(ev)
}

// Close is a no-op; the handler owns the socket.
func (s *wsSink) Close() error { return nil }

// handleWS runs one streaming session per connection. The first client
// message configures the session; every binary message after that is one
// PCM frame. Wrong-size frames are reported per-frame and skipped, queue
// overrun ends the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	_ = raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	cfg, err := s.readStartMessage(raw)
	if err != nil {
		_ = conn.writeJSON(protocol.ErrorMessage{
			Type:      protocol.EventTypeError,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	session, err := s.manager.CreateSession(cfg, s.sinks(&wsSink{conn: conn}))
	if err != nil {
		_ = conn.writeJSON(protocol.ErrorMessage{
			Type:      protocol.EventTypeError,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	defer func() { _ = session.Stop() }()

	push, ok := session.Source().(*audio.PushSource)
	if !ok {
		_ = conn.writeJSON(protocol.ErrorMessage{
			Type:      protocol.EventTypeError,
			SessionID: session.ID(),
			Message:   "streaming sessions require a push source",
			Timestamp: time.Now(),
		})
		return
	}

	if s.store != nil {
		if err := s.store.AppendSession(r.Context(), session.ID(), cfg.Engine, string(cfg.Source)); err != nil {
			s.log.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}

	if err := session.Start(r.Context()); err != nil {
		_ = conn.writeJSON(protocol.ErrorMessage{
			Type:      protocol.EventTypeError,
			SessionID: session.ID(),
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	running := protocol.StatusMessage{
		Type:      protocol.EventTypeStatus,
		SessionID: session.ID(),
		State:     string(pipeline.StateRunning),
		Timestamp: time.Now(),
	}
	_ = conn.writeJSON(running)
	s.publishStatus(running)

	s.readLoop(conn, raw, session, push)

	// Stop flushes remaining finals through the sink before the status.
	_ = session.Stop()
	stopped := protocol.StatusMessage{
		Type:      protocol.EventTypeStatus,
		SessionID: session.ID(),
		State:     string(pipeline.StateStopped),
		Timestamp: time.Now(),
	}
	_ = conn.writeJSON(stopped)
	s.publishStatus(stopped)
}

// readStartMessage expects the session configuration as the first frame.
func (s *Server) readStartMessage(raw *websocket.Conn) (pipeline.SessionConfig, error) {
	cfg := s.manager.Defaults()
	cfg.Source = pipeline.SourcePush

	msgType, payload, err := raw.ReadMessage()
	if err != nil {
		return cfg, errors.New("expected start message")
	}
	if msgType != websocket.TextMessage {
		return cfg, errors.New("first message must be a JSON start message")
	}
	var start protocol.StartMessage
	if err := json.Unmarshal(payload, &start); err != nil {
		return cfg, errors.New("malformed start message")
	}
	if start.Type != protocol.MessageTypeStart {
		return cfg, errors.New("first message must have type \"start\"")
	}

	if start.Engine != "" {
		cfg.Engine = start.Engine
	}
	if start.ModelSize != "" {
		cfg.ModelSize = start.ModelSize
	}
	if start.Language != "" {
		cfg.Language = start.Language
	}
	if start.PartialResults != nil {
		cfg.PartialResults = *start.PartialResults
	}
	if start.VADEnabled != nil {
		cfg.VADEnabled = *start.VADEnabled
	}
	if start.SampleRate > 0 {
		cfg.SampleRate = start.SampleRate
	}
	if start.FrameDurationMS > 0 {
		cfg.FrameDurationMS = start.FrameDurationMS
	}
	return cfg, nil
}

func (s *Server) readLoop(conn *wsConn, raw *websocket.Conn, session *pipeline.Session, push *audio.PushSource) {
	for {
		_ = raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
		msgType, payload, err := raw.ReadMessage()
		if err != nil {
			// Client went away; the deferred Stop cleans up.
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := push.Push(payload); err != nil {
				switch {
				case errors.Is(err, audio.ErrBadFrame):
					_ = conn.writeJSON(protocol.ErrorMessage{
						Type:      protocol.EventTypeError,
						SessionID: session.ID(),
						Message:   err.Error(),
						Timestamp: time.Now(),
					})
				default:
					// Overrun or closed source ends the session.
					_ = conn.writeJSON(protocol.ErrorMessage{
						Type:      protocol.EventTypeError,
						SessionID: session.ID(),
						Message:   err.Error(),
						Timestamp: time.Now(),
					})
					return
				}
			}
		case websocket.TextMessage:
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case protocol.MessageTypeStop:
				// Let the loop drain the queue to EOF so nothing already
				// pushed is dropped, then stop.
				push.Finish()
				select {
				case <-session.Done():
				case <-time.After(30 * time.Second):
				}
				return
			case protocol.MessageTypePing:
				_ = conn.writeJSON(map[string]string{"type": protocol.MessageTypePong})
			}
		}
	}
}
