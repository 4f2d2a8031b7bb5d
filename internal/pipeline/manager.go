package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// Manager owns the live sessions and enforces the concurrency cap. Stopped
// sessions stay registered for inspection until pruned or removed.
type Manager struct {
	cfg     config.Config
	deps    Deps
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg config.Config, log *slog.Logger) *Manager {
	logger := log.With(slog.String("component", "session-manager"))
	return &Manager{
		cfg: cfg,
		deps: Deps{
			Audio:    cfg.Audio,
			STT:      cfg.STT,
			Sessions: cfg.Sessions,
		},
		log:      logger,
		metrics:  NewMetrics(logger),
		sessions: make(map[string]*Session),
	}
}

// Defaults returns the baseline session config for this daemon.
func (m *Manager) Defaults() SessionConfig {
	return DefaultSessionConfig(m.cfg)
}

// CreateSession resolves the configuration, constructs a session around the
// resulting source and engine, and registers it. The returned session is in
// CREATED state; the caller starts it.
func (m *Manager) CreateSession(cfg SessionConfig, sinks []Sink) (*Session, error) {
	m.mu.Lock()
	m.pruneStoppedLocked()
	active := 0
	for _, s := range m.sessions {
		if s.State() != StateStopped {
			active++
		}
	}
	if active >= m.cfg.Sessions.MaxConcurrent {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	m.mu.Unlock()

	source, engine, err := Resolve(cfg, m.deps)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	session := NewSession(id, cfg, source, engine, sinks, Options{
		Logger:          m.log,
		FinalizeTimeout: time.Duration(m.cfg.STT.FinalizeTimeoutMS) * time.Millisecond,
		EventQueueSize:  m.cfg.Sessions.EventQueueSize,
		VAD:             m.vadConfig(cfg),
		Metrics:         m.metrics,
	})

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	m.log.Info("session created",
		slog.String("session_id", id),
		slog.String("engine", cfg.Engine),
		slog.String("source", string(cfg.Source)))
	return session, nil
}

func (m *Manager) vadConfig(cfg SessionConfig) vad.Config {
	maxFrames := 0
	if m.cfg.VAD.MaxUtteranceMS > 0 && cfg.FrameDurationMS > 0 {
		maxFrames = m.cfg.VAD.MaxUtteranceMS / cfg.FrameDurationMS
	}
	return vad.Config{
		Threshold:          m.cfg.VAD.Threshold,
		StartFrames:        m.cfg.VAD.StartFrames,
		EndFrames:          m.cfg.VAD.EndFrames,
		PrerollFrames:      m.cfg.VAD.PrerollFrames,
		MaxUtteranceFrames: maxFrames,
	}
}

// Get returns a registered session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove stops and unregisters a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		_ = s.Stop()
	}
}

// List snapshots every registered session.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// StopAll stops every session, used on daemon shutdown. The context bounds
// the total wait.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_ = s.Stop()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("session shutdown timed out", slog.Int("sessions", len(sessions)))
	}
}

// pruneStoppedLocked drops stopped sessions once the registry grows past
// the concurrency cap, keeping recent history inspectable without leaking.
func (m *Manager) pruneStoppedLocked() {
	if len(m.sessions) <= m.cfg.Sessions.MaxConcurrent*2 {
		return
	}
	for id, s := range m.sessions {
		if s.State() == StateStopped {
			delete(m.sessions, id)
		}
	}
}
