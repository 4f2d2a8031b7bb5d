package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// State is the session lifecycle phase.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Options tunes a session beyond its SessionConfig.
type Options struct {
	Logger          *slog.Logger
	FinalizeTimeout time.Duration
	EventQueueSize  int
	// VAD is consulted only when the session config enables VAD.
	VAD     vad.Config
	Metrics *Metrics
}

// SessionInfo is a read-only snapshot for the inspection API.
type SessionInfo struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Engine     string    `json:"engine"`
	Source     string    `json:"source"`
	Utterances uint64    `json:"utterances"`
	StartedAt  time.Time `json:"started_at"`
}

// Session drives one frame stream through VAD segmentation and recognition,
// emitting ordered transcript events to its sinks. All events flow through
// a single queue drained by one dispatcher goroutine, which is what makes
// the per-session ordering guarantees hold: a final for utterance N is
// enqueued under the session mutex after which no partial can be tagged
// with N.
type Session struct {
	id        string
	cfg       SessionConfig
	source    audio.FrameSource
	engine    stt.Engine
	streaming stt.StreamingEngine // nil for batch engines
	sinks     []Sink
	log       *slog.Logger
	metrics   *Metrics

	detector        *vad.Detector // nil when VAD is disabled
	finalizeTimeout time.Duration

	mu          sync.Mutex
	state       State
	utteranceID uint64 // open utterance, 0 = none
	utterCount  uint64
	buffer      []byte // open utterance PCM, batch engines only
	eventsDone  bool

	events chan protocol.TranscriptEvent

	cancel       context.CancelFunc
	loopDone     chan struct{}
	forwardDone  chan struct{}
	dispatchDone chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

func NewSession(id string, cfg SessionConfig, source audio.FrameSource, engine stt.Engine, sinks []Sink, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.EventQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	finalizeTimeout := opts.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = 45 * time.Second
	}

	s := &Session{
		id:              id,
		cfg:             cfg,
		source:          source,
		engine:          engine,
		sinks:           sinks,
		log:             logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		metrics:         opts.Metrics,
		finalizeTimeout: finalizeTimeout,
		state:           StateCreated,
		events:          make(chan protocol.TranscriptEvent, queueSize),
		loopDone:        make(chan struct{}),
		forwardDone:     make(chan struct{}),
		dispatchDone:    make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	if se, ok := engine.(stt.StreamingEngine); ok {
		s.streaming = se
	}
	if cfg.VADEnabled {
		s.detector = vad.NewDetector(opts.VAD)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Source exposes the session's frame source so transports can feed it
// (PushSource) without the session brokering every frame.
func (s *Session) Source() audio.FrameSource { return s.source }

// Done is closed once the session has fully stopped and all events have
// been flushed to the sinks.
func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		State:      s.state,
		Engine:     s.engine.Name(),
		Source:     string(s.cfg.Source),
		Utterances: s.utterCount,
		StartedAt:  s.startedAt,
	}
}

// Start opens the source and launches the frame loop. The loop lifetime is
// controlled by Stop, not by the passed context.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.source.Open(ctx); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.eventsDone = true
		close(s.events)
		s.mu.Unlock()
		close(s.loopDone)
		close(s.forwardDone)
		close(s.dispatchDone)
		_ = s.engine.Close()
		return fmt.Errorf("open source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.sessionStarted(s.engine.Name())
	s.log.Info("session started",
		slog.String("engine", s.engine.Name()),
		slog.String("source", string(s.cfg.Source)),
		slog.Bool("vad", s.cfg.VADEnabled))

	go s.dispatch()
	if s.streaming != nil {
		go s.forwardPartials()
	} else {
		close(s.forwardDone)
	}
	go s.run(loopCtx)
	// Self-stop when the frame loop drains (EOF, fatal source error).
	go func() {
		<-s.loopDone
		_ = s.Stop()
	}()
	return nil
}

// Stop drains the session: cancels the frame loop, waits for any in-flight
// finalize, force-finalizes an open utterance, flushes the event queue to
// the sinks, and releases the source and engine. Idempotent and safe to
// call concurrently; late callers block until the first Stop completes.
func (s *Session) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *Session) stop() {
	defer close(s.stopped)
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateStopped
		s.eventsDone = true
		close(s.events)
		s.mu.Unlock()
		_ = s.engine.Close()
		_ = s.source.Close()
		s.closeSinks()
		return
	}
	if s.state == StateRunning {
		s.state = StateStopping
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.loopDone

	_ = s.engine.Close() // closes the partial stream
	<-s.forwardDone
	_ = s.source.Close()

	s.mu.Lock()
	s.state = StateStopped
	if !s.eventsDone {
		s.eventsDone = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.dispatchDone
	s.closeSinks()

	s.metrics.sessionStopped(s.engine.Name())
	s.log.Info("session stopped", slog.Uint64("utterances", s.utterCount))
}

func (s *Session) closeSinks() {
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.log.Warn("sink close failed", slog.String("error", err.Error()))
		}
	}
}

// run is the frame loop. It blocks only on ReadFrame and on finalize calls.
func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)
	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			s.finishLoop(err)
			return
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *Session) finishLoop(err error) {
	// Close any open utterance before reporting how the stream ended.
	if s.detector != nil {
		if b := s.detector.Flush(); b != nil {
			s.closeUtterance()
		}
	} else {
		s.closeUtterance()
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		// End of stream or Stop; nothing to report.
	default:
		s.log.Error("audio source failed", slog.String("error", err.Error()))
		s.metrics.sourceFailure()
		s.mu.Lock()
		s.emitLocked(protocol.TranscriptEvent{
			Type:      protocol.EventTypeError,
			SessionID: s.id,
			Error:     err.Error(),
			EmittedAt: time.Now(),
		})
		s.mu.Unlock()
	}
}

func (s *Session) handleFrame(ctx context.Context, frame audio.Frame) {
	if s.detector == nil {
		s.mu.Lock()
		open := s.utteranceID != 0
		s.mu.Unlock()
		if !open {
			s.openUtterance()
		}
		s.feedFrame(ctx, frame)
		return
	}

	boundary := s.detector.Feed(frame)
	switch {
	case boundary != nil && boundary.Kind == vad.BoundaryStart:
		s.openUtterance()
		for _, f := range boundary.Frames {
			s.feedFrame(ctx, f)
		}
	case boundary != nil && boundary.Kind == vad.BoundaryEnd:
		s.feedFrame(ctx, frame)
		s.closeUtterance()
	case s.detector.Active():
		s.feedFrame(ctx, frame)
	}
}

func (s *Session) feedFrame(ctx context.Context, frame audio.Frame) {
	if s.streaming != nil {
		if err := s.streaming.Submit(ctx, frame.PCM); err != nil {
			s.log.Warn("engine rejected frame", slog.String("error", err.Error()))
		}
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, frame.PCM...)
	s.mu.Unlock()
}

func (s *Session) openUtterance() {
	s.mu.Lock()
	s.utterCount++
	s.utteranceID = s.utterCount
	s.buffer = s.buffer[:0]
	id := s.utteranceID
	s.mu.Unlock()
	s.log.Debug("utterance opened", slog.Uint64("utterance_id", id))
}

// closeUtterance finalizes the open utterance, if any, and emits exactly
// one final event for it. Recognition failures are recoverable: the final
// carries the error and the loop goes on. The finalize context is detached
// from the loop context so Stop never aborts an in-flight finalize.
func (s *Session) closeUtterance() {
	s.mu.Lock()
	id := s.utteranceID
	if id == 0 {
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), s.buffer...)
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(context.Background(), s.finalizeTimeout)
	defer cancel()

	var res stt.Result
	var err error
	if s.streaming != nil {
		res, err = s.streaming.Finalize(fctx)
		if err != nil {
			// A failed finalize can leave decoder state behind; clear it
			// so the next utterance starts clean.
			s.streaming.Reset()
		}
		// The engine emits no more hypotheses for this utterance once
		// Finalize has returned. Let the forwarder drain what is already
		// queued so a leftover partial is tagged with this utterance or
		// dropped, never with the next one.
		for len(s.streaming.Partials()) > 0 {
			time.Sleep(time.Millisecond)
		}
	} else {
		res, err = s.engine.TranscribeBatch(fctx, pcm)
	}
	if err != nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: finalize exceeded %s", stt.ErrRecognitionTimeout, s.finalizeTimeout)
	}

	ev := protocol.TranscriptEvent{
		Type:        protocol.EventTypeTranscript,
		SessionID:   s.id,
		UtteranceID: id,
		IsFinal:     true,
		EmittedAt:   time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		s.metrics.recognitionError(s.engine.Name())
		s.log.Warn("utterance recognition failed",
			slog.Uint64("utterance_id", id),
			slog.String("error", err.Error()))
	} else {
		ev.Text = res.Text
		ev.Confidence = res.Confidence
	}

	s.mu.Lock()
	s.emitLocked(ev)
	s.utteranceID = 0
	s.buffer = s.buffer[:0]
	s.mu.Unlock()
	s.metrics.utteranceFinalized(s.engine.Name())
}

// forwardPartials moves engine partials into the ordered event queue,
// tagging each with the currently open utterance id under the session
// mutex. Partials with no open utterance, or after partials were disabled,
// are dropped; the channel is still drained so the engine never blocks.
func (s *Session) forwardPartials() {
	defer close(s.forwardDone)
	for res := range s.streaming.Partials() {
		s.mu.Lock()
		if s.cfg.PartialResults && s.utteranceID != 0 && (s.state == StateRunning || s.state == StateStopping) {
			s.emitLocked(protocol.TranscriptEvent{
				Type:        protocol.EventTypeTranscript,
				SessionID:   s.id,
				UtteranceID: s.utteranceID,
				Text:        res.Text,
				IsFinal:     false,
				Confidence:  res.Confidence,
				EmittedAt:   time.Now(),
			})
		}
		s.mu.Unlock()
	}
}

// emitLocked enqueues an event; the caller holds s.mu, which is what keeps
// finals and partials for the same utterance id in order.
func (s *Session) emitLocked(ev protocol.TranscriptEvent) {
	if s.eventsDone {
		return
	}
	s.events <- ev
}

// dispatch delivers queued events to every sink in order.
func (s *Session) dispatch() {
	defer close(s.dispatchDone)
	for ev := range s.events {
		for _, sink := range s.sinks {
			if err := sink.Deliver(ev); err != nil {
				s.log.Warn("sink delivery failed",
					slog.Uint64("utterance_id", ev.UtteranceID),
					slog.String("error", err.Error()))
			}
		}
	}
}
