package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

const (
	testSampleRate = 16000
	testFrameMS    = 20
)

func testFrameSize() int { return audio.FrameSize(testSampleRate, testFrameMS) }

func silencePCM(frames int) []byte {
	return make([]byte, frames*testFrameSize())
}

func speechPCM(frames int) []byte {
	samples := make([]int16, frames*testFrameSize()/2)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return audio.EncodePCM16(samples)
}

func testVADConfig() vad.Config {
	return vad.Config{Threshold: 0.015, StartFrames: 3, EndFrames: 25, PrerollFrames: 5}
}

func waitStopped(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateStopped {
			// Stop blocks until the first stop fully drains.
			_ = s.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not stop in time")
}

func checkOrdering(t *testing.T, events []protocol.TranscriptEvent) {
	t.Helper()
	finals := map[uint64]bool{}
	var lastID uint64
	for i, ev := range events {
		if ev.Type != protocol.EventTypeTranscript {
			continue
		}
		if ev.UtteranceID == 0 {
			t.Fatalf("event %d: transcript with utterance id 0", i)
		}
		if ev.UtteranceID < lastID {
			t.Fatalf("event %d: utterance id regressed from %d to %d", i, lastID, ev.UtteranceID)
		}
		lastID = ev.UtteranceID
		if finals[ev.UtteranceID] {
			t.Fatalf("event %d: event for utterance %d after its final", i, ev.UtteranceID)
		}
		if ev.IsFinal {
			finals[ev.UtteranceID] = true
		}
	}
}

func TestSessionVADSegmentsOneUtterance(t *testing.T) {
	// 3s silence, 2s speech, 1s silence at 20ms frames.
	var pcm []byte
	pcm = append(pcm, silencePCM(150)...)
	pcm = append(pcm, speechPCM(100)...)
	pcm = append(pcm, silencePCM(50)...)

	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	sink := NewCollectSink()

	session := NewSession("s-vad", cfg, audio.NewBufferSource(pcm, testFrameSize()), stt.NewMockEngine(), []Sink{sink}, Options{
		VAD:             testVADConfig(),
		FinalizeTimeout: 5 * time.Second,
	})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	events := sink.Events()
	checkOrdering(t, events)

	finals := sink.Finals()
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %d: %+v", len(finals), finals)
	}
	if finals[0].UtteranceID != 1 {
		t.Fatalf("expected utterance id 1, got %d", finals[0].UtteranceID)
	}
	if finals[0].Error != "" {
		t.Fatalf("unexpected recognition error: %s", finals[0].Error)
	}

	var partials int
	for _, ev := range events {
		if ev.Type == protocol.EventTypeTranscript && !ev.IsFinal {
			partials++
		}
	}
	if partials == 0 {
		t.Fatal("expected partial events from streaming engine")
	}
}

func TestSessionVADDisabledSingleUtterance(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.VADEnabled = false
	sink := NewCollectSink()

	// Pure silence still yields one utterance when VAD is off.
	session := NewSession("s-novad", cfg, audio.NewBufferSource(silencePCM(100), testFrameSize()), stt.NewMockEngine(), []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	finals := sink.Finals()
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %d", len(finals))
	}
	if finals[0].UtteranceID != 1 {
		t.Fatalf("expected utterance id 1, got %d", finals[0].UtteranceID)
	}
}

func TestSessionPartialsSuppressed(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.VADEnabled = false
	cfg.PartialResults = false
	sink := NewCollectSink()

	session := NewSession("s-nopartials", cfg, audio.NewBufferSource(speechPCM(50), testFrameSize()), stt.NewMockEngine(), []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	for _, ev := range sink.Events() {
		if ev.Type == protocol.EventTypeTranscript && !ev.IsFinal {
			t.Fatalf("partial leaked with partial_results=false: %+v", ev)
		}
	}
	if len(sink.Finals()) != 1 {
		t.Fatalf("expected one final, got %d", len(sink.Finals()))
	}
}

// batchSpy is a batch-only engine that records what it transcribes. It
// deliberately does not implement the streaming interface, so any frame
// submission would fail to compile rather than sneak through.
type batchSpy struct {
	mu    sync.Mutex
	calls [][]byte
	fail  int // fail the first n calls
}

func (b *batchSpy) Name() string { return "exec" }

func (b *batchSpy) TranscribeBatch(_ context.Context, pcm []byte) (stt.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]byte(nil), pcm...))
	if len(b.calls) <= b.fail {
		return stt.Result{}, fmt.Errorf("%w: model offline", stt.ErrRecognitionUnavailable)
	}
	return stt.Result{Text: fmt.Sprintf("batch %d", len(b.calls))}, nil
}

func (b *batchSpy) Close() error { return nil }

func TestSessionBatchEngineGetsWholeUtterance(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.VADEnabled = false
	cfg.PartialResults = false
	cfg.Engine = "exec"
	sink := NewCollectSink()
	spy := &batchSpy{}

	pcm := speechPCM(50)
	session := NewSession("s-batch", cfg, audio.NewBufferSource(pcm, testFrameSize()), spy, []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	if len(spy.calls) != 1 {
		t.Fatalf("expected one batch call, got %d", len(spy.calls))
	}
	if len(spy.calls[0]) != len(pcm) {
		t.Fatalf("expected full utterance of %d bytes, got %d", len(pcm), len(spy.calls[0]))
	}
}

func TestSessionRecoverableRecognitionError(t *testing.T) {
	// Two utterances; recognition fails for the first and recovers.
	var pcm []byte
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)

	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.PartialResults = false
	cfg.Engine = "exec"
	sink := NewCollectSink()
	spy := &batchSpy{fail: 1}

	session := NewSession("s-recover", cfg, audio.NewBufferSource(pcm, testFrameSize()), spy, []Sink{sink}, Options{
		VAD: vad.Config{Threshold: 0.015, StartFrames: 3, EndFrames: 10, PrerollFrames: 2},
	})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	finals := sink.Finals()
	if len(finals) != 2 {
		t.Fatalf("expected two finals, got %d: %+v", len(finals), finals)
	}
	if finals[0].Error == "" {
		t.Fatal("expected first final to carry the recognition error")
	}
	if finals[1].Error != "" || finals[1].Text == "" {
		t.Fatalf("expected second utterance to recover, got %+v", finals[1])
	}
	checkOrdering(t, sink.Events())
}

func TestSessionStopFinalizesOpenUtterance(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.VADEnabled = false
	cfg.PartialResults = false
	sink := NewCollectSink()

	source := audio.NewPushSource(testFrameSize(), 64)
	session := NewSession("s-stop", cfg, source, stt.NewMockEngine(), []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame := speechPCM(1)
	for i := 0; i < 5; i++ {
		if err := source.Push(frame); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	// Wait for the loop to open the utterance before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && session.Info().Utterances == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if session.Info().Utterances == 0 {
		t.Fatal("utterance never opened")
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if session.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", session.State())
	}

	finals := sink.Finals()
	if len(finals) != 1 {
		t.Fatalf("expected the open utterance to be finalized on stop, got %d finals", len(finals))
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.VADEnabled = false
	sink := NewCollectSink()

	session := NewSession("s-idem", cfg, audio.NewBufferSource(silencePCM(10), testFrameSize()), stt.NewMockEngine(), []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = session.Stop()
		}()
	}
	wg.Wait()
	if session.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", session.State())
	}
	if err := session.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on restart, got %v", err)
	}
}

// streamSpy is a streaming engine whose first finalize can be made to fail
// without cleaning up after itself, the way a decoder with a wedged result
// would. It counts Reset calls and records how much audio each finalize saw.
type streamSpy struct {
	mu        sync.Mutex
	partials  chan stt.Result
	buffered  int
	sizes     []int
	failFirst bool
	resets    int
	closed    bool
}

func newStreamSpy(failFirst bool) *streamSpy {
	return &streamSpy{partials: make(chan stt.Result, 16), failFirst: failFirst}
}

func (s *streamSpy) Name() string { return "mock" }

func (s *streamSpy) Submit(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered += len(pcm)
	return nil
}

func (s *streamSpy) Partials() <-chan stt.Result { return s.partials }

func (s *streamSpy) Finalize(context.Context) (stt.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, s.buffered)
	if s.failFirst && len(s.sizes) == 1 {
		// Buffered audio stays put: only Reset clears it.
		return stt.Result{}, fmt.Errorf("%w: decode failed", stt.ErrRecognitionUnavailable)
	}
	text := fmt.Sprintf("final bytes=%d", s.buffered)
	s.buffered = 0
	return stt.Result{Text: text}, nil
}

func (s *streamSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.buffered = 0
}

func (s *streamSpy) TranscribeBatch(_ context.Context, pcm []byte) (stt.Result, error) {
	return stt.Result{Text: fmt.Sprintf("final bytes=%d", len(pcm))}, nil
}

func (s *streamSpy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
	}
	return nil
}

func TestSessionResetsEngineAfterFailedFinalize(t *testing.T) {
	// Two identical utterances; the first finalize fails. The engine must
	// be reset so the second utterance is not decoded on top of the first
	// one's leftover state.
	var pcm []byte
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)

	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.PartialResults = false
	sink := NewCollectSink()
	spy := newStreamSpy(true)

	session := NewSession("s-reset", cfg, audio.NewBufferSource(pcm, testFrameSize()), spy, []Sink{sink}, Options{
		VAD: vad.Config{Threshold: 0.015, StartFrames: 3, EndFrames: 10, PrerollFrames: 2},
	})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	finals := sink.Finals()
	if len(finals) != 2 {
		t.Fatalf("expected two finals, got %d: %+v", len(finals), finals)
	}
	if finals[0].Error == "" {
		t.Fatal("expected first final to carry the recognition error")
	}
	if finals[1].Error != "" {
		t.Fatalf("expected second utterance to recover, got %+v", finals[1])
	}

	spy.mu.Lock()
	defer spy.mu.Unlock()
	if spy.resets != 1 {
		t.Fatalf("expected one reset after the failed finalize, got %d", spy.resets)
	}
	if len(spy.sizes) != 2 || spy.sizes[1] != spy.sizes[0] {
		t.Fatalf("second utterance decoded stale audio: finalize sizes %v", spy.sizes)
	}
}

// slowBatch blocks its first call until the finalize deadline expires, then
// recovers.
type slowBatch struct {
	mu    sync.Mutex
	calls int
}

func (s *slowBatch) Name() string { return "exec" }

func (s *slowBatch) TranscribeBatch(ctx context.Context, _ []byte) (stt.Result, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}
	return stt.Result{Text: "after timeout"}, nil
}

func (s *slowBatch) Close() error { return nil }

func TestSessionFinalizeTimeoutRecoverable(t *testing.T) {
	// A finalize that overruns its deadline is a per-utterance failure: the
	// final carries the timeout error and the session keeps going.
	var pcm []byte
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)

	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	cfg.PartialResults = false
	cfg.Engine = "exec"
	sink := NewCollectSink()

	session := NewSession("s-timeout", cfg, audio.NewBufferSource(pcm, testFrameSize()), &slowBatch{}, []Sink{sink}, Options{
		FinalizeTimeout: 100 * time.Millisecond,
		VAD:             vad.Config{Threshold: 0.015, StartFrames: 3, EndFrames: 10, PrerollFrames: 2},
	})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	finals := sink.Finals()
	if len(finals) != 2 {
		t.Fatalf("expected two finals, got %d: %+v", len(finals), finals)
	}
	if !strings.Contains(finals[0].Error, stt.ErrRecognitionTimeout.Error()) {
		t.Fatalf("expected timeout error on first final, got %q", finals[0].Error)
	}
	if finals[1].Error != "" || finals[1].Text != "after timeout" {
		t.Fatalf("expected second utterance to recover, got %+v", finals[1])
	}
	checkOrdering(t, sink.Events())
}

// latePartialEngine leaves one more hypothesis in its queue right as the
// utterance is finalized, mimicking a decoder whose partial stream lags the
// finalize call.
type latePartialEngine struct {
	mu       sync.Mutex
	partials chan stt.Result
	finals   int
	closed   bool
}

func newLatePartialEngine() *latePartialEngine {
	return &latePartialEngine{partials: make(chan stt.Result, 16)}
}

func (e *latePartialEngine) Name() string { return "mock" }

func (e *latePartialEngine) Submit(context.Context, []byte) error {
	select {
	case e.partials <- stt.Result{Text: "interim"}:
	default:
	}
	return nil
}

func (e *latePartialEngine) Partials() <-chan stt.Result { return e.partials }

func (e *latePartialEngine) Finalize(context.Context) (stt.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finals++
	select {
	case e.partials <- stt.Result{Text: fmt.Sprintf("late-%d", e.finals)}:
	default:
	}
	return stt.Result{Text: fmt.Sprintf("final-%d", e.finals)}, nil
}

func (e *latePartialEngine) Reset() {}

func (e *latePartialEngine) TranscribeBatch(context.Context, []byte) (stt.Result, error) {
	return stt.Result{Text: "batch"}, nil
}

func (e *latePartialEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.partials)
	}
	return nil
}

func TestSessionLatePartialNeverTagsNextUtterance(t *testing.T) {
	// A hypothesis still queued when its utterance finalizes must be
	// delivered under that utterance's id or dropped, never attributed to
	// the following utterance.
	var pcm []byte
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)
	pcm = append(pcm, speechPCM(20)...)
	pcm = append(pcm, silencePCM(30)...)

	cfg := baseSessionConfig()
	cfg.Source = SourceBuffer
	sink := NewCollectSink()

	session := NewSession("s-late", cfg, audio.NewBufferSource(pcm, testFrameSize()), newLatePartialEngine(), []Sink{sink}, Options{
		VAD: vad.Config{Threshold: 0.015, StartFrames: 3, EndFrames: 10, PrerollFrames: 2},
	})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	events := sink.Events()
	checkOrdering(t, events)
	if len(sink.Finals()) != 2 {
		t.Fatalf("expected two finals, got %d", len(sink.Finals()))
	}
	for _, ev := range events {
		if !ev.IsFinal && ev.Text == "late-1" && ev.UtteranceID != 1 {
			t.Fatalf("first utterance's hypothesis attributed to utterance %d", ev.UtteranceID)
		}
	}
}

// failingSource delivers a few frames and then fails fatally.
type failingSource struct {
	frames int
	served int
	err    error
}

func (f *failingSource) Open(context.Context) error { return nil }

func (f *failingSource) ReadFrame(context.Context) (audio.Frame, error) {
	if f.served >= f.frames {
		return audio.Frame{}, f.err
	}
	f.served++
	return audio.Frame{PCM: speechPCM(1), Seq: uint64(f.served - 1)}, nil
}

func (f *failingSource) Close() error { return nil }

func TestSessionFatalSourceError(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.VADEnabled = false
	cfg.PartialResults = false
	sink := NewCollectSink()

	session := NewSession("s-fatal", cfg, &failingSource{frames: 5, err: audio.ErrOverrun}, stt.NewMockEngine(), []Sink{sink}, Options{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, session)

	events := sink.Events()
	finals := sink.Finals()
	if len(finals) != 1 {
		t.Fatalf("expected best-effort final before the error event, got %d finals", len(finals))
	}

	last := events[len(events)-1]
	if last.Type != protocol.EventTypeError || last.Error == "" {
		t.Fatalf("expected trailing session-level error event, got %+v", last)
	}
	if last.UtteranceID != 0 {
		t.Fatalf("session-level error must carry utterance id 0, got %d", last.UtteranceID)
	}
}
