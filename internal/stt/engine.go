// Package stt abstracts the recognizer backends. A session talks to exactly
// one Engine; streaming engines additionally implement StreamingEngine and
// emit interim hypotheses while an utterance is still open.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrRecognitionUnavailable means the backend (model, process, or
	// provider chain) cannot produce a result right now. The session
	// survives it; the affected utterance is reported as errored.
	ErrRecognitionUnavailable = errors.New("stt: recognition unavailable")
	// ErrRecognitionTimeout means a finalize or batch call exceeded its
	// deadline. Recoverable, like ErrRecognitionUnavailable.
	ErrRecognitionTimeout = errors.New("stt: recognition timed out")
)

// Result is one recognizer hypothesis. Confidence is nil when the backend
// does not report one; a reported value is clamped to [0,1].
type Result struct {
	Text       string
	Confidence *float64
}

// Params carries per-session recognition settings resolved from the session
// request and daemon defaults.
type Params struct {
	Language   string
	ModelSize  string
	SampleRate int
}

// Engine transcribes utterances. Implementations are owned by one session
// at a time and are not safe for concurrent use unless documented otherwise.
type Engine interface {
	Name() string
	// TranscribeBatch transcribes one complete utterance of PCM16 audio.
	TranscribeBatch(ctx context.Context, pcm []byte) (Result, error)
	Close() error
}

// StreamingEngine is implemented by engines that consume an utterance frame
// by frame and emit partial hypotheses along the way. Finalize closes the
// open utterance and returns the final hypothesis; Reset discards any
// per-utterance state so the next utterance starts clean.
type StreamingEngine interface {
	Engine
	Submit(ctx context.Context, pcm []byte) error
	Partials() <-chan Result
	Finalize(ctx context.Context) (Result, error)
	Reset()
}

// Streaming reports whether e can emit partial hypotheses.
func Streaming(e Engine) bool {
	_, ok := e.(StreamingEngine)
	return ok
}

// Confidence clamps v into [0,1] and returns it as a pointer, for backends
// that report out-of-range scores.
func Confidence(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}
