package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockEngine is a streaming engine for development and tests. It fabricates
// hypotheses that describe the audio it saw, so pipelines can be exercised
// end to end without a model on disk.
type MockEngine struct {
	mu       sync.Mutex
	buffered int
	partials chan Result
	closed   bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{partials: make(chan Result, 16)}
}

func (m *MockEngine) Name() string { return "mock" }

func (m *MockEngine) Submit(ctx context.Context, pcm []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrRecognitionUnavailable
	}
	m.buffered += len(pcm)
	partial := Result{Text: fmt.Sprintf("[partial bytes=%d]", m.buffered)}
	m.mu.Unlock()

	select {
	case m.partials <- partial:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockEngine) Partials() <-chan Result { return m.partials }

func (m *MockEngine) Finalize(_ context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result{}, ErrRecognitionUnavailable
	}
	text := fmt.Sprintf("[final bytes=%d]", m.buffered)
	m.buffered = 0
	return Result{Text: text, Confidence: Confidence(1)}, nil
}

func (m *MockEngine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffered = 0
}

func (m *MockEngine) TranscribeBatch(_ context.Context, pcm []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result{}, ErrRecognitionUnavailable
	}
	return Result{Text: fmt.Sprintf("[final bytes=%d]", len(pcm)), Confidence: Confidence(1)}, nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.partials)
	}
	return nil
}
