package audio

import (
	"context"
	"io"
	"sync"
	"time"
)

// PushSource queues frames arriving from a network transport. The queue is
// bounded: when the consumer falls behind and the queue fills up, Push fails
// with ErrOverrun and the source is poisoned, which terminates the owning
// session instead of letting the buffer grow without limit.
type PushSource struct {
	frameSize int

	mu        sync.Mutex
	queue     chan Frame
	seq       uint64
	finished  bool
	closed    bool
	queueDone bool
	failed    error
}

func NewPushSource(frameSize, queueSize int) *PushSource {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &PushSource{
		frameSize: frameSize,
		queue:     make(chan Frame, queueSize),
	}
}

func (s *PushSource) Open(_ context.Context) error {
	return nil
}

// Push enqueues one frame payload from the transport side. The payload must
// be exactly one frame long; undersized or oversized payloads are rejected
// per-push with ErrBadFrame and do not affect the session.
func (s *PushSource) Push(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.finished {
		return ErrSourceClosed
	}
	if s.failed != nil {
		return s.failed
	}
	if len(pcm) != s.frameSize {
		return ErrBadFrame
	}

	frame := Frame{PCM: append([]byte(nil), pcm...), Seq: s.seq, Captured: time.Now()}
	select {
	case s.queue <- frame:
		s.seq++
		return nil
	default:
		s.failed = ErrOverrun
		return ErrOverrun
	}
}

// Finish marks the end of the pushed stream. Queued frames are still
// delivered, then ReadFrame returns io.EOF.
func (s *PushSource) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return
	}
	s.finished = true
	s.closeQueue()
}

func (s *PushSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrSourceClosed
	}
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return Frame{}, err
	}
	s.mu.Unlock()

	select {
	case frame, ok := <-s.queue:
		if !ok {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return Frame{}, ErrSourceClosed
			}
			return Frame{}, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *PushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeQueue()
	return nil
}

func (s *PushSource) closeQueue() {
	if !s.queueDone {
		s.queueDone = true
		close(s.queue)
	}
}
