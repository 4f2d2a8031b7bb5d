package audio

import (
	"context"
	"io"
	"sync"
	"time"
)

// BufferSource slices an in-memory PCM buffer into frames. It backs both the
// batch transcription path and the file source.
type BufferSource struct {
	frameSize int

	mu     sync.Mutex
	pcm    []byte
	offset int
	seq    uint64
	closed bool
}

func NewBufferSource(pcm []byte, frameSize int) *BufferSource {
	return &BufferSource{frameSize: frameSize, pcm: pcm}
}

func (s *BufferSource) Open(_ context.Context) error {
	return nil
}

func (s *BufferSource) ReadFrame(_ context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, ErrSourceClosed
	}
	if s.offset >= len(s.pcm) {
		return Frame{}, io.EOF
	}

	end := s.offset + s.frameSize
	var pcm []byte
	if end > len(s.pcm) {
		// Final short frame is zero-padded to the fixed size.
		pcm = make([]byte, s.frameSize)
		copy(pcm, s.pcm[s.offset:])
		s.offset = len(s.pcm)
	} else {
		pcm = make([]byte, s.frameSize)
		copy(pcm, s.pcm[s.offset:end])
		s.offset = end
	}

	frame := Frame{PCM: pcm, Seq: s.seq, Captured: time.Now()}
	s.seq++
	return frame, nil
}

func (s *BufferSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
