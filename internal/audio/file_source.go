package audio

import (
	"context"
	"fmt"
	"os"
)

// FileSource decodes a WAV file once at Open and then serves it frame by
// frame, ending with io.EOF.
type FileSource struct {
	path       string
	sampleRate int
	frameSize  int

	buf *BufferSource
}

func NewFileSource(path string, sampleRate, frameSize int) *FileSource {
	return &FileSource{path: path, sampleRate: sampleRate, frameSize: frameSize}
}

func (s *FileSource) Open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	pcm, rate, channels, err := DecodeWAV(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	if rate != s.sampleRate {
		return fmt.Errorf("audio file sample rate %d does not match session rate %d", rate, s.sampleRate)
	}
	if channels > 1 {
		pcm = DownmixToMono(pcm, channels)
	}

	s.buf = NewBufferSource(pcm, s.frameSize)
	return s.buf.Open(ctx)
}

func (s *FileSource) ReadFrame(ctx context.Context) (Frame, error) {
	if s.buf == nil {
		return Frame{}, ErrSourceClosed
	}
	return s.buf.ReadFrame(ctx)
}

func (s *FileSource) Close() error {
	if s.buf == nil {
		return nil
	}
	return s.buf.Close()
}
