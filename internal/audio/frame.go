package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// Frame is one fixed-duration slice of mono PCM16 audio. Frames are values;
// the session consumes and discards them, nothing retains a frame after it
// has been processed.
type Frame struct {
	PCM      []byte
	Seq      uint64
	Captured time.Time
}

var (
	// ErrSourceClosed is returned by ReadFrame after Close, and is fatal to
	// the session that owns the source.
	ErrSourceClosed = errors.New("audio: source closed")
	// ErrOverrun is returned when a push source's bounded queue overflows
	// because the consumer fell behind. Fatal to the owning session.
	ErrOverrun = errors.New("audio: push queue overrun")
	// ErrBadFrame is returned for a pushed payload whose size does not match
	// the configured frame size. Per-frame, never fatal.
	ErrBadFrame = errors.New("audio: frame payload size mismatch")
)

// FrameSource produces capture-ordered frames until io.EOF.
type FrameSource interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// FrameSize returns the byte length of one PCM16 mono frame.
func FrameSize(sampleRate, frameDurationMS int) int {
	return sampleRate * frameDurationMS / 1000 * 2
}

// DecodePCM16 converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// EncodePCM16 converts int16 samples to little-endian PCM bytes.
func EncodePCM16(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
