package pipeline

import (
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// SourceKind selects where a session's frames come from.
type SourceKind string

const (
	// SourcePush receives frames from a network transport via PushSource.
	SourcePush SourceKind = "push"
	// SourceDevice captures from a local microphone via the capture command.
	SourceDevice SourceKind = "device"
	// SourceFile decodes a WAV file from disk.
	SourceFile SourceKind = "file"
	// SourceBuffer decodes in-memory PCM, used by the batch endpoint.
	SourceBuffer SourceKind = "buffer"
)

// SessionConfig is the resolved per-session request. Zero values are filled
// from daemon defaults by Normalize before validation.
type SessionConfig struct {
	Engine          string
	ModelSize       string
	Language        string
	PartialResults  bool
	VADEnabled      bool
	SampleRate      int
	FrameDurationMS int

	Source      SourceKind
	DeviceIndex int
	// FilePath backs SourceFile; PCM backs SourceBuffer.
	FilePath string
	PCM      []byte
}

// DefaultSessionConfig derives the baseline session settings from the
// daemon configuration.
func DefaultSessionConfig(cfg config.Config) SessionConfig {
	return SessionConfig{
		Engine:          cfg.STT.DefaultEngine,
		ModelSize:       cfg.STT.ModelSize,
		Language:        cfg.STT.Language,
		PartialResults:  cfg.STT.PartialResults,
		VADEnabled:      cfg.VAD.Enabled,
		SampleRate:      cfg.Audio.SampleRate,
		FrameDurationMS: cfg.Audio.FrameDurationMS,
		Source:          SourcePush,
		DeviceIndex:     -1,
	}
}

// FrameSize returns the byte length of one frame under this configuration.
func (c SessionConfig) FrameSize() int {
	return audio.FrameSize(c.SampleRate, c.FrameDurationMS)
}
