package pipeline

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// capability describes what an engine can do, keyed by engine name. The
// table is the single source of truth for rejecting configurations; an
// engine is never silently downgraded to fit a request.
type capability struct {
	streaming  bool
	modelSizes []string // empty means the engine ignores model size
}

var capabilities = map[string]capability{
	"vosk":     {streaming: true},
	"whisper":  {streaming: false, modelSizes: []string{"tiny", "base", "small", "medium", "large"}},
	"exec":     {streaming: false},
	"fallback": {streaming: false},
	"mock":     {streaming: true},
}

// Deps carries the daemon-level configuration Resolve needs to construct
// sources and engines.
type Deps struct {
	Audio    config.AudioConfig
	STT      config.STTConfig
	Sessions config.SessionsConfig
}

// ValidateSessionConfig checks a session request against the capability
// table and frame math without constructing anything. All violations are
// UnsupportedConfigurationError values naming the offending field.
func ValidateSessionConfig(cfg SessionConfig) error {
	entry, ok := capabilities[cfg.Engine]
	if !ok {
		return unsupported("engine", "unknown engine %q", cfg.Engine)
	}
	if cfg.PartialResults && !entry.streaming {
		return unsupported("partial_results", "engine %q cannot produce partial results", cfg.Engine)
	}
	if len(entry.modelSizes) > 0 && cfg.ModelSize != "" {
		found := false
		for _, size := range entry.modelSizes {
			if size == cfg.ModelSize {
				found = true
				break
			}
		}
		if !found {
			return unsupported("model_size", "engine %q does not support model size %q", cfg.Engine, cfg.ModelSize)
		}
	}
	if cfg.Language == "" {
		return unsupported("language", "language must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return unsupported("sample_rate", "sample rate must be positive")
	}
	if cfg.FrameDurationMS < 10 || cfg.FrameDurationMS > 100 {
		return unsupported("frame_duration_ms", "frame duration must be between 10 and 100 ms")
	}
	switch cfg.Source {
	case SourcePush, SourceDevice, SourceBuffer:
	case SourceFile:
		if cfg.FilePath == "" {
			return unsupported("file_path", "file source needs a path")
		}
	default:
		return unsupported("source", "unknown source %q", cfg.Source)
	}
	return nil
}

// Resolve validates the request and constructs the frame source and engine
// it names. It has no side effects until validation has passed; a
// construction failure (missing model, unparseable command) closes nothing
// because sources open lazily.
func Resolve(cfg SessionConfig, deps Deps) (audio.FrameSource, stt.Engine, error) {
	if err := ValidateSessionConfig(cfg); err != nil {
		return nil, nil, err
	}

	engine, err := buildEngine(cfg, deps)
	if err != nil {
		return nil, nil, err
	}

	source, err := buildSource(cfg, deps)
	if err != nil {
		_ = engine.Close()
		return nil, nil, err
	}
	return source, engine, nil
}

func buildEngine(cfg SessionConfig, deps Deps) (stt.Engine, error) {
	params := stt.Params{
		Language:   cfg.Language,
		ModelSize:  cfg.ModelSize,
		SampleRate: cfg.SampleRate,
	}
	switch cfg.Engine {
	case "mock":
		return stt.NewMockEngine(), nil
	case "vosk":
		return stt.NewVoskEngine(deps.STT.Vosk.ModelPath, params)
	case "whisper":
		return stt.NewWhisperEngine(deps.STT.Whisper.ModelPath, deps.STT.Whisper.Threads, params)
	case "exec":
		return stt.NewExecEngine(deps.STT.Exec.Command, deps.STT.Exec.ModelPath, params)
	case "fallback":
		providers := make([]stt.Provider, 0, len(deps.STT.Fallback.Providers))
		for _, p := range deps.STT.Fallback.Providers {
			providers = append(providers, stt.Provider{
				Name:     p.Name,
				Endpoint: p.Endpoint,
				APIKey:   p.APIKey,
				Timeout:  time.Duration(p.TimeoutMS) * time.Millisecond,
			})
		}
		return stt.NewFallbackEngine(providers, params)
	default:
		return nil, unsupported("engine", "unknown engine %q", cfg.Engine)
	}
}

func buildSource(cfg SessionConfig, deps Deps) (audio.FrameSource, error) {
	frameSize := cfg.FrameSize()
	switch cfg.Source {
	case SourcePush:
		return audio.NewPushSource(frameSize, deps.Sessions.PushQueueSize), nil
	case SourceDevice:
		return audio.NewDeviceSource(deps.Audio.CaptureCommand, cfg.SampleRate, frameSize, cfg.DeviceIndex), nil
	case SourceFile:
		return audio.NewFileSource(cfg.FilePath, cfg.SampleRate, frameSize), nil
	case SourceBuffer:
		return audio.NewBufferSource(cfg.PCM, frameSize), nil
	default:
		return nil, fmt.Errorf("unreachable source %q", cfg.Source)
	}
}
