package pipeline

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func baseSessionConfig() SessionConfig {
	return SessionConfig{
		Engine:          "mock",
		Language:        "en",
		PartialResults:  true,
		VADEnabled:      true,
		SampleRate:      16000,
		FrameDurationMS: 20,
		Source:          SourcePush,
		DeviceIndex:     -1,
	}
}

func TestValidateSessionConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SessionConfig)
		field  string // empty means the config must pass
	}{
		{name: "mock defaults pass", mutate: func(c *SessionConfig) {}},
		{name: "vosk with partials passes", mutate: func(c *SessionConfig) {
			c.Engine = "vosk"
		}},
		{name: "whisper without partials passes", mutate: func(c *SessionConfig) {
			c.Engine = "whisper"
			c.PartialResults = false
			c.ModelSize = "small"
		}},
		{name: "whisper with partials rejected", mutate: func(c *SessionConfig) {
			c.Engine = "whisper"
			c.ModelSize = "small"
		}, field: "partial_results"},
		{name: "exec with partials rejected", mutate: func(c *SessionConfig) {
			c.Engine = "exec"
		}, field: "partial_results"},
		{name: "fallback with partials rejected", mutate: func(c *SessionConfig) {
			c.Engine = "fallback"
		}, field: "partial_results"},
		{name: "unknown engine rejected", mutate: func(c *SessionConfig) {
			c.Engine = "dictation-9000"
		}, field: "engine"},
		{name: "bad whisper model size rejected", mutate: func(c *SessionConfig) {
			c.Engine = "whisper"
			c.PartialResults = false
			c.ModelSize = "enormous"
		}, field: "model_size"},
		{name: "empty language rejected", mutate: func(c *SessionConfig) {
			c.Language = ""
		}, field: "language"},
		{name: "zero sample rate rejected", mutate: func(c *SessionConfig) {
			c.SampleRate = 0
		}, field: "sample_rate"},
		{name: "frame duration out of range rejected", mutate: func(c *SessionConfig) {
			c.FrameDurationMS = 500
		}, field: "frame_duration_ms"},
		{name: "file source without path rejected", mutate: func(c *SessionConfig) {
			c.Source = SourceFile
		}, field: "file_path"},
		{name: "unknown source rejected", mutate: func(c *SessionConfig) {
			c.Source = "telepathy"
		}, field: "source"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseSessionConfig()
			tc.mutate(&cfg)
			err := ValidateSessionConfig(cfg)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("expected config to pass, got %v", err)
				}
				return
			}
			var unsupportedErr *UnsupportedConfigurationError
			if !errors.As(err, &unsupportedErr) {
				t.Fatalf("expected UnsupportedConfigurationError, got %v", err)
			}
			if unsupportedErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, unsupportedErr.Field)
			}
		})
	}
}

func TestResolveConstructsMockPipeline(t *testing.T) {
	cfg := baseSessionConfig()
	deps := Deps{
		Audio:    config.Default().Audio,
		STT:      config.Default().STT,
		Sessions: config.Default().Sessions,
	}

	source, engine, err := Resolve(cfg, deps)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
		_ = source.Close()
	})

	if _, ok := source.(*audio.PushSource); !ok {
		t.Fatalf("expected push source, got %T", source)
	}
	if engine.Name() != "mock" {
		t.Fatalf("expected mock engine, got %q", engine.Name())
	}
}

func TestResolveRejectsBeforeConstruction(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.Engine = "whisper" // partials still on

	_, _, err := Resolve(cfg, Deps{})
	var unsupportedErr *UnsupportedConfigurationError
	if !errors.As(err, &unsupportedErr) {
		t.Fatalf("expected UnsupportedConfigurationError, got %v", err)
	}
}

func TestResolveFallbackNeedsProviders(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.Engine = "fallback"
	cfg.PartialResults = false

	if _, _, err := Resolve(cfg, Deps{}); err == nil {
		t.Fatal("expected error for fallback engine with no providers")
	}
}
