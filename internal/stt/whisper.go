//go:build whisper_cpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperEngine transcribes whole utterances with whisper.cpp. Whisper has
// no incremental decoder worth exposing at utterance scale, so the engine is
// batch only and never emits partials. Model access is serialized; the
// binding is not safe for concurrent Process calls.
type WhisperEngine struct {
	model    whisperpkg.Model
	threads  uint
	language string

	mu sync.Mutex
}

func NewWhisperEngine(modelPath string, threads int, params Params) (Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper model path is empty")
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	model, err := whisperpkg.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	language := params.Language
	if language == "" {
		language = "auto"
	}
	return &WhisperEngine{model: model, threads: uint(threads), language: language}, nil
}

func (e *WhisperEngine) Name() string { return "whisper" }

func (e *WhisperEngine) TranscribeBatch(ctx context.Context, pcm []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	samples := pcmToFloat32(pcm)
	if len(samples) == 0 {
		return Result{}, nil
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("%w: create whisper context: %s", ErrRecognitionUnavailable, err)
	}
	wctx.SetThreads(e.threads)
	_ = wctx.SetLanguage(e.language)
	wctx.SetSplitOnWord(true)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: whisper process", ErrRecognitionTimeout)
		}
		return Result{}, fmt.Errorf("%w: whisper process: %s", ErrRecognitionUnavailable, err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Result{Text: strings.Join(parts, " ")}, nil
}

func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
	return nil
}

func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
