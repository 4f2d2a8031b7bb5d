//go:build vosk

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// VoskEngine wraps a Kaldi recognizer behind the streaming interface. Vosk
// keeps decoder state across AcceptWaveform calls, so partial hypotheses are
// cheap: each frame either updates the rolling partial or closes a segment
// that is folded into the final transcript at Finalize.
type VoskEngine struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer

	mu          sync.Mutex
	partials    chan Result
	segments    []string
	lastPartial string
	closed      bool
}

type voskPartial struct {
	Partial string `json:"partial"`
}

type voskResult struct {
	Text string `json:"text"`
}

func NewVoskEngine(modelPath string, params Params) (StreamingEngine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("vosk model path is empty")
	}
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	rec, err := vosk.NewRecognizer(model, float64(params.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	return &VoskEngine{
		model:    model,
		rec:      rec,
		partials: make(chan Result, 16),
	}, nil
}

func (e *VoskEngine) Name() string { return "vosk" }

func (e *VoskEngine) Submit(_ context.Context, pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrRecognitionUnavailable
	}

	if e.rec.AcceptWaveform(pcm) != 0 {
		// The decoder closed a segment mid-utterance. Fold its text into
		// the transcript and clear the rolling partial.
		var res voskResult
		if err := json.Unmarshal([]byte(e.rec.Result()), &res); err == nil && res.Text != "" {
			e.segments = append(e.segments, res.Text)
		}
		e.lastPartial = ""
		return nil
	}

	var partial voskPartial
	if err := json.Unmarshal([]byte(e.rec.PartialResult()), &partial); err != nil {
		return nil
	}
	if partial.Partial == "" || partial.Partial == e.lastPartial {
		return nil
	}
	e.lastPartial = partial.Partial

	text := strings.TrimSpace(strings.Join(append(append([]string{}, e.segments...), partial.Partial), " "))
	select {
	case e.partials <- Result{Text: text}:
	default:
	}
	return nil
}

func (e *VoskEngine) Partials() <-chan Result { return e.partials }

func (e *VoskEngine) Finalize(_ context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, ErrRecognitionUnavailable
	}

	var res voskResult
	if err := json.Unmarshal([]byte(e.rec.FinalResult()), &res); err != nil {
		// FinalResult already flushed the decoder; drop the segment state
		// too so the next utterance starts clean.
		e.segments = e.segments[:0]
		e.lastPartial = ""
		return Result{}, fmt.Errorf("%w: decode vosk result: %s", ErrRecognitionUnavailable, err)
	}
	parts := append(append([]string{}, e.segments...), res.Text)
	e.segments = e.segments[:0]
	e.lastPartial = ""
	return Result{Text: strings.TrimSpace(strings.Join(parts, " "))}, nil
}

func (e *VoskEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	// FinalResult flushes and resets the decoder state.
	_ = e.rec.FinalResult()
	e.segments = e.segments[:0]
	e.lastPartial = ""
}

func (e *VoskEngine) TranscribeBatch(ctx context.Context, pcm []byte) (Result, error) {
	if err := e.Submit(ctx, pcm); err != nil {
		return Result{}, err
	}
	return e.Finalize(ctx)
}

func (e *VoskEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.partials)
	e.rec.Free()
	e.model.Free()
	return nil
}
