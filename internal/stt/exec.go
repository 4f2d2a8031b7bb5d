package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// ExecEngine shells out to an external recognizer for each utterance. The
// command receives a temp WAV path plus model and language flags and must
// print a JSON object {"text": ..., "confidence": ...} on stdout. Batch
// only; the child is spawned per utterance, so there is nothing to stream.
type ExecEngine struct {
	cmd        []string
	modelPath  string
	language   string
	sampleRate int

	mu sync.Mutex
}

type execResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

func NewExecEngine(command, modelPath string, params Params) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecEngine{
		cmd:        args,
		modelPath:  modelPath,
		language:   params.Language,
		sampleRate: params.SampleRate,
	}, nil
}

func (e *ExecEngine) Name() string { return "exec" }

func (e *ExecEngine) TranscribeBatch(ctx context.Context, pcm []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, pcm, e.sampleRate, 1); err != nil {
		return Result{}, fmt.Errorf("write utterance wav: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if e.language != "" {
		args = append(args, "--language", e.language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s", ErrRecognitionTimeout, e.cmd[0])
		}
		return Result{}, fmt.Errorf("%w: %s: %s", ErrRecognitionUnavailable, err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode stt response: %s", ErrRecognitionUnavailable, err)
	}

	result := Result{Text: resp.Text}
	if resp.Confidence != nil {
		result.Confidence = Confidence(*resp.Confidence)
	}
	return result, nil
}

func (e *ExecEngine) Close() error { return nil }
