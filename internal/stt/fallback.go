package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Provider is one hosted transcription endpoint in a fallback chain.
type Provider struct {
	Name     string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// FallbackEngine tries each provider in order until one returns a usable
// transcript. Each attempt posts the utterance as a WAV multipart upload and
// expects a JSON body with at least a "text" field. Batch only: hosted
// endpoints transcribe whole utterances, there is no partial stream.
type FallbackEngine struct {
	providers  []Provider
	params     Params
	httpClient *http.Client
}

type providerResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

func NewFallbackEngine(providers []Provider, params Params) (*FallbackEngine, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("fallback engine needs at least one provider")
	}
	return &FallbackEngine{
		providers: providers,
		params:    params,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (e *FallbackEngine) Name() string { return "fallback" }

func (e *FallbackEngine) TranscribeBatch(ctx context.Context, pcm []byte) (Result, error) {
	var attemptErrs []error
	for _, p := range e.providers {
		result, err := e.tryProvider(ctx, p, pcm)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{}, fmt.Errorf("%w: provider chain", ErrRecognitionTimeout)
			}
			return Result{}, ctx.Err()
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", p.Name, err))
	}
	return Result{}, fmt.Errorf("%w: %w", ErrRecognitionUnavailable, errors.Join(attemptErrs...))
}

func (e *FallbackEngine) tryProvider(ctx context.Context, p Provider, pcm []byte) (Result, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := e.buildRequestBody(pcm)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.Endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	result := Result{Text: parsed.Text}
	if parsed.Confidence != nil {
		result.Confidence = Confidence(*parsed.Confidence)
	}
	return result, nil
}

func (e *FallbackEngine) buildRequestBody(pcm []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	wavBuf := &seekableBuffer{}
	if err := audio.EncodeWAV(wavBuf, pcm, e.params.SampleRate, 1); err != nil {
		return nil, "", fmt.Errorf("encode utterance wav: %w", err)
	}
	if _, err := fileWriter.Write(wavBuf.Bytes()); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := map[string]string{
		"sample_rate":     strconv.Itoa(e.params.SampleRate),
		"response_format": "json",
	}
	if e.params.Language != "" {
		fields["language"] = e.params.Language
	}
	if e.params.ModelSize != "" {
		fields["model"] = e.params.ModelSize
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func (e *FallbackEngine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// seekableBuffer adapts an in-memory buffer to the WriteSeeker the WAV
// encoder needs for patching up chunk lengths.
type seekableBuffer struct {
	data []byte
	pos  int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if b.pos+len(p) > len(b.data) {
		grown := make([]byte, b.pos+len(p))
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = b.pos + int(offset)
	case io.SeekEnd:
		next = len(b.data) + int(offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	b.pos = next
	return int64(next), nil
}

func (b *seekableBuffer) Bytes() []byte { return b.data }
