//go:build !vosk

package stt

import "fmt"

// Stub so the daemon builds without the cgo vosk binding. Selecting the
// vosk engine at runtime fails cleanly instead of at link time.
func NewVoskEngine(modelPath string, params Params) (StreamingEngine, error) {
	return nil, fmt.Errorf("%w: built without vosk support", ErrRecognitionUnavailable)
}
