//go:build !whisper_cpp

package stt

import "fmt"

// Stub so the daemon builds without cgo whisper.cpp. Selecting the whisper
// engine at runtime fails cleanly instead of at link time.
func NewWhisperEngine(modelPath string, threads int, params Params) (Engine, error) {
	return nil, fmt.Errorf("%w: built without whisper.cpp support", ErrRecognitionUnavailable)
}
