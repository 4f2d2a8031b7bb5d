package protocol

import "time"

// TranscriptEvent is the wire form of a recognition result for one utterance.
// Partial events (IsFinal=false) may be superseded by later events for the
// same utterance; exactly one final event is delivered per utterance and it
// is always the last event carrying that utterance id. UtteranceID 0 marks a
// session-level event (fatal errors, status), never a recognition result.
type TranscriptEvent struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	IsFinal     bool      `json:"is_final"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Error       string    `json:"error,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// StartMessage is the first message a streaming client sends after connect.
// Zero-valued fields fall back to the server defaults.
type StartMessage struct {
	Type            string `json:"type"`
	Engine          string `json:"engine,omitempty"`
	ModelSize       string `json:"model_size,omitempty"`
	Language        string `json:"language,omitempty"`
	PartialResults  *bool  `json:"partial_results,omitempty"`
	VADEnabled      *bool  `json:"vad_enabled,omitempty"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	FrameDurationMS int    `json:"frame_duration_ms,omitempty"`
}

// StatusMessage reports session lifecycle transitions to streaming clients.
type StatusMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a non-fatal, per-frame problem to streaming clients.
type ErrorMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventTypeTranscript = "transcript"
	EventTypeStatus     = "status"
	EventTypeError      = "error"

	MessageTypeStart = "start"
	MessageTypeStop  = "stop"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

const (
	SubjectTranscriptPartial = "scribe.transcript.partial"
	SubjectTranscriptFinal   = "scribe.transcript.final"
	SubjectSessionStatus     = "scribe.session.status"
)
