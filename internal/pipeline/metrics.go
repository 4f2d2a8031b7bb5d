package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics aggregates pipeline counters across sessions. A nil *Metrics is
// valid and records nothing, which keeps tests free of telemetry setup.
type Metrics struct {
	sessionsStarted     metric.Int64Counter
	sessionsStopped     metric.Int64Counter
	utterancesFinalized metric.Int64Counter
	recognitionErrors   metric.Int64Counter
	sourceFailures      metric.Int64Counter
}

func NewMetrics(log *slog.Logger) *Metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/pipeline")
	m := &Metrics{}
	var err error

	if m.sessionsStarted, err = meter.Int64Counter("scribe.sessions.started",
		metric.WithDescription("Transcription sessions started")); err != nil {
		log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if m.sessionsStopped, err = meter.Int64Counter("scribe.sessions.stopped",
		metric.WithDescription("Transcription sessions stopped")); err != nil {
		log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if m.utterancesFinalized, err = meter.Int64Counter("scribe.utterances.finalized",
		metric.WithDescription("Utterances finalized, including errored ones")); err != nil {
		log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if m.recognitionErrors, err = meter.Int64Counter("scribe.recognition.errors",
		metric.WithDescription("Recoverable recognition failures")); err != nil {
		log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	if m.sourceFailures, err = meter.Int64Counter("scribe.source.failures",
		metric.WithDescription("Fatal audio source failures")); err != nil {
		log.Warn("failed to initialize metric", slog.String("error", err.Error()))
	}
	return m
}

func engineAttr(engine string) metric.AddOption {
	return metric.WithAttributes(attribute.String("engine", engine))
}

func (m *Metrics) sessionStarted(engine string) {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Add(context.Background(), 1, engineAttr(engine))
}

func (m *Metrics) sessionStopped(engine string) {
	if m == nil || m.sessionsStopped == nil {
		return
	}
	m.sessionsStopped.Add(context.Background(), 1, engineAttr(engine))
}

func (m *Metrics) utteranceFinalized(engine string) {
	if m == nil || m.utterancesFinalized == nil {
		return
	}
	m.utterancesFinalized.Add(context.Background(), 1, engineAttr(engine))
}

func (m *Metrics) recognitionError(engine string) {
	if m == nil || m.recognitionErrors == nil {
		return
	}
	m.recognitionErrors.Add(context.Background(), 1, engineAttr(engine))
}

func (m *Metrics) sourceFailure() {
	if m == nil || m.sourceFailures == nil {
		return
	}
	m.sourceFailures.Add(context.Background(), 1)
}
