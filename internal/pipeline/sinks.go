package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Sink receives a session's transcript events in order. Deliver is called
// from a single dispatcher goroutine per session, so implementations only
// need to be safe against their own consumers.
type Sink interface {
	Deliver(ev protocol.TranscriptEvent) error
	Close() error
}

// CollectSink buffers events in memory. Used by the batch endpoint and by
// tests that assert on ordering.
type CollectSink struct {
	mu     sync.Mutex
	events []protocol.TranscriptEvent
}

func NewCollectSink() *CollectSink { return &CollectSink{} }

func (s *CollectSink) Deliver(ev protocol.TranscriptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *CollectSink) Close() error { return nil }

// Events returns a copy of everything delivered so far.
func (s *CollectSink) Events() []protocol.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TranscriptEvent(nil), s.events...)
}

// Finals returns only the final events, in delivery order.
func (s *CollectSink) Finals() []protocol.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var finals []protocol.TranscriptEvent
	for _, ev := range s.events {
		if ev.IsFinal {
			finals = append(finals, ev)
		}
	}
	return finals
}

// BusSink publishes transcript events to NATS. Partials and finals go to
// separate subjects so bus consumers can subscribe to finals only. The
// connection is owned by the runtime, not the sink.
type BusSink struct {
	conn *nats.Conn
}

func NewBusSink(conn *nats.Conn) *BusSink { return &BusSink{conn: conn} }

func (s *BusSink) Deliver(ev protocol.TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	subject := protocol.SubjectTranscriptPartial
	if ev.IsFinal {
		subject = protocol.SubjectTranscriptFinal
	}
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish transcript event: %w", err)
	}
	return nil
}

func (s *BusSink) Close() error { return nil }

// TranscriptAppender persists final transcript events. Implemented by
// transcriptstore.Store.
type TranscriptAppender interface {
	AppendEvent(ctx context.Context, ev protocol.TranscriptEvent) error
}

// StoreSink persists final events to the transcript store. Partials are
// not stored; they are superseded by definition.
type StoreSink struct {
	store   TranscriptAppender
	timeout time.Duration
}

func NewStoreSink(store TranscriptAppender) *StoreSink {
	return &StoreSink{store: store, timeout: 5 * time.Second}
}

func (s *StoreSink) Deliver(ev protocol.TranscriptEvent) error {
	if !ev.IsFinal {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.store.AppendEvent(ctx, ev)
}

func (s *StoreSink) Close() error { return nil }
