package audio

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestPushSourceDeliversInOrder(t *testing.T) {
	src := NewPushSource(4, 8)
	for i := byte(0); i < 5; i++ {
		if err := src.Push([]byte{i, i, i, i}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	src.Finish()

	for i := byte(0); i < 5; i++ {
		frame, err := src.ReadFrame(context.Background())
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if frame.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, frame.Seq)
		}
		if frame.PCM[0] != i {
			t.Fatalf("expected payload %d, got %d", i, frame.PCM[0])
		}
	}
	if _, err := src.ReadFrame(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF after finish, got %v", err)
	}
}

func TestPushSourceRejectsBadFrame(t *testing.T) {
	src := NewPushSource(4, 8)
	if err := src.Push([]byte{1, 2}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
	// A bad push must not poison the source.
	if err := src.Push([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("expected good push to succeed, got %v", err)
	}
}

func TestPushSourceOverrun(t *testing.T) {
	src := NewPushSource(2, 2)
	if err := src.Push([]byte{1, 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := src.Push([]byte{2, 2}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := src.Push([]byte{3, 3}); !errors.Is(err, ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", err)
	}
	// Once poisoned the consumer sees the overrun too.
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, ErrOverrun) {
		t.Fatalf("expected ErrOverrun on read, got %v", err)
	}
}

func TestPushSourceClosed(t *testing.T) {
	src := NewPushSource(2, 2)
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
	if err := src.Push([]byte{1, 1}); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed on push, got %v", err)
	}
}

func TestPushSourceReadCancellation(t *testing.T) {
	src := NewPushSource(2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
