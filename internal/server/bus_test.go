package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestWSSessionFansOutToBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = 42311
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Bus.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(embedded.Shutdown)

	busClient, err := bus.Connect(cfg.Bus, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(busClient.Close)

	statusSub, err := busClient.Conn().SubscribeSync(protocol.SubjectSessionStatus)
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}
	finalSub, err := busClient.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe final: %v", err)
	}

	manager := pipeline.NewManager(cfg, logger)
	srv := New(cfg, manager, nil, busClient, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts.URL)
	vadOff := false
	if err := conn.WriteJSON(protocol.StartMessage{Type: protocol.MessageTypeStart, Engine: "mock", VADEnabled: &vadOff}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == protocol.EventTypeStatus && m["state"] == string(pipeline.StateRunning)
	})

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": protocol.MessageTypeStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == protocol.EventTypeStatus && m["state"] == string(pipeline.StateStopped)
	})

	msg, err := statusSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no status on bus: %v", err)
	}
	var status protocol.StatusMessage
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != string(pipeline.StateRunning) || status.SessionID == "" {
		t.Fatalf("unexpected status on bus: %+v", status)
	}

	fmsg, err := finalSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no final on bus: %v", err)
	}
	var ev protocol.TranscriptEvent
	if err := json.Unmarshal(fmsg.Data, &ev); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if !ev.IsFinal || ev.UtteranceID != 1 || ev.SessionID != status.SessionID {
		t.Fatalf("unexpected final on bus: %+v", ev)
	}
}
