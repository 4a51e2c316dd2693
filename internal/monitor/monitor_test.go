package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/todopro/todopro/internal/model"
	todosync "github.com/todopro/todopro/internal/sync"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	// Consume the hello message.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if msg.Type != MessageTypeHello {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeHello)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestEntityEventReachesClient(t *testing.T) {
	s := testServer(t)
	conn := dial(t, s)

	s.EntitySynced("push", model.KindTask, "t1", "created")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeEntitySynced {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeEntitySynced)
	}
	var data EntitySyncedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.EntityID != "t1" || data.Action != "created" || data.Direction != "push" {
		t.Fatalf("data = %+v", data)
	}
}

func TestSummaryReachesAllClients(t *testing.T) {
	s := testServer(t)
	first := dial(t, s)
	second := dial(t, s)
	if s.ClientCount() != 2 {
		t.Fatalf("client count = %d, want 2", s.ClientCount())
	}

	s.SyncFinished(todosync.Summary{
		Pull:     todosync.Counts{Created: 2, Conflicts: 1},
		Push:     todosync.Counts{Updated: 3},
		Duration: 1500 * time.Millisecond,
	})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeSummary {
			t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeSummary)
		}
		var data SummaryData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.Pulled != 2 || data.Pushed != 3 || data.Conflicts != 1 {
			t.Fatalf("summary data = %+v", data)
		}
	}
}

func TestConflictEventCarriesRecord(t *testing.T) {
	s := testServer(t)
	conn := dial(t, s)

	s.ConflictResolved(todosync.ConflictRecord{
		Kind:          model.KindTask,
		EntityID:      "t9",
		Policy:        todosync.PolicyMerge,
		LocalVersion:  2,
		RemoteVersion: 2,
		MergedVersion: 3,
		Resolution:    "merged",
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeConflict {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeConflict)
	}
	var rec todosync.ConflictRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.EntityID != "t9" || rec.MergedVersion != 3 {
		t.Fatalf("record = %+v", rec)
	}
}
