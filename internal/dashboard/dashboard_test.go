package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/engine"
	"github.com/coder/websocket"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

// waitForClients blocks until the server has registered n clients.
func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d client(s), got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := startServer(t)
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, server, 1)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestSyncLifecycleBroadcast(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, server, 1)

	handler := NewHandler(server, log.New(os.Stderr, "[test] ", 0))

	handler.SyncStarted()
	handler.SyncCompleted(&engine.Result{
		Success:  true,
		Pushed:   3,
		Pulled:   2,
		Tables:   []string{"applications"},
		Message:  "synced: 3 pushed, 2 pulled",
		Duration: 120 * time.Millisecond,
	})
	handler.ConnectionChanged(false)

	wantTypes := []MessageType{MessageTypeSyncStarted, MessageTypeSyncComplete, MessageTypeConnection}
	for i, want := range wantTypes {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read message %d: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message %d: %v", i, err)
		}
		if msg.Type != want {
			t.Errorf("message %d: expected type %s, got %s", i, want, msg.Type)
		}

		switch msg.Type {
		case MessageTypeSyncComplete:
			var payload SyncCompleteData
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				t.Fatalf("Failed to unmarshal sync data: %v", err)
			}
			if !payload.Success || payload.Pushed != 3 || payload.Pulled != 2 {
				t.Errorf("unexpected sync payload: %+v", payload)
			}
		case MessageTypeConnection:
			var payload ConnectionData
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				t.Fatalf("Failed to unmarshal connection data: %v", err)
			}
			if payload.Available {
				t.Error("expected available=false")
			}
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Failed to call /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode /health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}
