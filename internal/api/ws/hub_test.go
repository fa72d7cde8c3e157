package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/mediaflow/internal/queue"
)

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	before := h.Count()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for h.Count() == before {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) queue.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var ev queue.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return ev
}

func TestRelayFiltersByType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	broker := queue.NewMemoryBroker(3, nil)
	if err := h.Relay(ctx, broker); err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	all := dial(t, h, "")
	media := dial(t, h, "?types=media.")

	_ = broker.PublishEvent(ctx, queue.NewEvent(queue.EventIdentityRenamed, "", map[string]any{"cluster_id": 3}))
	_ = broker.PublishEvent(ctx, queue.NewEvent(queue.EventMediaCompleted, "abc", nil))

	if ev := read(t, all); ev.Type != queue.EventIdentityRenamed {
		t.Errorf("unfiltered client: got %q first", ev.Type)
	}
	if ev := read(t, all); ev.Type != queue.EventMediaCompleted {
		t.Errorf("unfiltered client: got %q second", ev.Type)
	}
	if ev := read(t, media); ev.Type != queue.EventMediaCompleted || ev.ContentHash != "abc" {
		t.Errorf("filtered client got %+v", ev)
	}
}

func TestClientWants(t *testing.T) {
	tests := []struct {
		name   string
		client Client
		ev     queue.Event
		want   bool
	}{
		{"no filter", Client{}, queue.Event{Type: "media.failed"}, true},
		{"prefix match", Client{types: []string{"identity.", "media."}}, queue.Event{Type: "media.failed"}, true},
		{"prefix miss", Client{types: []string{"identity."}}, queue.Event{Type: "media.failed"}, false},
		{"hash match", Client{hash: "h1"}, queue.Event{Type: "media.completed", ContentHash: "h1"}, true},
		{"hash miss", Client{hash: "h1"}, queue.Event{Type: "media.completed", ContentHash: "h2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.wants(tt.ev); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	conn := dial(t, h, "")
	cancel()
	<-stopped

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
	if h.Count() != 0 {
		t.Errorf("clients left: %d", h.Count())
	}
}
