package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernlabs/fern/pkg/models"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := dialHub(t, hub)

	// The subscription is registered during the upgrade handshake, which
	// Dial has completed by the time it returns.
	hub.Emit(context.Background(), models.TextEvent("sess_1", "hello"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.AgentEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != models.EventText {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Text == nil || ev.Text.Delta != "hello" {
		t.Errorf("Text = %+v", ev.Text)
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a := dialHub(t, hub)
	b := dialHub(t, hub)

	hub.Emit(context.Background(), models.IdleEvent("sess_1"))

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev models.AgentEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("subscriber %s: ReadJSON: %v", name, err)
		}
		if ev.Type != models.EventSessionIdle {
			t.Errorf("subscriber %s: Type = %q", name, ev.Type)
		}
	}
}

func TestHubEmitNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// A subscriber that never reads; its queue fills and overflow drops.
	dialHub(t, hub)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer*4; i++ {
			hub.Emit(context.Background(), models.TextEvent("sess_1", "x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)
	time.Sleep(50 * time.Millisecond)

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("close error = %v, want going away", err)
			}
			return
		}
	}
}
