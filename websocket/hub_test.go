package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelearn/backend/logger"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	hub, srv, _ := startTestHub(t, true)
	return hub, srv
}

// startTestHub serves a hub over httptest. Registered clients are sent on the
// returned channel; without a writer nothing drains their Send queue.
func startTestHub(t *testing.T, writer bool) (*Hub, *httptest.Server, <-chan *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(logger.Nop())
	go hub.Run(ctx)

	clients := make(chan *Client, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.RegisterClient(conn, r.URL.Query().Get("user"), r.URL.Query().Get("org"))
		if writer {
			go client.WritePump()
		}
		go client.ReadPump()
		clients <- client
	}))
	t.Cleanup(srv.Close)
	return hub, srv, clients
}

func dial(t *testing.T, srv *httptest.Server, user, org string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&org=" + org
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, org string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount(org) != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount(%s) = %d, want %d", org, hub.ClientCount(org), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesOnlyOrganization(t *testing.T) {
	hub, srv := newTestHub(t)
	alpha := dial(t, srv, "u1", "org-a")
	beta := dial(t, srv, "u2", "org-b")
	waitForClients(t, hub, "org-a", 1)
	waitForClients(t, hub, "org-b", 1)

	hub.BroadcastToOrganization("org-a", "usage.updated", map[string]int{"minutes": 2})

	alpha.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alpha.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "usage.updated" || ev.OrganizationID != "org-a" {
		t.Errorf("event = %+v", ev)
	}

	beta.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := beta.ReadMessage(); err == nil {
		t.Error("other organization received the event")
	}
}

func TestPingGetsPong(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "u1", "org-a")
	waitForClients(t, hub, "org-a", 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("reply = %s", data)
	}
}

func TestClientUnregistersOnClose(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "u1", "org-a")
	waitForClients(t, hub, "org-a", 1)

	conn.Close()
	waitForClients(t, hub, "org-a", 0)
}

func TestBroadcastWithoutOrganizationIsDropped(t *testing.T) {
	hub := NewHub(logger.Nop())
	hub.BroadcastToOrganization("", "usage.updated", nil)
	if len(hub.broadcast) != 0 {
		t.Error("event without organization was queued")
	}
}

func TestPingAfterSlowConsumerEviction(t *testing.T) {
	hub, srv, clients := startTestHub(t, false)
	conn := dial(t, srv, "u1", "org-a")
	client := <-clients
	waitForClients(t, hub, "org-a", 1)

	// Nothing drains Send, so the hub evicts the client and closes it.
	for i := 0; i < cap(client.Send)+10; i++ {
		hub.BroadcastToOrganization("org-a", "usage.updated", i)
	}
	waitForClients(t, hub, "org-a", 0)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(client.pong) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ping after eviction was not handed to the writer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterAfterShutdownDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger.Nop())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	registered := make(chan *Client, 1)
	go func() { registered <- hub.RegisterClient(nil, "u1", "org-a") }()
	select {
	case client := <-registered:
		if _, ok := <-client.Send; ok {
			t.Error("Send should be closed for a client registered after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RegisterClient blocked after the hub stopped")
	}
	if n := hub.ClientCount("org-a"); n != 0 {
		t.Errorf("ClientCount = %d, want 0", n)
	}
}
