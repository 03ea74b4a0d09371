package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func newClient(id string, topics ...string) *Client {
	if topics == nil {
		topics = []string{}
	}
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 256)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", TopicRoutings)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(TopicRoutings) != 1 {
		t.Fatalf("expected 1 client on routings, got %d/%d", hub.ClientCount(), hub.TopicCount(TopicRoutings))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(TopicRoutings) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister must not panic on a closed channel
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	subscriber := newClient("sub", TopicRoutings)
	other := newClient("other", TopicCapacity)
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast(TopicRoutings, Event{Type: "routing.transition", Topic: TopicRoutings, Status: "matched"})

	if ev := receive(t, subscriber); ev.Status != "matched" {
		t.Fatalf("expected status matched, got %s", ev.Status)
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_PublishFansOutToFacilityTopic(t *testing.T) {
	hub := newTestHub()
	dashboard := newClient("dash", TopicRoutings)
	facility := newClient("fac", FacilityTopic("f-1"))
	hub.Register(dashboard)
	hub.Register(facility)

	err := hub.Publish(context.Background(), Event{
		Type:       "routing.transition",
		Topic:      TopicRoutings,
		RoutingID:  "r-1",
		FacilityID: "f-1",
		Status:     "notified",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev := receive(t, dashboard); ev.RoutingID != "r-1" {
		t.Errorf("dashboard got routing %q", ev.RoutingID)
	}
	ev := receive(t, facility)
	if ev.FacilityID != "f-1" {
		t.Errorf("facility got facility %q", ev.FacilityID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled")
	}
}

func TestHub_SlowClientSkipped(t *testing.T) {
	hub := newTestHub()
	slow := &Client{ID: "slow", Topics: []string{TopicRoutings}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	hub.Broadcast(TopicRoutings, Event{Type: "a"})
	hub.Broadcast(TopicRoutings, Event{Type: "b"})

	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", hub.Dropped())
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := newClient("dyn")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{TopicRoutings, TopicCapacity}})
	if hub.TopicCount(TopicRoutings) != 1 || hub.TopicCount(TopicCapacity) != 1 {
		t.Fatal("expected subscriptions on both topics")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{TopicRoutings}})
	if hub.TopicCount(TopicRoutings) != 0 {
		t.Fatalf("expected 0 on routings, got %d", hub.TopicCount(TopicRoutings))
	}
	if len(client.Topics) != 1 || client.Topics[0] != TopicCapacity {
		t.Fatalf("unexpected remaining topics %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", TopicRoutings)
			hub.Register(c)
			hub.Broadcast(TopicRoutings, Event{Type: "x"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newTestHub(), nil).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewHandler(newTestHub(), nil).HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	h := NewHandler(newTestHub(), []string{"https://ops.example.org"})

	ok := httptest.NewRequest(http.MethodGet, "/ws", nil)
	ok.Header.Set("Origin", "https://ops.example.org")
	if !h.upgrader.CheckOrigin(ok) {
		t.Error("expected allowed origin to pass")
	}

	bad := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bad.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(bad) {
		t.Error("expected foreign origin to be rejected")
	}

	if !NewHandler(newTestHub(), []string{"*"}).upgrader.CheckOrigin(bad) {
		t.Error("expected wildcard to accept any origin")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=" + TopicRoutings

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(TopicRoutings) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(TopicRoutings) != 1 {
		t.Fatalf("expected 1 subscriber on routings, got %d", hub.TopicCount(TopicRoutings))
	}

	hub.Publish(context.Background(), Event{Type: "routing.transition", Topic: TopicRoutings, RoutingID: "r-9"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.RoutingID != "r-9" {
		t.Fatalf("expected routing r-9, got %s", received.RoutingID)
	}
}
