package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wheelsort/wheelsort/pkg/emc"
)

type chanSource struct {
	events       chan *emc.Event
	unsubscribed chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{events: make(chan *emc.Event, 8), unsubscribed: make(chan struct{})}
}

func (s *chanSource) Subscribe() (<-chan *emc.Event, func()) {
	return s.events, func() { close(s.unsubscribed) }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEMCEventsHandler_StreamsPeerEvents(t *testing.T) {
	h := NewEMCEventsHandler(nil, MonitorConfig{MaxConnections: 2})
	defer h.Close()
	source := newChanSource()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, source) }()

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.Clients() == 1 })

	source.events <- &emc.Event{
		EventID:          "ev-1",
		InstanceID:       "line-b",
		NotificationType: emc.ColdReset,
		CardNo:           3,
		TimeoutMs:        5000,
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != "emc."+string(emc.ColdReset) || msg.Payload.CardNo != 3 || msg.Payload.InstanceID != "line-b" {
		t.Errorf("unexpected message %+v", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	<-source.unsubscribed
}

func TestEMCEventsHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewEMCEventsHandler(nil, MonitorConfig{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/emc/events", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestEMCEventsHandler_ConnectionLimit(t *testing.T) {
	h := NewEMCEventsHandler(nil, MonitorConfig{MaxConnections: 1})
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer first.Close()
	waitFor(t, func() bool { return h.Clients() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
}

func TestEMCEventsHandler_RejectsForeignOrigin(t *testing.T) {
	h := NewEMCEventsHandler(nil, MonitorConfig{AllowedOrigins: []string{"https://hmi.plant.local"}})
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header); err == nil {
		t.Fatal("expected foreign origin to be refused")
	}
}

func TestConnectionManager_CardFilter(t *testing.T) {
	m := NewConnectionManager(4)
	all := newMonitorClient(nil)
	cardTwo := newMonitorClient(nil)
	cardTwo.watch(2)
	for _, c := range []*monitorClient{all, cardTwo} {
		if err := m.register(c); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	if err := m.Broadcast(&emc.Event{EventID: "a", NotificationType: emc.ResetComplete, CardNo: 1}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(all.send) != 1 || len(cardTwo.send) != 0 {
		t.Errorf("card 1 event: got %d and %d queued", len(all.send), len(cardTwo.send))
	}

	_ = m.Broadcast(&emc.Event{EventID: "b", NotificationType: emc.ResetComplete, CardNo: 2})
	if len(all.send) != 2 || len(cardTwo.send) != 1 {
		t.Errorf("card 2 event: got %d and %d queued", len(all.send), len(cardTwo.send))
	}

	cardTwo.unwatch(2)
	if !cardTwo.wants(7) {
		t.Error("a client without cards follows every card")
	}
	m.Close()
	if m.Count() != 0 {
		t.Errorf("expected no clients after Close, got %d", m.Count())
	}
}

func TestConnectionManager_DropsSlowClients(t *testing.T) {
	m := NewConnectionManager(0)
	slow := newMonitorClient(nil)
	if err := m.register(slow); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i <= defaultSendBuffer; i++ {
		_ = m.Broadcast(&emc.Event{EventID: "x", NotificationType: emc.ResetComplete})
	}
	if m.Count() != 0 {
		t.Errorf("expected slow client to be dropped, got %d clients", m.Count())
	}
}
