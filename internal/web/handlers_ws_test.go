package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/peoplecounter"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func capabilityEvent(ieee string, value int) coordinator.Event {
	return coordinator.Event{
		Type: coordinator.EventCapabilityChanged,
		Data: map[string]any{"ieee": ieee, "capability": peoplecounter.CapMeasurePeople, "value": value},
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(capabilityEvent(testIEEE, 3))
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case raw := <-c.send:
			var msg wsMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("client %d: %v", i, err)
			}
			if msg.Type != coordinator.EventCapabilityChanged || msg.Time.IsZero() {
				t.Errorf("client %d got %+v", i, msg)
			}
		default:
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubDeviceFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	one := &wsClient{send: make(chan []byte, 16), ieee: strings.ToLower(testIEEE)}
	hub.register <- all
	hub.register <- one
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(capabilityEvent("000D6F00AAAAAAAA", 1))
	hub.Broadcast(capabilityEvent(testIEEE, 2))
	hub.Broadcast(coordinator.Event{Type: coordinator.EventNetworkState, Data: map[string]any{"state": "up"}})
	time.Sleep(20 * time.Millisecond)

	if n := len(all.send); n != 3 {
		t.Errorf("unfiltered client got %d messages, want 3", n)
	}
	if n := len(one.send); n != 2 {
		t.Errorf("filtered client got %d messages, want 2", n)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(capabilityEvent(testIEEE, 1))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(capabilityEvent(testIEEE, 2))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// Run is not started, so nothing drains the queue.
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(capabilityEvent(testIEEE, i))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(capabilityEvent(testIEEE, -1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when queue is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	hub.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSEndToEnd(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("k"))
	env.seedDevice(t, testIEEE)
	env.seedDevice(t, "000D6F00AAAAAAAA")

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil); err == nil {
		t.Fatal("dial without api key succeeded")
	} else if resp != nil && resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?api_key=k&ieee=" + testIEEE
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for clientCount(env.srv.wsHub) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.SetCapabilityValue("000D6F00AAAAAAAA", peoplecounter.CapMeasurePeople, 9)
	env.hub.SetCapabilityValue(testIEEE, peoplecounter.CapMeasurePeople, 4)

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != coordinator.EventCapabilityChanged || msg.Data["ieee"] != testIEEE || msg.Data["value"] != 4.0 {
		t.Errorf("message = %+v", msg)
	}
}
