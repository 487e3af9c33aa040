package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hub tests construct Clients with a nil websocket.Conn; the hub never writes
// to the connection itself and Client.close tolerates nil.

// newTestHub returns a hub with small buffers for deterministic tests.
func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func runTestHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("timeout waiting for hub to stop")
		}
	})
	return cancel
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runTestHub(t, hub)

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)
	assert.Equal(t, 2, hub.Clients())

	msg := []byte(`{"type":"gesture","data":{"id":"g1","label":"up","magnitude":0.4}}`)

	// BroadcastBytes is non-blocking and may drop; feed the hub directly.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, string(got), string(msg))
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runTestHub(t, hub)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	// Pre-fill the slow client's buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"threshold_changed","data":{"threshold":0.2}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", string(got), string(msg))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
	assert.Equal(t, 1, hub.Clients())
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := newTestClient(nil, "c", 1)
	c.close()
	c.close()
	_, ok := <-c.send
	assert.False(t, ok)
}

func decodeFrame(t *testing.T, raw []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Ts   *time.Time     `json:"ts"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NotNil(t, env.Ts, "frame without ts")
	return env.Type, env.Data
}

func TestRunBroadcaster_CoalescesMotionLevel(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	runTestHub(t, hub)
	c := newTestClient(hub, "c", 16)
	registerAndWait(t, hub, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(chan StateBroadcast, 16)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	for _, lvl := range []float64{0.1, 0.2, 0.3} {
		src <- BroadcastMotionLevel{Magnitude: lvl / 5, Level: lvl}
	}

	select {
	case raw := <-c.send:
		typ, data := decodeFrame(t, raw)
		assert.Equal(t, wsTypeMotionLevel, typ)
		assert.Equal(t, 0.3, data["level"], "latest level wins")
	case <-time.After(time.Second):
		t.Fatal("no motion_level frame")
	}

	select {
	case raw := <-c.send:
		t.Fatalf("unexpected extra frame %s", raw)
	case <-time.After(3 * wsLevelCoalesceWindow):
	}
}

func TestRunBroadcaster_GestureFlushesPendingLevelFirst(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	runTestHub(t, hub)
	c := newTestClient(hub, "c", 16)
	registerAndWait(t, hub, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(chan StateBroadcast, 16)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	src <- BroadcastMotionLevel{Magnitude: 0.1, Level: 0.5}
	src <- BroadcastGesture{ID: "g1", Label: LabelLeft, Magnitude: 0.3}

	var types []string
	for len(types) < 2 {
		select {
		case raw := <-c.send:
			typ, data := decodeFrame(t, raw)
			types = append(types, typ)
			if typ == wsTypeGesture {
				assert.Equal(t, "left", data["label"])
				assert.Equal(t, "g1", data["id"])
			}
		case <-time.After(time.Second):
			t.Fatalf("got %v, want two frames", types)
		}
	}
	assert.Equal(t, []string{wsTypeMotionLevel, wsTypeGesture}, types)
}

func TestBroadcastType(t *testing.T) {
	assert.Equal(t, wsTypeTriggerArmed, broadcastType(BroadcastTriggerArmed{Armed: true}))
	assert.Equal(t, wsTypeClassifyFailed, broadcastType(BroadcastClassifyFailed{Error: "x"}))
	assert.Equal(t, wsTypeThreshold, broadcastType(BroadcastThresholdChanged{}))
}

func TestStateServer_SendsStateInitOnConnect(t *testing.T) {
	events := make(chan Event, 1)
	srv := NewStateServer(slog.Default(), events, HubConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	// Stand-in for the daemon loop: answer snapshot requests.
	go func() {
		for ev := range events {
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- StateSnapshot{
					SessionID: "sess-1",
					Threshold: 0.1,
					Armed:     true,
					Samples:   42,
					Counts:    map[Label]int{LabelUp: 2},
				}
			}
		}
	}()
	defer close(events)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	typ, data := decodeFrame(t, raw)
	assert.Equal(t, wsTypeStateInit, typ)
	assert.Equal(t, "sess-1", data["session_id"])
	assert.Equal(t, true, data["armed"])
	assert.Equal(t, float64(42), data["samples"])
	assert.Equal(t, map[string]any{"up": float64(2)}, data["counts"])
	assert.NotContains(t, data, "last_at")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
