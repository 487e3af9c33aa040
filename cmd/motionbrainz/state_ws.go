package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Rules:
//   - DaemonState stays daemon-owned; the initial snapshot on connect is
//     requested through the event loop (RequestStateSnapshot).
//   - Frames originate from reducer broadcasts (ReduceResult.Broadcasts).
//   - One slow client never blocks the others: a full send queue disconnects it.
//
// Frames are JSON text messages: {"type": ..., "ts": ..., "data": {...}}.
// The first frame on connect is "state_init".
//
// ============================================================================

// WS frame types.
const (
	wsTypeStateInit      = "state_init"
	wsTypeMotionLevel    = "motion_level"
	wsTypeGesture        = "gesture"
	wsTypeThreshold      = "threshold_changed"
	wsTypeTriggerArmed   = "trigger_armed"
	wsTypeClassifyFailed = "classify_failed"
)

// wsSnapshotData is the `data` payload of "state_init".
type wsSnapshotData struct {
	SessionID string `json:"session_id"`

	Threshold float64 `json:"threshold"`
	Armed     bool    `json:"armed"`
	InFlight  bool    `json:"in_flight"`

	Samples       uint64  `json:"samples"`
	LastMagnitude float64 `json:"last_magnitude"`

	LastLabel Label         `json:"last_label,omitempty"`
	LastAt    *time.Time    `json:"last_at,omitempty"`
	Counts    map[Label]int `json:"counts"`
	Failures  int           `json:"failures"`
}

func newWSSnapshotData(s StateSnapshot) wsSnapshotData {
	d := wsSnapshotData{
		SessionID:     s.SessionID,
		Threshold:     s.Threshold,
		Armed:         s.Armed,
		InFlight:      s.InFlight,
		Samples:       s.Samples,
		LastMagnitude: s.LastMagnitude,
		LastLabel:     s.LastLabel,
		Counts:        s.Counts,
		Failures:      s.Failures,
	}
	if !s.LastAt.IsZero() {
		at := s.LastAt.UTC()
		d.LastAt = &at
	}
	if d.Counts == nil {
		d.Counts = map[Label]int{}
	}
	return d
}

type wsMotionLevelData struct {
	Magnitude float64 `json:"magnitude"`
	Level     float64 `json:"level"`
}

type wsGestureData struct {
	ID        string  `json:"id"`
	Label     Label   `json:"label"`
	Magnitude float64 `json:"magnitude"`
}

type wsThresholdData struct {
	Threshold float64 `json:"threshold"`
}

type wsTriggerArmedData struct {
	Armed bool `json:"armed"`
}

type wsClassifyFailedData struct {
	Error string `json:"error"`
}

// wsOutboundEvent is a typed frame before serialization.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "now"
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalFrame(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At.UTC()
	if ev.At.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// convertBroadcast maps a reducer broadcast to its WS frame.
func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastMotionLevel:
		return wsOutboundEvent{
			Type: wsTypeMotionLevel,
			Data: wsMotionLevelData{Magnitude: ev.Magnitude, Level: ev.Level},
			At:   ev.At,
		}, true

	case BroadcastGesture:
		return wsOutboundEvent{
			Type: wsTypeGesture,
			Data: wsGestureData{ID: ev.ID, Label: ev.Label, Magnitude: ev.Magnitude},
			At:   ev.At,
		}, true

	case BroadcastThresholdChanged:
		return wsOutboundEvent{
			Type: wsTypeThreshold,
			Data: wsThresholdData{Threshold: ev.Threshold},
			At:   ev.At,
		}, true

	case BroadcastTriggerArmed:
		return wsOutboundEvent{
			Type: wsTypeTriggerArmed,
			Data: wsTriggerArmedData{Armed: ev.Armed},
			At:   ev.At,
		}, true

	case BroadcastClassifyFailed:
		return wsOutboundEvent{
			Type: wsTypeClassifyFailed,
			Data: wsClassifyFailedData{Error: ev.Error},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}

// broadcastType names a broadcast for logs.
func broadcastType(b StateBroadcast) string {
	if ev, ok := convertBroadcast(b); ok {
		return ev.Type
	}
	return fmt.Sprintf("%T", b)
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int
	// BroadcastBuf is the hub inbound broadcast queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if !c.trySend(msg) {
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// mu guards closed; send is only written or closed while holding it.
	mu     sync.Mutex
	closed bool

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// trySend queues msg without blocking. It reports false if the queue is full
// or the client is closed.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the connection and signals writePump to exit. Safe to call twice.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.send)
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsLevelCoalesceWindow is the maximum rate at which motion_level frames are sent.
// Samples arrive at ~200 Hz; clients get the latest level at most every window.
const wsLevelCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming messages to detect disconnects and handle control frames.
// It exits on read error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler
// ============================================================================

// StateServer serves the /ws state feed.
type StateServer struct {
	logger *slog.Logger
	hub    *Hub

	// Initial snapshots are requested through the event loop.
	events chan<- Event
}

// NewStateServer constructs the WS components. Start hub.Run(ctx) and RunBroadcaster.
func NewStateServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *StateServer {
	logger = logger.With("component", "ws")
	return &StateServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		events: events,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// requestSnapshot asks the daemon loop for a StateSnapshot.
func requestSnapshot(ctx context.Context, events chan<- Event) (StateSnapshot, error) {
	if events == nil {
		return StateSnapshot{}, errors.New("no event loop")
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Second)
		defer cancel()
	}

	reply := make(chan StateSnapshot, 1)
	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

// ServeHTTP upgrades and registers a client, then sends state_init.
func (s *StateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register first so broadcasts can reach the client.
	s.hub.register <- client

	// Pumps are not tied to r.Context(): net/http cancels it when this handler
	// returns. The hub and websocket errors end the connection instead.
	go client.writePump()
	go client.readPump()

	snap, err := requestSnapshot(r.Context(), s.events)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := marshalFrame(wsOutboundEvent{Type: wsTypeStateInit, Data: newWSSnapshotData(snap)})
	if err != nil {
		s.logger.Warn("ws marshal state_init failed", "error", err)
		return
	}

	if !client.trySend(initMsg) {
		s.hub.unregister <- client
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads reducer broadcasts, marshals them and fans them out.
// Intended to run as a single goroutine.
//
// motion_level frames are rate-limited: the latest level is flushed at most
// once per wsLevelCoalesceWindow (latest-wins, no debounce-on-silence). Any
// other frame flushes a pending level first so ordering is preserved.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerC <-chan time.Time

	send := func(ev wsOutboundEvent) {
		msg, err := marshalFrame(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		if pending != nil {
			send(*pending)
			pending = nil
		}
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerC:
			flushPending()
			stopTimer()

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == wsTypeMotionLevel {
				pending = &ev
				if timer == nil {
					timer = time.NewTimer(wsLevelCoalesceWindow)
					timerC = timer.C
				}
				continue
			}

			flushPending()
			stopTimer()
			send(ev)
		}
	}
}
