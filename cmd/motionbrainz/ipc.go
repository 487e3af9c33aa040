package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// External producers and motion-ctl talk to the daemon over a Unix socket:
//   - push_sample    {"x":..,"y":..,"z":..}  feeds the sample window
//   - set_threshold  {"threshold":..}        tunes the trigger
//   - force_trigger                          classifies the current window
//
// Protocol: Line-delimited JSON, one response line per request
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//
// A connection may carry any number of requests (motion-ctl replay streams
// a whole file over one connection).
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
}

// errEventQueueFull is reported to clients instead of blocking the connection.
var errEventQueueFull = errors.New("event queue full")

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	logger = logger.With("component", "ipc")

	// Remove a stale socket file from a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, logger)
	}
}

// handleIPCConnection serves one client until it disconnects or ctx ends.
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)
	accepted := 0

	reply := func(err error) bool {
		resp := IPCResponse{Status: "ok"}
		if err != nil {
			resp = IPCResponse{Status: "error", Error: err.Error()}
		}
		if encErr := encoder.Encode(resp); encErr != nil {
			logger.Debug("IPC failed to send response", "error", encErr)
			return false
		}
		return true
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Payload events only; the daemon assigns timestamps via TimedEvent
		ev, err := UnmarshalEvent([]byte(line))
		if err != nil {
			if !reply(fmt.Errorf("parse event: %w", err)) {
				return
			}
			continue
		}

		select {
		case events <- ev:
			accepted++
			if !reply(nil) {
				return
			}
		default:
			if !reply(errEventQueueFull) {
				return
			}
		}
	}

	logger.Debug("IPC connection closed", "accepted", accepted)
}

// ============================================================================
// IPC Client
// ============================================================================

// IPCClient holds one connection to the daemon's socket.
type IPCClient struct {
	conn net.Conn
	dec  *json.Decoder
}

// DialIPC connects to the daemon at socketPath.
func DialIPC(socketPath string) (*IPCClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &IPCClient{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// Send writes ev and waits for the daemon's response.
func (c *IPCClient) Send(ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(c.conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp IPCResponse
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}

func (c *IPCClient) Close() error {
	return c.conn.Close()
}

// SendIPCEvent sends a single event over a fresh connection.
func SendIPCEvent(socketPath string, ev Event) error {
	c, err := DialIPC(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Send(ev)
}
