package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the daemon's WS envelope: {"type": ..., "ts": ..., "data": {...}}.
type frame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type motionLevel struct {
	Magnitude float64 `json:"magnitude"`
	Level     float64 `json:"level"`
}

type gesture struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	Magnitude float64 `json:"magnitude"`
}

func main() {
	var (
		wsURL   = flag.String("ws", "ws://127.0.0.1:3002/ws", "motionbrainz state feed URL")
		showRaw = flag.Bool("raw", false, "Print every frame as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	p := &printer{raw: *showRaw}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			// Any frame proves the connection is alive.
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				p.handle(message)
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printer renders frames, suppressing motion_level frames whose rounded level did not change.
type printer struct {
	raw       bool
	lastLevel *float64
}

func (p *printer) handle(message []byte) {
	if p.raw {
		fmt.Printf("%s\n", message)
		return
	}

	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	ts := f.Ts.Local().Format("15:04:05.000")

	switch f.Type {
	case "motion_level":
		var m motionLevel
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return
		}
		level := math.Round(m.Level*10) / 10
		if p.lastLevel != nil && *p.lastLevel == level {
			return
		}
		p.lastLevel = &level
		fmt.Printf("%s [LEVEL] %-10s %.3f\n", ts, bar(level), m.Magnitude)

	case "gesture":
		var g gesture
		if err := json.Unmarshal(f.Data, &g); err != nil {
			return
		}
		fmt.Printf("%s [GESTURE] %s (magnitude %.3f, id %s)\n", ts, g.Label, g.Magnitude, g.ID)

	default:
		var data any
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &data)
		}
		pretty, _ := json.MarshalIndent(data, "", "  ")
		fmt.Printf("%s [%s]\n%s\n\n", ts, f.Type, string(pretty))
	}
}

// bar renders a 0..1 level as a 10-cell bar.
func bar(level float64) string {
	n := int(math.Round(math.Max(0, math.Min(level, 1)) * 10))
	b := make([]byte, 10)
	for i := range b {
		if i < n {
			b[i] = '#'
		} else {
			b[i] = '.'
		}
	}
	return string(b)
}
