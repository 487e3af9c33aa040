package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// motion-ctl - Command-line IPC Client
// ============================================================================
// This tool sends events to the motionbrainz daemon via IPC.
//
// Usage:
//   motion-ctl push 0.1 0.0 -0.2
//   motion-ctl threshold 0.25
//   motion-ctl trigger
//   motion-ctl replay gestures.csv -rate 100
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/motionbrainz.sock)
// ============================================================================

const defaultSocketPath = "/tmp/motionbrainz.sock"

// Event types (duplicated from the daemon package for a standalone binary)
type Event interface{}

type PushSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type SetThreshold struct {
	Threshold float64 `json:"threshold"`
}

type ForceTrigger struct{}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func main() {
	socketPath := defaultSocketPath

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var ev Event

	switch args[0] {
	case "push":
		if len(args) != 4 {
			fmt.Fprintf(os.Stderr, "error: push requires x y z\n")
			os.Exit(1)
		}
		s, err := parseSample(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		ev = s

	case "threshold":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: threshold requires a value\n")
			os.Exit(1)
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil || v < 0 {
			fmt.Fprintf(os.Stderr, "error: invalid threshold %q\n", args[1])
			os.Exit(1)
		}
		ev = SetThreshold{Threshold: v}

	case "trigger":
		ev = ForceTrigger{}

	case "replay":
		if err := runReplay(socketPath, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err := sendEvent(socketPath, ev); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

func parseSample(fields []string) (PushSample, error) {
	if len(fields) != 3 {
		return PushSample{}, fmt.Errorf("want 3 values, got %d", len(fields))
	}
	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return PushSample{}, fmt.Errorf("invalid value %q", f)
		}
		v[i] = n
	}
	return PushSample{X: v[0], Y: v[1], Z: v[2]}, nil
}

// readSamples parses "x,y,z" lines. Blank lines and lines starting with '#' are skipped.
func readSamples(r io.Reader) ([]PushSample, error) {
	var out []PushSample
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := parseSample(strings.Split(text, ","))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// runReplay pushes every sample of a CSV file at a fixed rate over one connection.
func runReplay(socketPath string, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	rate := fs.Int("rate", 100, "samples per second")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("replay requires a file")
	}
	path := fs.Arg(0)
	// Allow flags after the file name too.
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return err
	}
	if *rate <= 0 {
		return fmt.Errorf("invalid rate %d", *rate)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	samples, err := readSamples(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	dec := json.NewDecoder(conn)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	for i, s := range samples {
		if i > 0 {
			<-ticker.C
		}
		if err := sendOn(conn, dec, s); err != nil {
			return fmt.Errorf("sample %d: %w", i+1, err)
		}
	}

	fmt.Printf("ok (%d samples)\n", len(samples))
	return nil
}

func sendEvent(socketPath string, ev Event) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	return sendOn(conn, json.NewDecoder(conn), ev)
}

// sendOn writes one line-delimited event and waits for the daemon's response.
func sendOn(w io.Writer, dec *json.Decoder, ev Event) error {
	data, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	if err := dec.Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}
	return nil
}

func marshalEvent(ev Event) ([]byte, error) {
	var env EventEnvelope

	switch e := ev.(type) {
	case PushSample:
		env.Type = "push_sample"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal PushSample: %w", err)
		}
		env.Data = data

	case SetThreshold:
		env.Type = "set_threshold"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetThreshold: %w", err)
		}
		env.Data = data

	case ForceTrigger:
		env.Type = "force_trigger"

	default:
		return nil, fmt.Errorf("unknown event type: %T", ev)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `motion-ctl - Control the motionbrainz daemon via IPC

Usage:
  motion-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)

Commands:
  push <x> <y> <z>              Push one motion sample
  threshold <value>             Set the trigger magnitude threshold
  trigger                       Classify the current window now
  replay <file> [-rate HZ]      Push "x,y,z" lines from a CSV file (default 100 Hz)
  help, -h, --help              Show this help message

Examples:
  motion-ctl push 0.4 0 0
  motion-ctl threshold 0.2
  motion-ctl -socket /run/motionbrainz.sock replay swipe-left.csv -rate 200
`, defaultSocketPath)
}
