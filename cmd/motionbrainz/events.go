package main

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ============================================================================
// Events - reducer inputs
// ============================================================================
// External events (motion sources, IPC, WS) carry payload only; the daemon
// loop stamps them with a receive time via TimedEvent. Internal observation
// events (Tick, classifier results, journal failures) carry their own time.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent wraps an external payload event with the time the daemon received it.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Tick is emitted by the daemon loop at a fixed cadence.
// Dt is wall-clock delta in seconds between ticks.
type Tick struct {
	Now time.Time
	Dt  float64
}

func (Tick) eventMarker() {}

// SampleReceived is one motion reading from a source (or pushed over IPC).
type SampleReceived struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (SampleReceived) eventMarker() {}

// Magnitude is the L1 norm used for trigger detection.
func (s SampleReceived) Magnitude() float64 {
	return math.Abs(s.X) + math.Abs(s.Y) + math.Abs(s.Z)
}

// SetThreshold changes the large-motion threshold at runtime.
type SetThreshold struct {
	Threshold float64 `json:"threshold"`
}

func (SetThreshold) eventMarker() {}

// ForceTrigger requests a classification regardless of the threshold.
// It still respects the cooldown.
type ForceTrigger struct{}

func (ForceTrigger) eventMarker() {}

// RequestStateSnapshot asks the daemon loop to publish a StateSnapshot on Reply.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// PredictionObserved is emitted when a classification completes.
type PredictionObserved struct {
	ID          string
	Label       Label
	State       []float64
	Window      Window
	Magnitude   float64
	TriggeredAt time.Time
	At          time.Time
}

func (PredictionObserved) eventMarker() {}

// ClassifyFailed is emitted when a classification errors or times out.
type ClassifyFailed struct {
	Err error
	At  time.Time
}

func (ClassifyFailed) eventMarker() {}

// JournalFailed is emitted when persisting a prediction fails.
type JournalFailed struct {
	ID  string
	Err error
	At  time.Time
}

func (JournalFailed) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events for JSON serialization/deserialization.
// Since Go doesn't have union types, we use a type discriminator.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "push_sample":
		var a SampleReceived
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SampleReceived: %w", err)
		}
		return a, nil

	case "set_threshold":
		var a SetThreshold
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetThreshold: %w", err)
		}
		if a.Threshold < 0 {
			return nil, fmt.Errorf("threshold must be >= 0 (got %v)", a.Threshold)
		}
		return a, nil

	case "force_trigger":
		return ForceTrigger{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case SampleReceived:
		env.Type = "push_sample"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SampleReceived: %w", err)
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
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
