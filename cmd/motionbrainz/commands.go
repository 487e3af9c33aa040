package main

import (
	"fmt"
	"time"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// CmdClassify requests classification of the current window.
// State is the blob to pass to the classifier (nil or zeroed on first use).
type CmdClassify struct {
	State       []float64
	Magnitude   float64
	TriggeredAt time.Time
}

func (CmdClassify) commandMarker() {}
func (c CmdClassify) String() string {
	return fmt.Sprintf("CmdClassify(magnitude=%.3f, state_len=%d)", c.Magnitude, len(c.State))
}

// CmdRecordPrediction persists a prediction to the journal.
type CmdRecordPrediction struct {
	Record PredictionRecord
}

func (CmdRecordPrediction) commandMarker() {}
func (c CmdRecordPrediction) String() string {
	return fmt.Sprintf("CmdRecordPrediction(id=%s, label=%s)", c.Record.ID, c.Record.Label)
}

// CmdPublishPrediction publishes a prediction to the message broker.
type CmdPublishPrediction struct {
	Record PredictionRecord
}

func (CmdPublishPrediction) commandMarker() {}
func (c CmdPublishPrediction) String() string {
	return fmt.Sprintf("CmdPublishPrediction(id=%s, label=%s)", c.Record.ID, c.Record.Label)
}

// CmdPublishStateSnapshot delivers a reducer-built snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }

// PredictionRecord is the externally visible form of one classification.
// It is what gets journaled and published.
type PredictionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Label     Label     `json:"label"`
	Magnitude float64   `json:"magnitude"`
	Window    Window    `json:"window"`
	At        time.Time `json:"at"`
}
