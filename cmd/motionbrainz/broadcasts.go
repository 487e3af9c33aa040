package main

import "time"

// StateBroadcast is a reducer-emitted, externally visible state change.
// The broadcaster converts these into WS frames.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastMotionLevel carries the current motion magnitude and its 0..1 indicator level.
type BroadcastMotionLevel struct {
	Magnitude float64
	Level     float64
	At        time.Time
}

func (BroadcastMotionLevel) broadcastMarker() {}

// BroadcastGesture announces a classified gesture.
type BroadcastGesture struct {
	ID        string
	Label     Label
	Magnitude float64
	At        time.Time
}

func (BroadcastGesture) broadcastMarker() {}

// BroadcastThresholdChanged announces a new trigger threshold.
type BroadcastThresholdChanged struct {
	Threshold float64
	At        time.Time
}

func (BroadcastThresholdChanged) broadcastMarker() {}

// BroadcastTriggerArmed announces whether the trigger is waiting for motion.
type BroadcastTriggerArmed struct {
	Armed bool
	At    time.Time
}

func (BroadcastTriggerArmed) broadcastMarker() {}

// BroadcastClassifyFailed announces a failed classification.
type BroadcastClassifyFailed struct {
	Error string
	At    time.Time
}

func (BroadcastClassifyFailed) broadcastMarker() {}
