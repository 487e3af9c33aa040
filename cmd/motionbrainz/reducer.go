package main

import (
	"math"
	"time"
)

// This file implements the reducer:
//
//   - Events: inputs (samples, IPC requests, ticks, classifier and journal observations)
//   - Commands: side effects requested by the reducer (classify, journal, publish)
//   - Broadcasts: state changes for WS clients
//   - Reduce(): computes next state + commands + broadcasts, without performing I/O
//
// Writing samples into the SampleRing is not the reducer's job: the daemon loop
// owns the ring and writes each sample before reducing the matching event.

// ReducerConfig holds the reducer's static policy.
type ReducerConfig struct {
	// Settle is the delay between a threshold crossing and the classification.
	Settle time.Duration
	// Cooldown is how long the trigger stays disarmed after a classification.
	Cooldown time.Duration
	// CarryState feeds each returned classifier state into the next call.
	CarryState bool
	// StateSize is the length of the zeroed state blob used when nothing is carried.
	StateSize int
}

// ReduceResult is the output of Reduce(): next state plus side effects.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not read the clock; all times come from events
func Reduce(s *DaemonState, e Event, cfg ReducerConfig) ReduceResult {
	if s == nil {
		s = NewDaemonState("", defaultThreshold)
	}
	if s.Classifier.Counts == nil {
		s.Classifier.Counts = make(map[Label]int)
	}

	var rr ReduceResult

	switch ev := e.(type) {
	case TimedEvent:
		reduceTimed(s, ev, cfg, &rr)

	case Tick:
		stepTrigger(s, ev.Now, cfg, &rr)

	case PredictionObserved:
		s.Trigger.InFlight = false
		s.Trigger.RearmAt = ev.At.Add(cfg.Cooldown)

		if cfg.CarryState {
			s.Classifier.Blob = cloneState(ev.State)
		}
		s.Classifier.LastLabel = ev.Label
		s.Classifier.LastAt = ev.At
		s.Classifier.LastID = ev.ID
		s.Classifier.Counts[ev.Label]++

		rec := PredictionRecord{
			ID:        ev.ID,
			SessionID: s.SessionID,
			Label:     ev.Label,
			Magnitude: ev.Magnitude,
			Window:    ev.Window,
			At:        ev.At,
		}
		rr.Commands = append(rr.Commands, CmdRecordPrediction{Record: rec}, CmdPublishPrediction{Record: rec})
		rr.Broadcasts = append(rr.Broadcasts, BroadcastGesture{
			ID:        ev.ID,
			Label:     ev.Label,
			Magnitude: ev.Magnitude,
			At:        ev.At,
		})

		// A zero cooldown re-arms immediately.
		stepTrigger(s, ev.At, cfg, &rr)

	case ClassifyFailed:
		s.Trigger.InFlight = false
		s.Trigger.RearmAt = ev.At.Add(cfg.Cooldown)
		s.Classifier.Failures++

		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		rr.Broadcasts = append(rr.Broadcasts, BroadcastClassifyFailed{Error: msg, At: ev.At})
		stepTrigger(s, ev.At, cfg, &rr)

	case JournalFailed:
		s.Classifier.JournalFailures++

	default:
		// Unknown event type: no-op.
	}

	rr.State = s
	return rr
}

// reduceTimed handles external payload events stamped by the daemon loop.
func reduceTimed(s *DaemonState, te TimedEvent, cfg ReducerConfig, rr *ReduceResult) {
	at := te.At

	switch ev := te.Event.(type) {
	case SampleReceived:
		mag := ev.Magnitude()
		s.Motion.Samples++
		s.Motion.LastSampleAt = at
		s.Motion.LastMagnitude = mag

		level := roundTo(math.Min(mag/motionLevelFullScale, 1), 0.01)
		if !s.Motion.LevelBroadcast || level != s.Motion.LastLevel {
			s.Motion.LastLevel = level
			s.Motion.LevelBroadcast = true
			rr.Broadcasts = append(rr.Broadcasts, BroadcastMotionLevel{Magnitude: mag, Level: level, At: at})
		}

		t := &s.Trigger
		switch {
		case !t.PendingAt.IsZero():
			// Track the strongest motion seen while settling.
			if mag > t.PendingMagnitude {
				t.PendingMagnitude = mag
			}
		case t.Armed && mag > t.Threshold:
			t.PendingAt = at.Add(cfg.Settle)
			t.PendingMagnitude = mag
		}
		stepTrigger(s, at, cfg, rr)

	case SetThreshold:
		if ev.Threshold < 0 || math.IsNaN(ev.Threshold) {
			return
		}
		if ev.Threshold != s.Trigger.Threshold {
			s.Trigger.Threshold = ev.Threshold
			rr.Broadcasts = append(rr.Broadcasts, BroadcastThresholdChanged{Threshold: ev.Threshold, At: at})
		}

	case ForceTrigger:
		if s.Trigger.Armed && s.Trigger.PendingAt.IsZero() {
			s.Trigger.PendingAt = at
			s.Trigger.PendingMagnitude = s.Motion.LastMagnitude
		}
		stepTrigger(s, at, cfg, rr)

	case RequestStateSnapshot:
		rr.Commands = append(rr.Commands, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: s.Snapshot(),
		})

	default:
		// no-op
	}
}

// stepTrigger advances the trigger to time now: re-arms after cooldown and
// fires a pending classification once its settle time is reached.
func stepTrigger(s *DaemonState, now time.Time, cfg ReducerConfig, rr *ReduceResult) {
	t := &s.Trigger

	if !t.Armed && !t.InFlight && !t.RearmAt.IsZero() && !now.Before(t.RearmAt) {
		t.Armed = true
		t.RearmAt = time.Time{}
		rr.Broadcasts = append(rr.Broadcasts, BroadcastTriggerArmed{Armed: true, At: now})
	}

	if t.Armed && !t.PendingAt.IsZero() && !now.Before(t.PendingAt) {
		t.Armed = false
		t.InFlight = true
		t.LastTriggeredAt = now
		mag := t.PendingMagnitude
		t.PendingAt = time.Time{}
		t.PendingMagnitude = 0

		rr.Commands = append(rr.Commands, CmdClassify{
			State:       s.nextStateBlob(cfg),
			Magnitude:   mag,
			TriggeredAt: now,
		})
		rr.Broadcasts = append(rr.Broadcasts, BroadcastTriggerArmed{Armed: false, At: now})
	}
}

func roundTo(v, step float64) float64 {
	return math.Round(v/step) * step
}
