package main

import "time"

// DaemonState is the top-level, daemon-owned state container.
//
// It is owned by the daemon goroutine (single-owner) and only changed by Reduce.
// Other goroutines see it through StateSnapshot.
type DaemonState struct {
	// SessionID identifies this monitoring session in journal rows and broker messages.
	SessionID string

	Trigger    TriggerState
	Motion     MotionState
	Classifier ClassifierState
}

// TriggerState is the large-motion detector.
//
// Lifecycle: Armed -> (crossing) PendingAt set -> (PendingAt reached) InFlight
// -> (result or failure) RearmAt set -> (RearmAt reached) Armed.
// Crossings while not armed are dropped.
type TriggerState struct {
	Threshold float64

	Armed    bool
	InFlight bool

	// PendingAt is when a detected large motion should be classified. Zero means none pending.
	PendingAt        time.Time
	PendingMagnitude float64

	// RearmAt is when the trigger becomes armed again after a classification. Zero means not scheduled.
	RearmAt time.Time

	LastTriggeredAt time.Time
}

// MotionState tracks the incoming sample stream.
type MotionState struct {
	Samples       uint64
	LastSampleAt  time.Time
	LastMagnitude float64

	// LastLevel is the last broadcast indicator level (rounded), used to suppress
	// broadcasts that would not change what clients display.
	LastLevel      float64
	LevelBroadcast bool
}

// ClassifierState tracks classification results for the session.
type ClassifierState struct {
	// Blob is the state returned by the last successful classification.
	Blob []float64

	LastLabel Label
	LastAt    time.Time
	LastID    string

	Counts          map[Label]int
	Failures        int
	JournalFailures int
}

// NewDaemonState returns an armed state with the given threshold.
func NewDaemonState(sessionID string, threshold float64) *DaemonState {
	return &DaemonState{
		SessionID: sessionID,
		Trigger: TriggerState{
			Threshold: threshold,
			Armed:     true,
		},
		Classifier: ClassifierState{
			Counts: make(map[Label]int),
		},
	}
}

// StateSnapshot is a copy of DaemonState safe to hand to other goroutines.
type StateSnapshot struct {
	SessionID string

	Threshold float64
	Armed     bool
	InFlight  bool

	Samples       uint64
	LastMagnitude float64

	LastLabel Label
	LastAt    time.Time
	Counts    map[Label]int
	Failures  int
}

// Snapshot copies the externally relevant parts of the state.
func (s *DaemonState) Snapshot() StateSnapshot {
	counts := make(map[Label]int, len(s.Classifier.Counts))
	for k, v := range s.Classifier.Counts {
		counts[k] = v
	}
	return StateSnapshot{
		SessionID:     s.SessionID,
		Threshold:     s.Trigger.Threshold,
		Armed:         s.Trigger.Armed,
		InFlight:      s.Trigger.InFlight,
		Samples:       s.Motion.Samples,
		LastMagnitude: s.Motion.LastMagnitude,
		LastLabel:     s.Classifier.LastLabel,
		LastAt:        s.Classifier.LastAt,
		Counts:        counts,
		Failures:      s.Classifier.Failures,
	}
}

// nextStateBlob returns the blob for the next classification: the carried blob
// when enabled and present, else a zeroed blob of the configured size.
func (s *DaemonState) nextStateBlob(cfg ReducerConfig) []float64 {
	if cfg.CarryState && len(s.Classifier.Blob) > 0 {
		return cloneState(s.Classifier.Blob)
	}
	return zeroState(cfg.StateSize)
}
