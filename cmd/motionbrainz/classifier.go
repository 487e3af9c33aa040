package main

import (
	"context"
	"strings"
)

// Label is a classified gesture direction.
type Label string

const (
	LabelUp      Label = "up"
	LabelDown    Label = "down"
	LabelLeft    Label = "left"
	LabelRight   Label = "right"
	LabelUnknown Label = "unknown"
)

// ParseLabel maps a raw classifier output to a Label.
// Anything outside the closed direction set is LabelUnknown.
func ParseLabel(s string) Label {
	switch Label(strings.ToLower(strings.TrimSpace(s))) {
	case LabelUp:
		return LabelUp
	case LabelDown:
		return LabelDown
	case LabelLeft:
		return LabelLeft
	case LabelRight:
		return LabelRight
	default:
		return LabelUnknown
	}
}

// Prediction is the output of one classification.
// State is the opaque blob to pass into the next call (may be nil).
type Prediction struct {
	Label Label
	State []float64
}

// Classifier turns a window of samples into a gesture label.
//
// state is the blob returned by the previous call, or a zeroed/nil blob on the
// first call. Implementations must not retain or mutate w or state.
type Classifier interface {
	Classify(ctx context.Context, w Window, state []float64) (Prediction, error)
}

// errNoClassifier indicates the daemon was asked to classify without a classifier.
type errNoClassifier struct{}

func (errNoClassifier) Error() string { return "no classifier configured" }

// zeroState returns a zeroed blob of length n, or nil if n <= 0.
func zeroState(n int) []float64 {
	if n <= 0 {
		return nil
	}
	return make([]float64, n)
}

func cloneState(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
