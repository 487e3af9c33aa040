package main

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AxisClassifier is the built-in dominant-axis gesture classifier.
//
// Each axis is centered on its window mean. The axis with the most energy
// (mean squared deviation) wins; the sign of its largest excursion picks the
// direction. X maps to left/right, the vertical axis (Y or Z) to down/up.
//
// The state blob carries an exponentially smoothed per-axis energy in slots
// 0..2; it does not influence the decision.
type AxisClassifier struct {
	// VerticalAxis is "y" (default) or "z".
	VerticalAxis string
	// MinEnergy is the dominant-axis energy below which the label is unknown.
	MinEnergy float64
	// Decay is the weight of the previous state when blending energies (0..1).
	Decay float64
}

// axisFeatures are per-axis statistics of a centered window.
type axisFeatures struct {
	Energy float64
	Peak   float64 // signed excursion with the largest magnitude
}

func (c AxisClassifier) Classify(ctx context.Context, w Window, state []float64) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	fx := extractAxisFeatures(w.X)
	fy := extractAxisFeatures(w.Y)
	fz := extractAxisFeatures(w.Z)

	vertical := fy
	if c.VerticalAxis == "z" {
		vertical = fz
	}

	label := LabelUnknown
	dominant := math.Max(fx.Energy, vertical.Energy)
	if dominant > 0 && dominant >= c.MinEnergy {
		if fx.Energy >= vertical.Energy {
			label = LabelLeft
			if fx.Peak > 0 {
				label = LabelRight
			}
		} else {
			label = LabelDown
			if vertical.Peak > 0 {
				label = LabelUp
			}
		}
	}

	return Prediction{
		Label: label,
		State: blendAxisState(state, c.Decay, fx.Energy, fy.Energy, fz.Energy),
	}, nil
}

func extractAxisFeatures(v []float64) axisFeatures {
	if len(v) == 0 {
		return axisFeatures{}
	}
	centered := make([]float64, len(v))
	copy(centered, v)
	floats.AddConst(-stat.Mean(v, nil), centered)

	hi := centered[floats.MaxIdx(centered)]
	lo := centered[floats.MinIdx(centered)]
	peak := hi
	if math.Abs(lo) > math.Abs(hi) {
		peak = lo
	}

	return axisFeatures{
		Energy: floats.Dot(centered, centered) / float64(len(centered)),
		Peak:   peak,
	}
}

// blendAxisState decays the incoming state and mixes the new energies into
// its first three slots. A nil state stays nil.
func blendAxisState(state []float64, decay float64, energies ...float64) []float64 {
	if state == nil {
		return nil
	}
	out := cloneState(state)
	floats.Scale(decay, out)
	for i, e := range energies {
		if i >= len(out) {
			break
		}
		out[i] += (1 - decay) * e
	}
	return out
}
