package main

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMotionSimulator_DeterministicForSeed(t *testing.T) {
	a := newMotionSimulator(200, time.Second, 42)
	b := newMotionSimulator(200, time.Second, 42)

	for i := 0; i < 500; i++ {
		require.Equal(t, a.Next(), b.Next(), "sample %d", i)
	}
}

func TestMotionSimulator_IdleStaysBelowThreshold(t *testing.T) {
	sim := newMotionSimulator(200, 0, 7)
	for i := 0; i < 2000; i++ {
		s := sim.Next()
		require.Less(t, s.Magnitude(), defaultThreshold)
	}
}

func TestMotionSimulator_BurstCrossesThreshold(t *testing.T) {
	const rate = 200
	sim := newMotionSimulator(rate, 500*time.Millisecond, 3)

	crossings := 0
	above := false
	// Two seconds plus one burst length: four complete bursts.
	for i := 0; i < rate*2+sim.burstLen; i++ {
		hi := sim.Next().Magnitude() > defaultThreshold
		if hi && !above {
			crossings++
		}
		above = hi
	}
	assert.Equal(t, 4, crossings)
}

func TestMotionSimulator_BurstIsClassifiable(t *testing.T) {
	const rate = 200
	sim := newMotionSimulator(rate, 250*time.Millisecond, 11)
	ring, err := NewSampleRing(defaultBufferSize)
	require.NoError(t, err)

	// Fill up to the end of the first burst.
	for i := 0; i < sim.every+sim.burstLen; i++ {
		s := sim.Next()
		ring.Add(s.X, s.Y, s.Z)
	}

	p, err := AxisClassifier{VerticalAxis: "y", MinEnergy: defaultAxisMinEnergy, Decay: defaultStateDecay}.
		Classify(context.Background(), ring.Snapshot(), nil)
	require.NoError(t, err)

	var want Label
	switch {
	case sim.axis == 0 && sim.sign > 0:
		want = LabelRight
	case sim.axis == 0:
		want = LabelLeft
	case sim.sign > 0:
		want = LabelUp
	default:
		want = LabelDown
	}
	assert.Equal(t, want, p.Label)
}

func TestSimulatedSource_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 1024)
	src := &SimulatedSource{RateHz: 1000, Seed: 1, logger: slog.Default()}

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	waitUntil(t, 2*time.Second, func() bool { return len(out) >= 10 }, "simulated source produced no samples")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulated source did not stop")
	}

	ev := <-out
	s, ok := ev.(SampleReceived)
	require.True(t, ok)
	assert.False(t, math.IsNaN(s.X))
}

func TestEmitSample_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Event) // unbuffered, nobody reading
	err := emitSample(ctx, out, SampleReceived{X: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewMotionSource_Kinds(t *testing.T) {
	cfg := DefaultConfig()

	for kind, want := range map[string]string{
		SourceSimulate: SourceSimulate,
		SourceEvdev:    SourceEvdev,
		SourceSerial:   SourceSerial,
	} {
		cfg.Source.Kind = kind
		src, err := newMotionSource(&cfg, slog.Default())
		require.NoError(t, err)
		require.NotNil(t, src)
		assert.Equal(t, want, src.Name())
	}

	cfg.Source.Kind = SourceNone
	src, err := newMotionSource(&cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, src)

	cfg.Source.Kind = "carrier-pigeon"
	_, err = newMotionSource(&cfg, slog.Default())
	require.Error(t, err)
}
