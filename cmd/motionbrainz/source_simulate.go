package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// SimulatedSource generates idle noise with a periodic directional burst.
// It needs no hardware, so it is the default source.
type SimulatedSource struct {
	RateHz       int
	GestureEvery time.Duration // 0 disables bursts
	Seed         uint64        // 0 seeds from the clock

	logger *slog.Logger
}

func (s *SimulatedSource) Name() string { return SourceSimulate }

func (s *SimulatedSource) Run(ctx context.Context, out chan<- Event) error {
	rate := s.RateHz
	if rate <= 0 {
		rate = defaultSampleHz
	}
	seed := s.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	sim := newMotionSimulator(rate, s.GestureEvery, seed)

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	if s.logger != nil {
		s.logger.Info("simulated source started", "rate_hz", rate, "gesture_every", s.GestureEvery)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := emitSample(ctx, out, sim.Next()); err != nil {
				return nil
			}
		}
	}
}

// motionSimulator is the deterministic sample generator behind SimulatedSource.
type motionSimulator struct {
	rng      *rand.Rand
	every    int // samples between burst starts
	burstLen int

	n     int
	burst int // index in the current burst, -1 when idle
	axis  int // 0 = x, 1 = y
	sign  float64
}

func newMotionSimulator(rateHz int, every time.Duration, seed uint64) *motionSimulator {
	burstLen := rateHz * simBurstMS / 1000
	if burstLen < 1 {
		burstLen = 1
	}
	return &motionSimulator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		every:    int(every.Seconds() * float64(rateHz)),
		burstLen: burstLen,
		burst:    -1,
	}
}

// Next returns the next sample.
func (m *motionSimulator) Next() SampleReceived {
	m.n++
	if m.every > 0 && m.burst < 0 && m.n%m.every == 0 {
		m.burst = 0
		m.axis = m.rng.IntN(2)
		m.sign = 1
		if m.rng.IntN(2) == 0 {
			m.sign = -1
		}
	}

	v := [3]float64{m.noise(), m.noise(), m.noise()}
	if m.burst >= 0 {
		phase := math.Pi * (float64(m.burst) + 0.5) / float64(m.burstLen)
		v[m.axis] += m.sign * simBurstAmplitude * math.Sin(phase)
		m.burst++
		if m.burst >= m.burstLen {
			m.burst = -1
		}
	}
	return SampleReceived{X: v[0], Y: v[1], Z: v[2]}
}

func (m *motionSimulator) noise() float64 {
	return (m.rng.Float64()*2 - 1) * simNoiseAmplitude
}
