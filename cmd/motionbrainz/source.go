package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Motion Sources - producers of SampleReceived events
// ============================================================================

// MotionSource produces samples until ctx is canceled or the source fails.
// Run returns nil on cancellation.
type MotionSource interface {
	Name() string
	Run(ctx context.Context, out chan<- Event) error
}

// emitSample hands s to the daemon, blocking until it is accepted or ctx ends.
func emitSample(ctx context.Context, out chan<- Event, s SampleReceived) error {
	select {
	case out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newMotionSource builds the source selected by cfg.Source.Kind.
// SourceNone returns a nil source: samples then arrive only over IPC.
func newMotionSource(cfg *Config, logger *slog.Logger) (MotionSource, error) {
	logger = logger.With("component", "source")

	switch cfg.Source.Kind {
	case SourceSimulate:
		return &SimulatedSource{
			RateHz:       cfg.Source.RateHz,
			GestureEvery: time.Duration(cfg.Source.Simulate.GestureEveryMS) * time.Millisecond,
			Seed:         cfg.Source.Simulate.Seed,
			logger:       logger,
		}, nil
	case SourceEvdev:
		return &EvdevSource{
			Devices: cfg.Source.Evdev.Devices,
			Scale:   cfg.Source.Evdev.Scale,
			logger:  logger,
		}, nil
	case SourceSerial:
		return &SerialSource{
			Port:    cfg.Source.Serial.Port,
			Options: cfg.SerialOptions(),
			logger:  logger,
		}, nil
	case SourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}
