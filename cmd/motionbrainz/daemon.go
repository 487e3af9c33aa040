package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven "Daemon Brain"
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only writer of the SampleRing. Each sample is
//     written into the ring before its event is reduced, so a classification
//     triggered by that sample sees it in the window.
//   - Side effects run through effectRunner; their observations are fed back
//     into the reducer.
//   - Explicit event and command queues (no nested/re-entrant execution).
//
// ============================================================================

// DaemonDeps are the resources the daemon loop drives.
type DaemonDeps struct {
	Ring            *SampleRing
	Classifier      Classifier
	ClassifyTimeout time.Duration

	// Optional sinks; nil disables them.
	Journal   PredictionJournal
	Publisher PredictionPublisher

	// Broadcasts receives reducer broadcasts for the WS broadcaster. Sends never block.
	Broadcasts chan<- StateBroadcast
}

// runDaemon is the main daemon loop that:
//   - Receives Events from motion sources, IPC and WS
//   - Emits Tick events on a fixed cadence
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands and feeds observations back into the reducer
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	deps DaemonDeps,
	cfg ReducerConfig,
	state *DaemonState,
	tickHz int,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if deps.Ring == nil {
		logger.Error("daemon sample ring is nil")
		return
	}
	if tickHz <= 0 {
		tickHz = defaultTickHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()
	lastTick := time.Now()

	// Classification results arrive here from effect goroutines.
	results := make(chan Event, 8)
	effects := newEffectRunner(ctx, deps, results, logger)

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bcs []StateBroadcast) {
		if deps.Broadcasts == nil {
			return
		}
		for _, b := range bcs {
			select {
			case deps.Broadcasts <- b:
			default:
				logger.Debug("broadcast queue full, dropping", "type", broadcastType(b))
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, enqueuing observation events.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			logger.Debug("executing command", "command", cmd.String())
			effects.run(cmd, enqueueEvent)

			flushEvents()
		}
	}

	step := func(ev Event) {
		enqueueEvent(ev)
		flushEvents()
		flushCommands()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			if s, isSample := ev.(SampleReceived); isSample {
				deps.Ring.Add(s.X, s.Y, s.Z)
			}
			step(TimedEvent{Event: ev, At: time.Now()})

		case ev := <-results:
			step(ev)

		case now := <-ticker.C:
			dt := now.Sub(lastTick).Seconds()
			lastTick = now
			step(Tick{Now: now, Dt: dt})
		}
	}
}
