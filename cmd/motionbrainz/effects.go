package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// effectRunner executes reducer-emitted Commands against external systems
// (ring snapshot + classifier, journal, broker, snapshot requesters).
//
// Design rules:
//   - This is the only place allowed to perform I/O on behalf of the reducer.
//   - It never calls Reduce(); it reports observations as Events.
//   - Synchronous observations go to onEvent. Classification and journal
//     writes run in their own goroutines and report on async, so neither
//     stalls sample ingestion.
type effectRunner struct {
	ctx    context.Context
	logger *slog.Logger

	ring            *SampleRing
	classifier      Classifier
	classifyTimeout time.Duration
	journal         PredictionJournal
	publisher       PredictionPublisher

	async chan<- Event

	// newID and now are swappable for tests.
	newID func() string
	now   func() time.Time
}

func (r *effectRunner) run(cmd Command, onEvent func(Event)) {
	if onEvent == nil {
		return
	}

	switch c := cmd.(type) {
	case CmdClassify:
		r.classify(c, onEvent)

	case CmdRecordPrediction:
		r.record(c.Record)

	case CmdPublishPrediction:
		if r.publisher == nil {
			return
		}
		if err := r.publisher.Publish(c.Record); err != nil {
			r.logger.Warn("prediction publish failed", "error", err, "id", c.Record.ID)
		}

	case CmdPublishStateSnapshot:
		// Deliver reducer-produced snapshot to the requester.
		if c.Reply == nil {
			r.logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the daemon loop indefinitely.
		select {
		case c.Reply <- c.Snapshot:
		default:
			r.logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		r.logger.Warn("unknown command type", "command", cmd.String())
	}
}

// classify snapshots the ring on the daemon goroutine, then runs the classifier
// off-loop. The snapshot is taken here so it reflects exactly the samples
// reduced before the trigger fired.
func (r *effectRunner) classify(c CmdClassify, onEvent func(Event)) {
	w := r.ring.Snapshot()

	if r.classifier == nil {
		onEvent(ClassifyFailed{Err: errNoClassifier{}, At: r.now()})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.classifyTimeout)
		defer cancel()

		start := r.now()
		p, err := r.classifier.Classify(ctx, w, c.State)
		if err != nil {
			r.logger.Warn("classification failed", "error", err, "elapsed", time.Since(start))
			r.post(ClassifyFailed{Err: err, At: r.now()})
			return
		}

		id := r.newID()
		r.logger.Info("gesture classified", "label", p.Label, "id", id, "magnitude", c.Magnitude, "elapsed", time.Since(start))
		r.post(PredictionObserved{
			ID:          id,
			Label:       p.Label,
			State:       p.State,
			Window:      w,
			Magnitude:   c.Magnitude,
			TriggeredAt: c.TriggeredAt,
			At:          r.now(),
		})
	}()
}

// record writes rec to the journal off-loop. A slow disk must not delay ring writes.
func (r *effectRunner) record(rec PredictionRecord) {
	if r.journal == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, journalWriteTimeout)
		defer cancel()
		if err := r.journal.Record(ctx, rec); err != nil {
			r.logger.Error("journal write failed", "error", err, "id", rec.ID)
			r.post(JournalFailed{ID: rec.ID, Err: err, At: r.now()})
		}
	}()
}

func (r *effectRunner) post(ev Event) {
	select {
	case r.async <- ev:
	case <-r.ctx.Done():
	}
}

func newEffectRunner(ctx context.Context, deps DaemonDeps, async chan<- Event, logger *slog.Logger) *effectRunner {
	timeout := deps.ClassifyTimeout
	if timeout <= 0 {
		timeout = defaultClassifierTimeoutMS * time.Millisecond
	}
	return &effectRunner{
		ctx:             ctx,
		logger:          logger,
		ring:            deps.Ring,
		classifier:      deps.Classifier,
		classifyTimeout: timeout,
		journal:         deps.Journal,
		publisher:       deps.Publisher,
		async:           async,
		newID:           uuid.NewString,
		now:             time.Now,
	}
}
