package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClassifier records the windows it sees and returns a fixed prediction.
type fakeClassifier struct {
	mu      sync.Mutex
	windows []Window
	states  [][]float64

	label Label
	state []float64
	err   error
	block chan struct{} // when non-nil, Classify waits for it (or ctx)
}

func (f *fakeClassifier) Classify(ctx context.Context, w Window, state []float64) (Prediction, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Prediction{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.states = append(f.states, state)
	f.mu.Unlock()
	if f.err != nil {
		return Prediction{}, f.err
	}
	return Prediction{Label: f.label, State: f.state}, nil
}

func (f *fakeClassifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

type fakeJournal struct {
	mu    sync.Mutex
	recs  []PredictionRecord
	calls int
	err   error
	block chan struct{} // when non-nil, Record waits for it (or ctx)
}

func (j *fakeJournal) Record(ctx context.Context, rec PredictionRecord) error {
	j.mu.Lock()
	j.calls++
	j.mu.Unlock()

	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.recs = append(j.recs, rec)
	return nil
}

func (j *fakeJournal) started() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

func (j *fakeJournal) records() []PredictionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]PredictionRecord(nil), j.recs...)
}

type fakePublisher struct {
	mu   sync.Mutex
	recs []PredictionRecord
}

func (p *fakePublisher) Publish(rec PredictionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}

// startTestDaemon runs runDaemon until the test ends. A ring of size n is
// created unless deps already carries one.
func startTestDaemon(t *testing.T, n int, deps DaemonDeps, cfg ReducerConfig) chan Event {
	t.Helper()

	if deps.Ring == nil {
		ring, err := NewSampleRing(n)
		require.NoError(t, err)
		deps.Ring = ring
	}

	events := make(chan Event, 256)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(ctx, events, deps, cfg, NewDaemonState("sess", 0.1), 100, slog.Default())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return events
}

func TestDaemon_ClassifiesWindowEndingWithTriggerSample(t *testing.T) {
	clf := &fakeClassifier{label: LabelUp, state: []float64{0.5, 0.5}}
	journal := &fakeJournal{}
	pub := &fakePublisher{}
	bcasts := make(chan StateBroadcast, 256)

	cfg := testReducerConfig()
	cfg.Settle = 0
	events := startTestDaemon(t, 4, DaemonDeps{
		Classifier: clf,
		Journal:    journal,
		Publisher:  pub,
		Broadcasts: bcasts,
	}, cfg)

	// Quiet samples, then one large motion.
	for i := 1; i <= 5; i++ {
		events <- SampleReceived{X: float64(i) / 100}
	}
	events <- SampleReceived{X: 0.9, Y: 0.1}

	waitUntil(t, 2*time.Second, func() bool { return len(journal.records()) == 1 }, "prediction not journaled")

	clf.mu.Lock()
	w := clf.windows[0]
	state := clf.states[0]
	clf.mu.Unlock()

	// Oldest first, newest sample last.
	assert.Equal(t, []float64{0.03, 0.04, 0.05, 0.9}, w.X)
	assert.Equal(t, []float64{0, 0, 0, 0.1}, w.Y)
	assert.Equal(t, []float64{0, 0, 0, 0}, state)

	rec := journal.records()[0]
	assert.Equal(t, LabelUp, rec.Label)
	assert.Equal(t, "sess", rec.SessionID)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, w, rec.Window)
	waitUntil(t, time.Second, func() bool { return pub.count() == 1 }, "prediction not published")

	var gesture *BroadcastGesture
	waitUntil(t, time.Second, func() bool {
		for {
			select {
			case b := <-bcasts:
				if g, ok := b.(BroadcastGesture); ok {
					gesture = &g
					return true
				}
			default:
				return false
			}
		}
	}, "no gesture broadcast")
	assert.Equal(t, rec.ID, gesture.ID)
}

func TestDaemon_SlowClassifierDoesNotBlockIngestion(t *testing.T) {
	clf := &fakeClassifier{label: LabelLeft, block: make(chan struct{})}
	journal := &fakeJournal{}

	cfg := testReducerConfig()
	cfg.Settle = 0
	events := startTestDaemon(t, 50, DaemonDeps{
		Classifier:      clf,
		ClassifyTimeout: 5 * time.Second,
		Journal:         journal,
	}, cfg)

	events <- SampleReceived{X: 1}
	for i := 0; i < 1000; i++ {
		select {
		case events <- SampleReceived{Y: 0.001}:
		case <-time.After(time.Second):
			t.Fatalf("sample %d blocked while classification in flight", i)
		}
	}

	snap, err := requestSnapshot(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), snap.Samples)
	assert.True(t, snap.InFlight)

	close(clf.block)
	waitUntil(t, 2*time.Second, func() bool { return len(journal.records()) == 1 }, "prediction not journaled")
}

func TestDaemon_SlowJournalDoesNotBlockIngestion(t *testing.T) {
	ring, err := NewSampleRing(8)
	require.NoError(t, err)
	clf := &fakeClassifier{label: LabelUp}
	journal := &fakeJournal{block: make(chan struct{})}

	cfg := testReducerConfig()
	cfg.Settle = 0
	events := startTestDaemon(t, 8, DaemonDeps{Ring: ring, Classifier: clf, Journal: journal}, cfg)

	events <- SampleReceived{X: 1}
	waitUntil(t, 2*time.Second, func() bool { return journal.started() == 1 }, "journal write never started")

	// The journal write is stuck; samples must still land in the ring.
	before := ring.Written()
	for i := 0; i < 10; i++ {
		events <- SampleReceived{Y: 0.01}
	}
	waitUntil(t, 250*time.Millisecond, func() bool { return ring.Written() == before+10 }, "samples not written while journal write in flight")
	assert.Equal(t, 0.01, ring.Snapshot().Y[7])

	close(journal.block)
	waitUntil(t, 2*time.Second, func() bool { return len(journal.records()) == 1 }, "prediction not journaled")
}

func TestDaemon_ClassifierTimeoutCountsFailure(t *testing.T) {
	clf := &fakeClassifier{block: make(chan struct{})} // never released
	bcasts := make(chan StateBroadcast, 64)

	cfg := testReducerConfig()
	cfg.Settle = 0
	events := startTestDaemon(t, 8, DaemonDeps{
		Classifier:      clf,
		ClassifyTimeout: 30 * time.Millisecond,
		Broadcasts:      bcasts,
	}, cfg)

	events <- ForceTrigger{}

	waitUntil(t, 2*time.Second, func() bool {
		snap, err := requestSnapshot(context.Background(), events)
		return err == nil && snap.Failures == 1 && !snap.InFlight
	}, "timeout not recorded as failure")
}

func TestDaemon_NoClassifierFailsWithoutBlocking(t *testing.T) {
	cfg := testReducerConfig()
	events := startTestDaemon(t, 8, DaemonDeps{}, cfg)

	events <- ForceTrigger{}
	waitUntil(t, 2*time.Second, func() bool {
		snap, err := requestSnapshot(context.Background(), events)
		return err == nil && snap.Failures == 1
	}, "missing classifier not reported")
}

func TestDaemon_JournalFailureIsNotFatal(t *testing.T) {
	clf := &fakeClassifier{label: LabelDown}
	journal := &fakeJournal{err: errors.New("disk full")}
	pub := &fakePublisher{}

	cfg := testReducerConfig()
	cfg.Settle = 0
	events := startTestDaemon(t, 8, DaemonDeps{Classifier: clf, Journal: journal, Publisher: pub}, cfg)

	events <- SampleReceived{Z: -2}
	waitUntil(t, 2*time.Second, func() bool { return pub.count() == 1 }, "prediction not published")

	snap, err := requestSnapshot(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts[LabelDown])
}

func TestDaemon_TickFiresPendingClassification(t *testing.T) {
	clf := &fakeClassifier{label: LabelRight}
	cfg := testReducerConfig() // 50 ms settle

	events := startTestDaemon(t, 8, DaemonDeps{Classifier: clf}, cfg)
	events <- SampleReceived{X: 1}

	// No further samples: only the ticker can fire the pending trigger.
	waitUntil(t, 2*time.Second, func() bool { return clf.calls() == 1 }, "pending classification never fired")
}

func TestDaemon_StopsWhenEventsClosed(t *testing.T) {
	ring, err := NewSampleRing(2)
	require.NoError(t, err)
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(context.Background(), events, DaemonDeps{Ring: ring}, testReducerConfig(), NewDaemonState("s", 0.1), 0, slog.Default())
	}()

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop on closed events channel")
	}
}
