package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenJournal_EmptyPath(t *testing.T) {
	_, err := OpenJournal("", slog.Default())
	require.Error(t, err)
}

func TestOpenJournal_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := OpenJournal(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := OpenJournal(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, j2.Close())
}

func TestSQLiteJournal_RecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	session := uuid.NewString()
	t0 := time.UnixMilli(1_700_000_000_000).UTC()

	recs := []PredictionRecord{
		{ID: uuid.NewString(), SessionID: session, Label: LabelUp, Magnitude: 0.4, At: t0,
			Window: Window{X: []float64{0, 1}, Y: []float64{2, 3}, Z: []float64{4, 5}}},
		{ID: uuid.NewString(), SessionID: session, Label: LabelLeft, Magnitude: 0.7, At: t0.Add(3 * time.Second),
			Window: Window{X: []float64{1, 1}, Y: []float64{0, 0}, Z: []float64{0, 0}}},
		{ID: uuid.NewString(), SessionID: "other", Label: LabelDown, Magnitude: 0.2, At: t0.Add(6 * time.Second),
			Window: Window{X: []float64{}, Y: []float64{}, Z: []float64{}}},
	}
	for _, r := range recs {
		require.NoError(t, j.Record(ctx, r))
	}

	got, err := j.Recent(ctx, session, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	if diff := cmp.Diff([]PredictionRecord{recs[1], recs[0]}, got); diff != "" {
		t.Fatalf("recent mismatch (-want +got):\n%s", diff)
	}

	all, err := j.Recent(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, recs[2].ID, all[0].ID)
}

func TestSQLiteJournal_DuplicateIDRejected(t *testing.T) {
	j := openTestJournal(t)
	rec := PredictionRecord{ID: "dup", SessionID: "s", Label: LabelRight, At: time.Now()}

	require.NoError(t, j.Record(context.Background(), rec))
	require.Error(t, j.Record(context.Background(), rec))
}

func TestSQLiteJournal_CountByLabel(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i, l := range []Label{LabelUp, LabelUp, LabelRight, LabelUnknown} {
		require.NoError(t, j.Record(ctx, PredictionRecord{
			ID:        uuid.NewString(),
			SessionID: "s1",
			Label:     l,
			At:        time.UnixMilli(int64(i) * 1000),
		}))
	}

	counts, err := j.CountByLabel(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[Label]int{LabelUp: 2, LabelRight: 1, LabelUnknown: 1}, counts)

	none, err := j.CountByLabel(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}
