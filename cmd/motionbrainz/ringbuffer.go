package main

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Sample Ring - fixed window of the most recent 3-axis motion samples
// ============================================================================
//
// Storage is three index-aligned slices of capacity N plus a write cursor.
// Add overwrites the slot at the cursor and advances it (mod N). Snapshot
// materializes the window oldest-first: out[i] = store[(cursor+i) % N].
//
// Slots that have never been written read as zero. Consumers that care can
// check Filled().
//
// The ring is owned by one monitoring session. The daemon loop is the only
// writer; the mutex lets the HTTP debug endpoint read concurrently.
// ============================================================================

// ErrInvalidRingSize is returned when a ring is constructed with a non-positive capacity.
var ErrInvalidRingSize = errors.New("ring size must be > 0")

// Sample is one (x, y, z) motion reading.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Window is an oldest-first materialization of the ring contents.
// X[i], Y[i] and Z[i] always belong to the same sample.
type Window struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
	Z []float64 `json:"z"`
}

// Len returns the number of samples in the window.
func (w Window) Len() int { return len(w.X) }

// At returns the i-th sample of the window (0 = oldest).
func (w Window) At(i int) Sample {
	return Sample{X: w.X[i], Y: w.Y[i], Z: w.Z[i]}
}

// SampleRing is a fixed-capacity circular buffer of motion samples.
type SampleRing struct {
	mu sync.Mutex

	x, y, z []float64
	cursor  int
	written uint64
}

// NewSampleRing allocates a zero-filled ring of capacity n.
func NewSampleRing(n int) (*SampleRing, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidRingSize, n)
	}
	return &SampleRing{
		x: make([]float64, n),
		y: make([]float64, n),
		z: make([]float64, n),
	}, nil
}

// Cap returns the fixed capacity N.
func (r *SampleRing) Cap() int { return len(r.x) }

// Add stores one sample at the cursor and advances the cursor.
func (r *SampleRing) Add(x, y, z float64) {
	r.mu.Lock()
	r.x[r.cursor] = x
	r.y[r.cursor] = y
	r.z[r.cursor] = z
	r.cursor++
	if r.cursor == len(r.x) {
		r.cursor = 0
	}
	r.written++
	r.mu.Unlock()
}

// Snapshot returns the current window, oldest sample first.
// The returned slices are owned by the caller.
func (r *SampleRing) Snapshot() Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Contents returns the window together with the write count observed under
// the same lock, so the two always agree.
func (r *SampleRing) Contents() (Window, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), r.written
}

func (r *SampleRing) snapshotLocked() Window {
	n := len(r.x)
	w := Window{
		X: make([]float64, n),
		Y: make([]float64, n),
		Z: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		src := (r.cursor + i) % n
		w.X[i] = r.x[src]
		w.Y[i] = r.y[src]
		w.Z[i] = r.z[src]
	}
	return w
}

// Cursor returns the index of the next slot to be overwritten.
func (r *SampleRing) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Written returns how many samples have ever been added.
func (r *SampleRing) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Filled reports whether at least N samples have been written,
// i.e. the window no longer contains cold-start zeros.
func (r *SampleRing) Filled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written >= uint64(len(r.x))
}
