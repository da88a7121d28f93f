// Package pointcloud stores the accumulated cloud and exports it.
package pointcloud

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultCapacity is the number of points kept before the oldest are overwritten.
	DefaultCapacity = 10_000_000
	// MaxCapacity bounds the backing store (about 7.5 GB of records).
	MaxCapacity = 1 << 28
	// iterateChunk is the number of records copied per read-lock hold.
	iterateChunk = 4096
)

// ErrInvalidCapacity is returned for non-positive or oversized capacities.
var ErrInvalidCapacity = errors.New("invalid accumulator capacity")

// PointRecord is one coloured point. Colour components are in [0, 1];
// Confidence holds the ordinal level (0 low, 1 medium, 2 high).
type PointRecord struct {
	Position   [3]float32
	Color      [3]float32
	Confidence float32
}

// State describes the ring's fill level.
type State struct {
	Capacity     int    `json:"capacity"`
	WriteCursor  int    `json:"write_cursor"`
	Occupancy    int    `json:"occupancy"`
	TotalWritten uint64 `json:"total_written"`
}

// Readable is a point source that can be walked in chunks. Chunks passed to
// fn are only valid for the duration of the call.
type Readable interface {
	Iterate(fn func(chunk []PointRecord) error) error
}

// Accumulator is a fixed-capacity ring of PointRecords. One goroutine calls
// Absorb; any number may read concurrently. Once full, each Absorb
// overwrites the oldest surviving records, so storage order is not
// chronological after the first wraparound.
type Accumulator struct {
	mu       sync.RWMutex
	capacity int
	records  []PointRecord // len == capacity for the accumulator's lifetime
	cursor   int
	occupied int
	total    uint64
}

// NewAccumulator allocates the whole backing store up front, so running out
// of memory can only happen here and never while a session is absorbing.
func NewAccumulator(capacity int) (*Accumulator, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidCapacity, capacity, MaxCapacity)
	}
	return &Accumulator{
		capacity: capacity,
		records:  make([]PointRecord, capacity),
	}, nil
}

// Absorb writes candidates at the cursor, wrapping modulo capacity. The
// whole batch becomes visible to readers at once.
func (a *Accumulator) Absorb(candidates []PointRecord) {
	if len(candidates) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rec := range candidates {
		a.records[a.cursor] = rec
		a.cursor++
		if a.cursor == a.capacity {
			a.cursor = 0
		}
	}
	a.occupied = min(a.occupied+len(candidates), a.capacity)
	a.total += uint64(len(candidates))
}

// State returns the current fill level.
func (a *Accumulator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		Capacity:     a.capacity,
		WriteCursor:  a.cursor,
		Occupancy:    a.occupied,
		TotalWritten: a.total,
	}
}

// Occupancy returns the number of readable records.
func (a *Accumulator) Occupancy() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.occupied
}

// Capacity returns the configured capacity.
func (a *Accumulator) Capacity() int { return a.capacity }

// Reset empties the ring. Backing memory is kept and not cleared.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.occupied = 0
	a.cursor = 0
	a.total = 0
	a.mu.Unlock()
}

// Snapshot copies the first Occupancy records in storage order.
func (a *Accumulator) Snapshot() []PointRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]PointRecord, a.occupied)
	copy(out, a.records[:a.occupied])
	return out
}

// Iterate walks the readable records in storage order, copying a chunk under
// the read lock and calling fn without it. Absorbs may land between chunks;
// a Reset during iteration ends the walk early.
func (a *Accumulator) Iterate(fn func(chunk []PointRecord) error) error {
	buf := make([]PointRecord, iterateChunk)
	for start := 0; ; start += iterateChunk {
		a.mu.RLock()
		n := a.occupied - start
		if n <= 0 {
			a.mu.RUnlock()
			return nil
		}
		if n > iterateChunk {
			n = iterateChunk
		}
		copy(buf[:n], a.records[start:start+n])
		a.mu.RUnlock()

		if err := fn(buf[:n]); err != nil {
			return err
		}
	}
}
