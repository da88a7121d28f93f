package framesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/scanrgbd/internal/capture"
)

// DefaultSlots is the number of frames that may be in flight at once.
const DefaultSlots = 3

var (
	// ErrTokenStarved means no in-flight frame completed before the Advance
	// deadline. The consumer has stopped signalling completion.
	ErrTokenStarved = errors.New("frame token starved")
	// ErrSlotNotIssued is returned when a slot handle is stale or was never issued.
	ErrSlotNotIssued = errors.New("slot not issued")
	// ErrSlotBusy means the next slot in rotation is still held, which only
	// happens when completions arrive out of order.
	ErrSlotBusy = errors.New("slot still in flight")
)

// Slot is a handle to one claimed ring slot.
type Slot struct {
	Index int
	// Seq distinguishes successive issuances of the same Index.
	Seq uint64
}

// Ring is N contiguous uniform slots rotated round-robin. A buffered channel
// of capacity N acts as the in-flight token: Advance sends, Release receives.
type Ring struct {
	stride int
	mem    []byte
	tokens chan struct{}

	mu       sync.Mutex
	next     int
	seq      uint64
	issued   []uint64 // Seq of the outstanding issuance per slot; 0 when free
	retained [][]capture.TextureSource
}

// NewRing allocates n slots of SlotStride bytes each.
func NewRing(n int) (*Ring, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring needs at least one slot, got %d", n)
	}
	return &Ring{
		stride:   SlotStride,
		mem:      make([]byte, n*SlotStride),
		tokens:   make(chan struct{}, n),
		issued:   make([]uint64, n),
		retained: make([][]capture.TextureSource, n),
	}, nil
}

// Slots returns the number of slots.
func (r *Ring) Slots() int { return len(r.issued) }

// Stride returns the byte distance between slots.
func (r *Ring) Stride() int { return r.stride }

// InFlight returns the number of claimed, unreleased slots.
func (r *Ring) InFlight() int { return len(r.tokens) }

// SlotBytes returns the memory of slot i, which starts at i*Stride.
func (r *Ring) SlotBytes(i int) []byte {
	off := i * r.stride
	return r.mem[off : off+r.stride : off+r.stride]
}

// Advance blocks until a token is free, then claims the next slot in
// rotation. A context deadline while waiting is reported as ErrTokenStarved.
func (r *Ring) Advance(ctx context.Context) (Slot, error) {
	select {
	case r.tokens <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Slot{}, fmt.Errorf("%w: %d of %d slots in flight", ErrTokenStarved, r.InFlight(), r.Slots())
		}
		return Slot{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next
	if r.issued[idx] != 0 {
		<-r.tokens
		return Slot{}, fmt.Errorf("%w: slot %d", ErrSlotBusy, idx)
	}
	r.seq++
	r.issued[idx] = r.seq
	r.next = (idx + 1) % len(r.issued)
	return Slot{Index: idx, Seq: r.seq}, nil
}

func (r *Ring) checkLocked(s Slot) error {
	if s.Index < 0 || s.Index >= len(r.issued) || s.Seq == 0 || r.issued[s.Index] != s.Seq {
		return fmt.Errorf("%w: slot %d seq %d", ErrSlotNotIssued, s.Index, s.Seq)
	}
	return nil
}

// Write stores u in the slot. Every field is written; padding is zeroed.
func (r *Ring) Write(s Slot, u FrameUniforms) error {
	r.mu.Lock()
	err := r.checkLocked(s)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return u.MarshalTo(r.SlotBytes(s.Index))
}

// Retain keeps textures referenced until the slot is released.
func (r *Ring) Retain(s Slot, textures ...capture.TextureSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(s); err != nil {
		return err
	}
	r.retained[s.Index] = append(r.retained[s.Index], textures...)
	return nil
}

// Retained returns the textures held for s.
func (r *Ring) Retained(s Slot) []capture.TextureSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkLocked(s) != nil {
		return nil
	}
	return append([]capture.TextureSource(nil), r.retained[s.Index]...)
}

// Release drops the slot's textures and returns its token. Each issued slot
// must be released exactly once.
func (r *Ring) Release(s Slot) error {
	r.mu.Lock()
	if err := r.checkLocked(s); err != nil {
		r.mu.Unlock()
		return err
	}
	r.issued[s.Index] = 0
	r.retained[s.Index] = nil
	r.mu.Unlock()

	<-r.tokens
	return nil
}

// Reset waits for every in-flight slot to be released, then restarts the
// rotation at slot 0.
func (r *Ring) Reset(ctx context.Context) error {
	held := 0
	defer func() {
		for ; held > 0; held-- {
			<-r.tokens
		}
	}()
	for held < cap(r.tokens) {
		select {
		case r.tokens <- struct{}{}:
			held++
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTokenStarved
			}
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.next = 0
	r.mu.Unlock()
	return nil
}
