// Package poolstat tracks a bounded memory budget's occupancy without
// being an allocator itself: it counts bytes reserved against a fixed
// ceiling and records the high-water mark, the accounting the embedded
// SDK's memory pool keeps even though Go's own runtime allocator isn't
// swappable. No other package in this module attaches an Arena;
// pkg/ringbuffer reports its own occupancy through its Stat.
package poolstat

import (
	"fmt"
	"sync"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// Stat reports an Arena's current occupancy.
type Stat struct {
	Used         uint64
	Free         uint64
	Capacity     uint64
	HighWaterMark uint64
}

// Arena accounts byte reservations against a fixed capacity. It does not
// allocate or hold the bytes themselves — callers reserve before an
// allocation they're about to make elsewhere (a ring buffer slot, a
// frame copy) and release when that memory is freed.
type Arena struct {
	mu sync.Mutex

	capacity      uint64
	used          uint64
	highWaterMark uint64
}

// New builds an Arena with the given byte capacity. A zero capacity
// means unbounded: Reserve always succeeds and Stat.Free reads 0.
func New(capacity uint64) *Arena {
	return &Arena{capacity: capacity}
}

// Reserve accounts n bytes against the arena's budget, failing with
// ErrBufferOverflow if the reservation would exceed capacity (a capacity
// of 0 means unbounded and never fails here).
func (a *Arena) Reserve(n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.used+n > a.capacity {
		return fmt.Errorf("poolstat: reserve %d bytes exceeds capacity %d (used %d): %w", n, a.capacity, a.used, kvserrors.ErrBufferOverflow)
	}
	a.used += n
	if a.used > a.highWaterMark {
		a.highWaterMark = a.used
	}
	return nil
}

// Release returns n bytes to the arena's budget. Releasing more than is
// currently reserved clamps used to zero rather than underflowing.
func (a *Arena) Release(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.used {
		a.used = 0
		return
	}
	a.used -= n
}

// Stat returns the arena's current occupancy and high-water mark.
func (a *Arena) Stat() Stat {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free uint64
	if a.capacity > 0 {
		free = a.capacity - a.used
	}
	return Stat{
		Used:          a.used,
		Free:          free,
		Capacity:      a.capacity,
		HighWaterMark: a.highWaterMark,
	}
}

// Reset clears used-byte accounting back to zero without affecting the
// recorded high-water mark, for reuse across a stream (re)open.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
}
