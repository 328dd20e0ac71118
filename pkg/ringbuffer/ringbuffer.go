// Package ringbuffer implements the bounded frame queue that sits between
// a frame source (RTP reassembly) and the MKV/upload pipeline: a fixed
// number of slots, FIFO eviction, and weak-reference keys that let a
// caller hold on to a frame's location without pinning a pointer past its
// eviction.
package ringbuffer

import (
	"fmt"
	"sync"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// DropPolicyType selects the memory-based eviction FrameRingBuffer applies
// after each Enqueue. It does not affect what happens on a full buffer:
// Enqueue always evicts the oldest frame to make room.
type DropPolicyType int

const (
	// DropNone applies no memory-based eviction; only the slot-count
	// eviction on a full buffer takes place.
	DropNone DropPolicyType = iota
	// DropOldest evicts frames from the tail, oldest first, until the
	// buffer's total resident memory is at or below MaxMemoryBytes.
	DropOldest
)

// DropPolicy configures the eviction behavior applied after every Enqueue
// and SetDropPolicy call.
type DropPolicy struct {
	Type           DropPolicyType
	MaxMemoryBytes uint64 // only meaningful when Type == DropOldest
}

// Destructor is called exactly once when a frame leaves the buffer,
// whether by explicit Dequeue or by an eviction policy. It must not call
// back into the same FrameRingBuffer.
type Destructor func(data []byte)

// FrameKey is a weak reference to a frame's position in a specific
// FrameRingBuffer. It stays valid only as long as that frame hasn't been
// evicted; GetFrame returns ErrInvalidKey once it has.
type FrameKey struct {
	ring   *FrameRingBuffer
	serial uint16
}

// Stat reports the buffer's current occupancy.
type Stat struct {
	UsedCount  int
	FreeCount  int
	TotalBytes uint64
}

type frameElement struct {
	data       []byte
	serial     uint16
	occupied   bool
	destructor Destructor
}

// FrameRingBuffer is a fixed-capacity circular buffer of frames, safe for
// concurrent use. capacity+1 slots are allocated so head==tail
// unambiguously means empty and (head+1)%size==tail means full, without a
// separate counter.
type FrameRingBuffer struct {
	mu sync.Mutex

	buf      []frameElement
	head     int
	tail     int
	size     int // capacity + 1
	capacity int

	nextSerial uint16
	maxSerial  uint16

	totalBytes uint64
	usedCount  int

	dropPolicy DropPolicy
}

// New creates a FrameRingBuffer holding up to capacity frames at once.
func New(capacity int) (*FrameRingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuffer: capacity must be positive: %w", kvserrors.ErrInvalidArgument)
	}
	size := capacity + 1
	return &FrameRingBuffer{
		buf:       make([]frameElement, size),
		size:      size,
		capacity:  capacity,
		maxSerial: uint16((65535 / size) * size),
	}, nil
}

func (r *FrameRingBuffer) isEmptyLocked() bool {
	return r.head == r.tail
}

func (r *FrameRingBuffer) isFullLocked() bool {
	return (r.head+1)%r.size == r.tail
}

// Enqueue adds a frame to the buffer, first evicting the oldest frame if
// the buffer is full (whatever the DropPolicy), then applies the
// configured DropPolicy and returns a key that can later retrieve the
// frame via GetFrame. destructor may be nil.
func (r *FrameRingBuffer) Enqueue(data []byte, destructor Destructor) (FrameKey, error) {
	if len(data) == 0 {
		return FrameKey{}, fmt.Errorf("ringbuffer: empty frame: %w", kvserrors.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isFullLocked() {
		if err := r.dequeueLocked(); err != nil {
			return FrameKey{}, fmt.Errorf("ringbuffer: full and cannot evict: %w", kvserrors.ErrBufferOverflow)
		}
	}

	serial := r.nextSerial
	r.nextSerial++
	if r.nextSerial == r.maxSerial {
		r.nextSerial = 0
	}

	r.buf[r.head] = frameElement{
		data:       data,
		serial:     serial,
		occupied:   true,
		destructor: destructor,
	}
	r.head++
	if r.head >= r.size {
		r.head = 0
	}

	r.totalBytes += uint64(len(data))
	r.usedCount++

	r.applyPolicyLocked()

	return FrameKey{ring: r, serial: serial}, nil
}

// Dequeue removes and returns the oldest frame in the buffer.
func (r *FrameRingBuffer) Dequeue() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isEmptyLocked() {
		return nil, fmt.Errorf("ringbuffer: empty: %w", kvserrors.ErrBufferUnderflow)
	}
	data := r.buf[r.tail].data
	if err := r.dequeueLocked(); err != nil {
		return nil, err
	}
	return data, nil
}

// dequeueLocked removes the oldest frame, running its destructor if set.
// Caller must hold r.mu.
func (r *FrameRingBuffer) dequeueLocked() error {
	if r.isEmptyLocked() {
		return fmt.Errorf("ringbuffer: empty: %w", kvserrors.ErrBufferUnderflow)
	}
	el := r.buf[r.tail]
	if el.destructor != nil {
		el.destructor(el.data)
	}
	r.buf[r.tail] = frameElement{}

	r.tail++
	if r.tail >= r.size {
		r.tail = 0
	}

	r.totalBytes -= uint64(len(el.data))
	r.usedCount--
	return nil
}

// applyPolicyLocked evicts frames per the configured DropPolicy. Caller
// must hold r.mu.
func (r *FrameRingBuffer) applyPolicyLocked() {
	if r.dropPolicy.Type != DropOldest {
		return
	}
	for r.totalBytes > r.dropPolicy.MaxMemoryBytes {
		if err := r.dequeueLocked(); err != nil {
			break
		}
	}
}

// SetDropPolicy changes the eviction policy and immediately re-applies it,
// which may evict frames right away if the new policy is stricter.
func (r *FrameRingBuffer) SetDropPolicy(p DropPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropPolicy = p
	r.applyPolicyLocked()
}

// GetFrame resolves a FrameKey to its frame data. It fails with
// ErrInvalidKey once the frame has been evicted or dequeued, or if key
// belongs to a different buffer.
func (r *FrameRingBuffer) GetFrame(key FrameKey) ([]byte, error) {
	if key.ring != r {
		return nil, fmt.Errorf("ringbuffer: key belongs to a different buffer: %w", kvserrors.ErrInvalidKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.findIndexLocked(key)
	if err != nil {
		return nil, err
	}
	return r.buf[idx].data, nil
}

// findIndexLocked resolves key.serial to a live slot index, ported from
// the original frame_ring_buffer's continuous/wrapped range split:
// uLatestIdx = capacity when head==0 (the last valid slot index, since
// size == capacity+1), else head-1.
func (r *FrameRingBuffer) findIndexLocked(key FrameKey) (int, error) {
	if r.isEmptyLocked() {
		return 0, fmt.Errorf("ringbuffer: buffer is empty: %w", kvserrors.ErrInvalidKey)
	}

	latestIdx := r.capacity
	if r.head != 0 {
		latestIdx = r.head - 1
	}

	if latestIdx >= r.tail {
		return r.findInRangeLocked(key, r.tail, latestIdx)
	}

	if idx, err := r.findInRangeLocked(key, 0, latestIdx); err == nil {
		return idx, nil
	}
	return r.findInRangeLocked(key, r.tail, r.capacity)
}

func (r *FrameRingBuffer) findInRangeLocked(key FrameKey, left, right int) (int, error) {
	idx := int(key.serial) % r.size
	if idx < left || idx > right {
		return 0, fmt.Errorf("ringbuffer: key out of range: %w", kvserrors.ErrInvalidKey)
	}
	if !r.buf[idx].occupied || r.buf[idx].serial != key.serial {
		return 0, fmt.Errorf("ringbuffer: stale key: %w", kvserrors.ErrInvalidKey)
	}
	return idx, nil
}

// MemoryStat reports the buffer's current occupancy and total resident
// bytes.
func (r *FrameRingBuffer) MemoryStat() Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stat{
		UsedCount:  r.usedCount,
		FreeCount:  r.capacity - r.usedCount,
		TotalBytes: r.totalBytes,
	}
}
