// Package webrtcbridge implements the consumer side of an external
// WebRTC media source: a bounded, paced channel of RTP packets that a
// signaling client (not implemented here — see spec Non-goals) pushes
// into, and whose drain side feeds pkg/rtpreassembler. The signaling
// and SRTP/ICE machinery stays external; this package only smooths the
// bursty arrival pattern a real-time transport produces before frames
// reach the Matroska assembler.
package webrtcbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// catchupThreshold is the queue depth at which the buffer starts
	// draining faster than nominal rate to work off a backlog.
	catchupThreshold = 5

	// catchupSpeedMultiplier controls how much faster than nominal
	// pacing the buffer drains once in catch-up mode.
	catchupSpeedMultiplier = 1.1

	// maxPacketDelay bounds the pacing delay so a timestamp anomaly
	// can never stall the buffer indefinitely.
	maxPacketDelay = 200 * time.Millisecond

	// ingressBufferSize is the channel capacity absorbing micro-bursts
	// before EnqueuePacket starts blocking the caller.
	ingressBufferSize = 32
)

// RollingBufferStats reports cumulative buffer activity for diagnostics.
type RollingBufferStats struct {
	PacketsEnqueued  uint64
	PacketsDrained   uint64
	BurstsAbsorbed   uint64
	CatchupEvents    uint64
	QueueDepth       int
}

// RollingBuffer is a leaky-bucket queue of RTP packets for a single
// media track. Packets enter via EnqueuePacket (called from the
// WebRTC track reader) and leave via Run's drain loop, which paces
// delivery to the consumer callback using each packet's RTP timestamp
// so downstream reassembly sees roughly real-time-spaced input even
// when the network delivered it in bursts.
type RollingBuffer struct {
	logger    *slog.Logger
	clockRate uint32

	queue chan *rtp.Packet

	mu               sync.Mutex
	lastTimestamp    uint32
	lastDrainAt      time.Time
	haveFirstPacket  bool

	statsMu sync.Mutex
	stats   RollingBufferStats
}

// NewRollingBuffer builds a RollingBuffer pacing packets at clockRate
// Hz (90000 for H.264 video, 48000 for Opus/AAC audio, matching the
// RTP clock rates a TrackConfig in pkg/rtpreassembler would specify).
func NewRollingBuffer(clockRate uint32, logger *slog.Logger) *RollingBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollingBuffer{
		logger:    logger.With("component", "webrtcbridge"),
		clockRate: clockRate,
		queue:     make(chan *rtp.Packet, ingressBufferSize),
	}
}

// EnqueuePacket admits a packet read from the WebRTC track. It blocks
// only once the ingress buffer is genuinely full (a burst beyond what
// ingressBufferSize absorbs), providing backpressure to the caller
// rather than dropping media.
func (b *RollingBuffer) EnqueuePacket(ctx context.Context, pkt *rtp.Packet) error {
	select {
	case b.queue <- pkt:
		b.statsMu.Lock()
		b.stats.PacketsEnqueued++
		b.statsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.statsMu.Lock()
	b.stats.BurstsAbsorbed++
	b.statsMu.Unlock()
	b.logger.Warn("ingress buffer full, blocking for backpressure", "queue_depth", len(b.queue))

	select {
	case b.queue <- pkt:
		b.statsMu.Lock()
		b.stats.PacketsEnqueued++
		b.statsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the buffer until ctx is cancelled, invoking deliver for
// each packet with pacing derived from RTP timestamp deltas. deliver
// is typically (*rtpreassembler.Reassembler).ProcessPacket.
func (b *RollingBuffer) Run(ctx context.Context, deliver func(*rtp.Packet) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-b.queue:
			if err := b.paceAndDeliver(ctx, pkt, deliver); err != nil {
				return err
			}
		}
	}
}

func (b *RollingBuffer) paceAndDeliver(ctx context.Context, pkt *rtp.Packet, deliver func(*rtp.Packet) error) error {
	b.mu.Lock()
	now := time.Now()
	if !b.haveFirstPacket {
		b.haveFirstPacket = true
		b.lastTimestamp = pkt.Timestamp
		b.lastDrainAt = now
		b.mu.Unlock()
		return b.deliverAndCount(deliver, pkt)
	}

	delay := b.calculateDelayLocked(pkt.Timestamp, now)
	queueDepth := len(b.queue)
	if queueDepth >= catchupThreshold {
		delay = time.Duration(float64(delay) / catchupSpeedMultiplier)
		b.statsMu.Lock()
		b.stats.CatchupEvents++
		b.statsMu.Unlock()
	}
	if delay > maxPacketDelay {
		delay = maxPacketDelay
	}
	if delay < 0 {
		delay = 0
	}
	b.lastTimestamp = pkt.Timestamp
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	b.lastDrainAt = time.Now()
	b.mu.Unlock()

	return b.deliverAndCount(deliver, pkt)
}

func (b *RollingBuffer) deliverAndCount(deliver func(*rtp.Packet) error, pkt *rtp.Packet) error {
	if err := deliver(pkt); err != nil {
		return fmt.Errorf("webrtcbridge: deliver packet: %w", err)
	}
	b.statsMu.Lock()
	b.stats.PacketsDrained++
	b.statsMu.Unlock()
	return nil
}

// calculateDelayLocked derives the wall-clock delay before the next
// packet should drain, from the gap between consecutive RTP
// timestamps converted to seconds via clockRate, minus time already
// spent since the last drain. Must be called with mu held.
func (b *RollingBuffer) calculateDelayLocked(currentTS uint32, now time.Time) time.Duration {
	var tsDelta uint32
	if currentTS >= b.lastTimestamp {
		tsDelta = currentTS - b.lastTimestamp
	} else {
		tsDelta = (0xFFFFFFFF - b.lastTimestamp) + currentTS + 1
	}

	nominal := time.Duration(tsDelta) * time.Second / time.Duration(b.clockRate)
	elapsed := now.Sub(b.lastDrainAt)
	return nominal - elapsed
}

// Stats returns a snapshot of cumulative buffer activity.
func (b *RollingBuffer) Stats() RollingBufferStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	st := b.stats
	st.QueueDepth = len(b.queue)
	return st
}
