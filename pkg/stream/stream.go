// Package stream assembles per-track frame FIFOs into the time-ordered,
// cluster-aware sequence the upload session writes to the wire: the EBML
// header once, then a Cluster element whenever a frame opens one, then a
// run of SimpleBlocks until the next Cluster.
package stream

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
)

// ClusterType tells AddDataFrame whether this frame opens a new Cluster
// (resetting the delta-timecode base) or continues the current one.
type ClusterType int

const (
	// SimpleBlockOnly continues the active Cluster.
	SimpleBlockOnly ClusterType = iota
	// NewCluster opens a fresh Cluster at this frame's timestamp.
	NewCluster
)

// FrameIn is one encoded media frame handed to AddDataFrame.
type FrameIn struct {
	Data        []byte
	TimestampMs uint64
	Track       mkv.TrackType
	KeyFrame    bool
	ClusterType ClusterType
	// Destructor, if set, runs once this frame leaves the stream (popped
	// or flushed), mirroring the ring buffer's eviction callback so a
	// caller can return the frame's backing buffer to a pool.
	Destructor func(data []byte)
}

// FrameOut is one dequeued, wire-ready element: the MKV prefix bytes
// (Cluster+Timecode followed by the SimpleBlock for a cluster-opening
// frame, or just the SimpleBlock element otherwise), whose SimpleBlock
// already embeds the raw frame payload. Data is returned separately only
// for destructor bookkeeping.
type FrameOut struct {
	Prefix      []byte
	Data        []byte
	TimestampMs uint64
	Track       mkv.TrackType
}

// FrameHandle identifies a frame accepted by AddDataFrame, scoped to one
// Stream and one track.
type FrameHandle struct {
	Track  mkv.TrackType
	Serial uint64
}

type frameElement struct {
	prefix      []byte
	data        []byte
	timestampMs uint64
	track       mkv.TrackType
	destructor  func([]byte)
}

type trackQueue struct {
	frames     *list.List // of *frameElement, front = oldest
	totalBytes uint64
	nextSerial uint64
}

// Stream merges a video track's (and optionally an audio track's) frame
// FIFOs into the ordering the MKV/KVS wire format requires.
type Stream struct {
	mu sync.Mutex

	gen    *mkv.Generator
	tracks map[mkv.TrackType]*trackQueue

	ebmlSegHdr []byte

	clusterBaseMs   uint64
	haveClusterOpen bool
	haveKeyFrame    bool

	terminated bool
}

// Create builds a Stream from a configured mkv.Generator. The generator's
// HasAudio() determines whether the Audio track is accepted.
func Create(gen *mkv.Generator) (*Stream, error) {
	if gen == nil {
		return nil, fmt.Errorf("stream: generator is required: %w", kvserrors.ErrInvalidArgument)
	}
	tracks := map[mkv.TrackType]*trackQueue{
		mkv.Video: {frames: list.New()},
	}
	if gen.HasAudio() {
		tracks[mkv.Audio] = &trackQueue{frames: list.New()}
	}
	return &Stream{
		gen:        gen,
		tracks:     tracks,
		ebmlSegHdr: gen.InitialHeader(),
	}, nil
}

// AddDataFrame computes the frame's MKV prefix and enqueues it on its
// track's FIFO. The very first frame accepted by the stream must be a
// video key-frame opening a new Cluster; every frame before that is
// rejected with ErrTrackMismatch.
func (s *Stream) AddDataFrame(in FrameIn) (FrameHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return FrameHandle{}, fmt.Errorf("stream: terminated: %w", kvserrors.ErrInvalidArgument)
	}

	q, ok := s.tracks[in.Track]
	if !ok {
		return FrameHandle{}, fmt.Errorf("stream: unknown or unconfigured track %d: %w", in.Track, kvserrors.ErrTrackMismatch)
	}

	if !s.haveKeyFrame {
		if in.Track != mkv.Video || !in.KeyFrame || in.ClusterType != NewCluster {
			return FrameHandle{}, fmt.Errorf("stream: frame arrived before the opening video key-frame: %w", kvserrors.ErrTrackMismatch)
		}
	}

	var prefix []byte
	var err error
	if in.ClusterType == NewCluster {
		s.clusterBaseMs = in.TimestampMs
		s.haveClusterOpen = true
		block, blockErr := s.gen.SimpleBlock(in.Track, 0, in.KeyFrame, in.Data)
		if blockErr != nil {
			return FrameHandle{}, blockErr
		}
		prefix = append(s.gen.ClusterHeader(in.TimestampMs), block...)
	} else {
		if !s.haveClusterOpen {
			return FrameHandle{}, fmt.Errorf("stream: simple-block frame arrived with no open cluster: %w", kvserrors.ErrTrackMismatch)
		}
		deltaMs := int64(in.TimestampMs) - int64(s.clusterBaseMs)
		if deltaMs < -32768 || deltaMs > 32767 {
			return FrameHandle{}, fmt.Errorf("stream: delta timecode %d ms overflows a cluster: %w", deltaMs, kvserrors.ErrMkvFormat)
		}
		prefix, err = s.gen.SimpleBlock(in.Track, int16(deltaMs), in.KeyFrame, in.Data)
		if err != nil {
			return FrameHandle{}, err
		}
	}

	if in.Track == mkv.Video && in.KeyFrame {
		s.haveKeyFrame = true
	}

	elem := &frameElement{
		prefix:      prefix,
		data:        in.Data,
		timestampMs: in.TimestampMs,
		track:       in.Track,
		destructor:  in.Destructor,
	}
	q.frames.PushBack(elem)
	q.totalBytes += uint64(len(in.Data))
	serial := q.nextSerial
	q.nextSerial++

	return FrameHandle{Track: in.Track, Serial: serial}, nil
}

// Peek returns the earliest-timestamped head frame across all tracks
// without removing it.
func (s *Stream) Peek() (FrameOut, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track, elem := s.earliestLocked()
	if elem == nil {
		return FrameOut{}, false
	}
	return frameOutFrom(track, elem), true
}

// Pop removes and returns the earliest-timestamped head frame across all
// tracks, running its destructor if one was registered.
func (s *Stream) Pop() (FrameOut, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track, elem := s.earliestLocked()
	if elem == nil {
		return FrameOut{}, false
	}
	s.popFrontLocked(track)
	return frameOutFrom(track, elem), true
}

// earliestLocked returns the track and list element at the front of
// whichever track's FIFO holds the smallest timestamp, or nil if every
// track is empty. Caller must hold s.mu.
func (s *Stream) earliestLocked() (mkv.TrackType, *frameElement) {
	var bestTrack mkv.TrackType
	var best *frameElement
	for track, q := range s.tracks {
		front := q.frames.Front()
		if front == nil {
			continue
		}
		fe := front.Value.(*frameElement)
		if best == nil || fe.timestampMs < best.timestampMs {
			best = fe
			bestTrack = track
		}
	}
	return bestTrack, best
}

func (s *Stream) popFrontLocked(track mkv.TrackType) {
	q := s.tracks[track]
	front := q.frames.Front()
	elem := front.Value.(*frameElement)
	q.frames.Remove(front)
	q.totalBytes -= uint64(len(elem.data))
	if elem.destructor != nil {
		elem.destructor(elem.data)
	}
}

func frameOutFrom(track mkv.TrackType, elem *frameElement) FrameOut {
	return FrameOut{
		Prefix:      elem.prefix,
		Data:        elem.data,
		TimestampMs: elem.timestampMs,
		Track:       track,
	}
}

// AvailOnTrack returns the number of frames currently queued on track.
func (s *Stream) AvailOnTrack(track mkv.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.tracks[track]
	if !ok {
		return 0
	}
	return q.frames.Len()
}

// IsEmpty reports whether every track's FIFO is empty.
func (s *Stream) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.tracks {
		if q.frames.Len() > 0 {
			return false
		}
	}
	return true
}

// MemStatTotal returns the sum of queued frame payload bytes across all
// tracks.
func (s *Stream) MemStatTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, q := range s.tracks {
		total += q.totalBytes
	}
	return total
}

// GetMkvEbmlSegHdr returns the EBML+Segment+Info+Tracks header built at
// Create time. It must be written exactly once, before the first Cluster.
func (s *Stream) GetMkvEbmlSegHdr() []byte {
	return s.ebmlSegHdr
}

// FlushToNextCluster discards queued frames, across all tracks, until
// every track's head frame (or the track is empty) belongs to a fresh
// Cluster. Discarded frames run their destructor. This is invoked at
// session (re)open so the wire always begins on a Cluster boundary.
func (s *Stream) FlushToNextCluster() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		track, elem := s.earliestLocked()
		if elem == nil {
			return
		}
		if elem.prefix != nil && isClusterPrefix(elem.prefix) {
			return
		}
		s.popFrontLocked(track)
	}
}

// isClusterPrefix reports whether prefix begins with a Cluster element
// (the Cluster ID's first byte, 0x1F, is unambiguous against a bare
// SimpleBlock element's ID, 0xA3).
func isClusterPrefix(prefix []byte) bool {
	return len(prefix) > 0 && prefix[0] == 0x1F
}

// Terminate releases every queued frame (running destructors) and marks
// the stream unusable.
func (s *Stream) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for track, q := range s.tracks {
		for q.frames.Len() > 0 {
			s.popFrontLocked(track)
		}
	}
	s.terminated = true
}
