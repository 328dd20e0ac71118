package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
)

func testGenerator(t *testing.T, withAudio bool) *mkv.Generator {
	t.Helper()
	video := &mkv.VideoTrackInfo{
		CodecID:      "V_MPEG4/ISO/AVC",
		CodecPrivate: []byte{0x01, 0x42, 0x00, 0x1E, 0xFF, 0xE1, 0x00, 0x05, 0x67, 0x42, 0x00, 0x1E, 0xAB, 0x01, 0x00},
		Width:        640,
		Height:       480,
	}
	var audio *mkv.AudioTrackInfo
	if withAudio {
		audio = &mkv.AudioTrackInfo{
			CodecID:      "A_AAC",
			CodecPrivate: []byte{0x11, 0x90},
			SamplingRate: 48000,
			ChannelCount: 2,
		}
	}
	g, err := mkv.NewGenerator(video, audio)
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	return g
}

func TestAddDataFrameRejectsBeforeFirstVideoKeyFrame(t *testing.T) {
	s, err := Create(testGenerator(t, true))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	_, err = s.AddDataFrame(FrameIn{
		Data:        []byte{0x01, 0x02},
		TimestampMs: 0,
		Track:       mkv.Audio,
		ClusterType: NewCluster,
	})
	if !errors.Is(err, kvserrors.ErrTrackMismatch) {
		t.Fatalf("expected ErrTrackMismatch, got %v", err)
	}

	// A non-keyframe video frame also can't open the session.
	_, err = s.AddDataFrame(FrameIn{
		Data:        []byte{0x01},
		TimestampMs: 0,
		Track:       mkv.Video,
		KeyFrame:    false,
		ClusterType: NewCluster,
	})
	if !errors.Is(err, kvserrors.ErrTrackMismatch) {
		t.Fatalf("expected ErrTrackMismatch for non-keyframe opener, got %v", err)
	}
}

func TestAddDataFrameUnknownOrUnconfiguredTrack(t *testing.T) {
	s, err := Create(testGenerator(t, false)) // no audio track configured
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	_, err = s.AddDataFrame(FrameIn{
		Data:        []byte{0x01},
		TimestampMs: 0,
		Track:       mkv.Audio,
		ClusterType: NewCluster,
	})
	if !errors.Is(err, kvserrors.ErrTrackMismatch) {
		t.Fatalf("expected ErrTrackMismatch for unconfigured audio track, got %v", err)
	}
}

func TestMultiTrackOrderedMerge(t *testing.T) {
	s, err := Create(testGenerator(t, true))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	mustAdd := func(track mkv.TrackType, tsMs uint64, keyFrame bool, clusterType ClusterType, data []byte) {
		t.Helper()
		if _, err := s.AddDataFrame(FrameIn{
			Data:        data,
			TimestampMs: tsMs,
			Track:       track,
			KeyFrame:    keyFrame,
			ClusterType: clusterType,
		}); err != nil {
			t.Fatalf("AddDataFrame(track=%v, ts=%d) error: %v", track, tsMs, err)
		}
	}

	mustAdd(mkv.Video, 0, true, NewCluster, []byte{0xAA})
	mustAdd(mkv.Audio, 10, false, SimpleBlockOnly, []byte{0xBB})
	mustAdd(mkv.Video, 33, false, SimpleBlockOnly, []byte{0xCC})
	mustAdd(mkv.Audio, 30, false, SimpleBlockOnly, []byte{0xDD})

	var gotTimestamps []uint64
	for {
		fr, ok := s.Pop()
		if !ok {
			break
		}
		gotTimestamps = append(gotTimestamps, fr.TimestampMs)
	}

	want := []uint64{0, 10, 30, 33}
	if len(gotTimestamps) != len(want) {
		t.Fatalf("got %v, want %v", gotTimestamps, want)
	}
	for i := range want {
		if gotTimestamps[i] != want[i] {
			t.Fatalf("got %v, want %v", gotTimestamps, want)
		}
	}
}

func TestFlushToNextCluster(t *testing.T) {
	s, err := Create(testGenerator(t, false))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	var destructed [][]byte
	destructor := func(data []byte) { destructed = append(destructed, data) }

	if _, err := s.AddDataFrame(FrameIn{
		Data: []byte{0x01}, TimestampMs: 0, Track: mkv.Video, KeyFrame: true,
		ClusterType: NewCluster, Destructor: destructor,
	}); err != nil {
		t.Fatalf("AddDataFrame error: %v", err)
	}
	if _, err := s.AddDataFrame(FrameIn{
		Data: []byte{0x02}, TimestampMs: 33, Track: mkv.Video,
		ClusterType: SimpleBlockOnly, Destructor: destructor,
	}); err != nil {
		t.Fatalf("AddDataFrame error: %v", err)
	}
	if _, err := s.AddDataFrame(FrameIn{
		Data: []byte{0x03}, TimestampMs: 66, Track: mkv.Video, KeyFrame: true,
		ClusterType: NewCluster, Destructor: destructor,
	}); err != nil {
		t.Fatalf("AddDataFrame error: %v", err)
	}

	// Send the cluster-opening frame at t=0 so the head becomes the
	// mid-cluster SimpleBlock at t=33, which the flush must discard.
	if fr, ok := s.Pop(); !ok || fr.TimestampMs != 0 {
		t.Fatalf("Pop = %+v, ok=%v, want ts=0", fr, ok)
	}
	destructed = nil

	s.FlushToNextCluster()

	if len(destructed) != 1 {
		t.Fatalf("destructed = %v, want 1 frame released", destructed)
	}
	if s.AvailOnTrack(mkv.Video) != 1 {
		t.Fatalf("AvailOnTrack = %d, want 1", s.AvailOnTrack(mkv.Video))
	}
	fr, ok := s.Peek()
	if !ok || fr.TimestampMs != 66 {
		t.Fatalf("Peek = %+v, ok=%v, want ts=66", fr, ok)
	}
}

func TestMemStatTotalAndIsEmpty(t *testing.T) {
	s, err := Create(testGenerator(t, false))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !s.IsEmpty() {
		t.Fatal("new stream should be empty")
	}
	if _, err := s.AddDataFrame(FrameIn{
		Data: []byte{0x01, 0x02, 0x03}, TimestampMs: 0, Track: mkv.Video,
		KeyFrame: true, ClusterType: NewCluster,
	}); err != nil {
		t.Fatalf("AddDataFrame error: %v", err)
	}
	if s.IsEmpty() {
		t.Fatal("stream should not be empty after adding a frame")
	}
	if got := s.MemStatTotal(); got != 3 {
		t.Fatalf("MemStatTotal = %d, want 3", got)
	}
	if _, ok := s.Pop(); !ok {
		t.Fatal("Pop should succeed")
	}
	if !s.IsEmpty() {
		t.Fatal("stream should be empty after draining")
	}
	if got := s.MemStatTotal(); got != 0 {
		t.Fatalf("MemStatTotal = %d after drain, want 0", got)
	}
}

func TestGetMkvEbmlSegHdrMatchesGenerator(t *testing.T) {
	gen := testGenerator(t, true)
	s, err := Create(gen)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !bytes.Equal(s.GetMkvEbmlSegHdr(), gen.InitialHeader()) {
		t.Fatal("GetMkvEbmlSegHdr should match the generator's InitialHeader output")
	}
}

func TestSimpleBlockWithoutOpenClusterFails(t *testing.T) {
	s, err := Create(testGenerator(t, false))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	// Manually bypass the key-frame gate by forcing haveKeyFrame/haveClusterOpen
	// false->false is already the zero state; SimpleBlockOnly with no prior
	// NewCluster should fail distinctly from the key-frame gate.
	s.haveKeyFrame = true
	_, err = s.AddDataFrame(FrameIn{
		Data: []byte{0x01}, TimestampMs: 5, Track: mkv.Video,
		ClusterType: SimpleBlockOnly,
	})
	if !errors.Is(err, kvserrors.ErrTrackMismatch) {
		t.Fatalf("expected ErrTrackMismatch, got %v", err)
	}
}

func TestDeltaTimecodeOverflow(t *testing.T) {
	s, err := Create(testGenerator(t, false))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := s.AddDataFrame(FrameIn{
		Data: []byte{0x01}, TimestampMs: 0, Track: mkv.Video, KeyFrame: true,
		ClusterType: NewCluster,
	}); err != nil {
		t.Fatalf("AddDataFrame error: %v", err)
	}
	_, err = s.AddDataFrame(FrameIn{
		Data: []byte{0x02}, TimestampMs: 100000, Track: mkv.Video,
		ClusterType: SimpleBlockOnly,
	})
	if !errors.Is(err, kvserrors.ErrMkvFormat) {
		t.Fatalf("expected ErrMkvFormat for overflowing delta, got %v", err)
	}
}
