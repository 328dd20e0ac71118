package mkv

import (
	"bytes"
	"testing"

	"github.com/gtfodev/kvs-video-producer/pkg/vint"
)

func testGenerator(t *testing.T) *Generator {
	t.Helper()
	sps := buildBaselineSPS(39, 29)
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	h264CPD, err := BuildH264CodecPrivateData(sps, pps)
	if err != nil {
		t.Fatalf("BuildH264CodecPrivateData error: %v", err)
	}
	aacCPD, err := BuildAACCodecPrivateData(2, 48000, 2)
	if err != nil {
		t.Fatalf("BuildAACCodecPrivateData error: %v", err)
	}

	video := &VideoTrackInfo{
		CodecID:      "V_MPEG4/ISO/AVC",
		CodecPrivate: h264CPD,
		Width:        640,
		Height:       480,
	}
	audio := &AudioTrackInfo{
		CodecID:      "A_AAC",
		CodecPrivate: aacCPD,
		SamplingRate: 48000,
		ChannelCount: 2,
	}
	g, err := NewGenerator(video, audio)
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	return g
}

func TestInitialHeaderStructure(t *testing.T) {
	g := testGenerator(t)
	hdr := g.InitialHeader()

	wantEBMLID := []byte{0x1A, 0x45, 0xDF, 0xA3}
	if !bytes.Equal(hdr[:4], wantEBMLID) {
		t.Fatalf("leading bytes = % x, want EBML id % x", hdr[:4], wantEBMLID)
	}

	ebmlSize, n, err := vint.Decode(hdr[4:])
	if err != nil {
		t.Fatalf("vint.Decode(EBML size) error: %v", err)
	}
	segmentStart := 4 + n + int(ebmlSize)

	wantSegmentID := []byte{0x18, 0x53, 0x80, 0x67}
	if !bytes.Equal(hdr[segmentStart:segmentStart+4], wantSegmentID) {
		t.Fatalf("bytes at %d = % x, want Segment id % x", segmentStart, hdr[segmentStart:segmentStart+4], wantSegmentID)
	}

	wantUnknown := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	sizeStart := segmentStart + 4
	if !bytes.Equal(hdr[sizeStart:sizeStart+8], wantUnknown) {
		t.Fatalf("segment size marker = % x, want unknown-size marker % x", hdr[sizeStart:sizeStart+8], wantUnknown)
	}
}

func TestClusterHeaderUnknownSize(t *testing.T) {
	g := testGenerator(t)
	cluster := g.ClusterHeader(1000)

	wantClusterID := []byte{0x1F, 0x43, 0xB6, 0x75}
	if !bytes.Equal(cluster[:4], wantClusterID) {
		t.Fatalf("cluster id = % x, want % x", cluster[:4], wantClusterID)
	}
	wantUnknown := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(cluster[4:12], wantUnknown) {
		t.Fatalf("cluster size marker = % x, want unknown-size marker", cluster[4:12])
	}
	// Timecode element (id 0xE7) follows the size marker.
	if cluster[12] != 0xE7 {
		t.Fatalf("byte after size marker = 0x%02x, want Timecode id 0xE7", cluster[12])
	}
}

func TestSimpleBlockEncoding(t *testing.T) {
	g := testGenerator(t)
	frame := []byte{0xAA, 0xBB, 0xCC}

	block, err := g.SimpleBlock(Video, 0, true, frame)
	if err != nil {
		t.Fatalf("SimpleBlock error: %v", err)
	}
	if block[0] != 0xA3 {
		t.Fatalf("simpleblock id = 0x%02x, want 0xA3", block[0])
	}
	size, n, err := vint.Decode(block[1:])
	if err != nil {
		t.Fatalf("vint.Decode(size) error: %v", err)
	}
	payload := block[1+n:]
	if uint64(len(payload)) != size {
		t.Fatalf("payload len = %d, want %d", len(payload), size)
	}

	trackNum, tn, err := vint.Decode(payload)
	if err != nil {
		t.Fatalf("vint.Decode(track) error: %v", err)
	}
	if trackNum != VideoTrackNumber {
		t.Fatalf("track number = %d, want %d", trackNum, VideoTrackNumber)
	}

	rest := payload[tn:]
	deltaMs := int16(uint16(rest[0])<<8 | uint16(rest[1]))
	if deltaMs != 0 {
		t.Fatalf("delta timecode = %d, want 0", deltaMs)
	}
	flags := rest[2]
	if flags&0x80 == 0 {
		t.Fatal("keyframe flag not set")
	}
	if !bytes.Equal(rest[3:], frame) {
		t.Fatalf("frame payload = % x, want % x", rest[3:], frame)
	}
}

func TestSimpleBlockAudioWithoutAudioTrack(t *testing.T) {
	video := &VideoTrackInfo{
		CodecID:      "V_MPEG4/ISO/AVC",
		CodecPrivate: []byte{0x01, 0x42, 0x00, 0x1E, 0xFF, 0xE1, 0x00, 0x00, 0x01, 0x00, 0x00},
		Width:        640,
		Height:       480,
	}
	g, err := NewGenerator(video, nil)
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	if g.HasAudio() {
		t.Fatal("HasAudio = true, want false")
	}
	if _, err := g.SimpleBlock(Audio, 0, false, []byte{0x01}); err == nil {
		t.Fatal("expected error writing an audio block with no audio track configured")
	}
}

func TestSimpleBlockNegativeDelta(t *testing.T) {
	g := testGenerator(t)
	block, err := g.SimpleBlock(Video, -1, false, []byte{0x01})
	if err != nil {
		t.Fatalf("SimpleBlock error: %v", err)
	}
	_, n, _ := vint.Decode(block[1:])
	_, tn, _ := vint.Decode(block[1+n:])
	payload := block[1+n:]
	deltaMs := int16(uint16(payload[tn])<<8 | uint16(payload[tn+1]))
	if deltaMs != -1 {
		t.Fatalf("delta timecode = %d, want -1", deltaMs)
	}
}
