package rtpreassembler

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
)

func TestSingleNALUReturnsAnnexBStartCode(t *testing.T) {
	var frames []Frame
	r, err := New([]TrackConfig{{PayloadType: 125, Kind: KindH264, ClockRate: 90000}}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	sps := []byte{0x67, 0x64, 0x00, 0x1E, 0xAB}
	pkt := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 125, Marker: true, Timestamp: 1000},
		Payload: sps,
	}
	if err := r.ProcessPacket(pkt); err != nil {
		t.Fatalf("ProcessPacket(sps) error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}

	want := append([]byte{0x00, 0x00, 0x00, 0x01}, sps...)
	if !bytes.Equal(frames[0].Data, want) {
		t.Fatalf("Data = % x, want % x", frames[0].Data, want)
	}
	if frames[0].Keyframe {
		t.Fatal("SPS NAL must not be marked as a keyframe")
	}
}

func TestH264SingleNALUThenFUAKeyframe(t *testing.T) {
	var frames []Frame
	r, err := New([]TrackConfig{{PayloadType: 125, Kind: KindH264, ClockRate: 90000}}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	spsPkt := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 125, Marker: true, Timestamp: 1000},
		Payload: sps,
	}
	if err := r.ProcessPacket(spsPkt); err != nil {
		t.Fatalf("ProcessPacket(sps) error: %v", err)
	}
	if len(frames) != 1 || frames[0].Keyframe {
		t.Fatalf("after SPS: frames=%v, want 1 non-keyframe frame", frames)
	}

	ppsPkt := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 125, Marker: true, Timestamp: 1000},
		Payload: pps,
	}
	if err := r.ProcessPacket(ppsPkt); err != nil {
		t.Fatalf("ProcessPacket(pps) error: %v", err)
	}

	// IDR slice split across two FU-A fragments.
	idrBody := []byte{0x88, 0x84, 0x21, 0xA0}
	fuIndicator := byte(0x7C) // F=0, NRI=3(11), type=28 (FU-A)
	startHeader := byte(0x85) // S=1,E=0,R=0, type=5 (IDR)
	endHeader := byte(0x45)   // S=0,E=1,R=0, type=5 (IDR)

	frag1 := &rtp.Packet{
		Header: rtp.Header{PayloadType: 125, Marker: false, Timestamp: 3000},
		Payload: append([]byte{fuIndicator, startHeader}, idrBody[:2]...),
	}
	frag2 := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 125, Marker: true, Timestamp: 3000},
		Payload: append([]byte{fuIndicator, endHeader}, idrBody[2:]...),
	}

	if err := r.ProcessPacket(frag1); err != nil {
		t.Fatalf("ProcessPacket(frag1) error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("after frag1 (no marker): frames=%d, want 2 (no new frame yet)", len(frames))
	}

	if err := r.ProcessPacket(frag2); err != nil {
		t.Fatalf("ProcessPacket(frag2) error: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("after frag2: frames=%d, want 3", len(frames))
	}

	idrFrame := frames[2]
	if !idrFrame.Keyframe {
		t.Fatal("reassembled IDR frame not marked as keyframe")
	}
	if idrFrame.Timestamp != 3000 {
		t.Fatalf("idrFrame.Timestamp = %d, want 3000", idrFrame.Timestamp)
	}

	// Keyframe must be prefixed with cached SPS/PPS, each its own Annex-B
	// start code.
	var want []byte
	want = appendAnnexB(want, sps)
	want = appendAnnexB(want, pps)
	reconstructedNAL := append([]byte{(fuIndicator & 0xE0) | 5}, idrBody...)
	want = appendAnnexB(want, reconstructedNAL)

	if !bytes.Equal(idrFrame.Data, want) {
		t.Fatalf("idrFrame.Data = % x, want % x", idrFrame.Data, want)
	}
}

func TestAACAccessUnitExtraction(t *testing.T) {
	var frames []Frame
	r, err := New([]TrackConfig{{PayloadType: 97, Kind: KindAAC, ClockRate: 48000}}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	au1 := []byte{0x01, 0x02, 0x03}
	au2 := []byte{0x04, 0x05}

	// AU-headers-length = 32 bits (2 headers x 16 bits each).
	payload := []byte{0x00, 0x20}
	// Header 1: size=3 (13 bits) << 3 | index=0
	payload = append(payload, byte(len(au1)<<3>>8), byte(len(au1)<<3))
	// Header 2: size=2 (13 bits) << 3 | index=0
	payload = append(payload, byte(len(au2)<<3>>8), byte(len(au2)<<3))
	payload = append(payload, au1...)
	payload = append(payload, au2...)

	pkt := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 97, Timestamp: 5000},
		Payload: payload,
	}
	if err := r.ProcessPacket(pkt); err != nil {
		t.Fatalf("ProcessPacket error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if !bytes.Equal(frames[0].Data, au1) || !bytes.Equal(frames[1].Data, au2) {
		t.Fatalf("frames data = %v, want [%x %x]", frames, au1, au2)
	}
}

func TestUnknownPayloadType(t *testing.T) {
	r, err := New([]TrackConfig{{PayloadType: 125, Kind: KindH264, ClockRate: 90000}}, func(Frame) {})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{PayloadType: 99}, Payload: []byte{0x01}}
	if err := r.ProcessPacket(pkt); err == nil {
		t.Fatal("expected error for unknown payload type")
	}
}

func TestClockRateForPayloadType(t *testing.T) {
	if rate, ok := ClockRateForPayloadType(0); !ok || rate != 8000 {
		t.Fatalf("ClockRateForPayloadType(0) = (%d, %v), want (8000, true)", rate, ok)
	}
	if _, ok := ClockRateForPayloadType(125); ok {
		t.Fatal("ClockRateForPayloadType(125) should be dynamic/unrecognized")
	}
}
