// Package rtpreassembler turns RTP packets into complete media frames, one
// state machine per payload-type track: H.264 FU-A/STAP-A/single-NALU
// depacketization into Annex-B frames, and RFC 3640 AU-header-based AAC
// access-unit extraction.
package rtpreassembler

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
)

// MediaKind identifies the codec a track's payload type carries.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindH264
	KindAAC
	KindPCM
)

// Well-known static RTP clock rates (RFC 3551 table 4/5); dynamic payload
// types (96-127, the common case for H.264/AAC in practice) must be
// supplied by the caller from the SDP/session description instead.
var staticClockRates = map[uint8]uint32{
	0: 8000,  // PCMU
	8: 8000,  // PCMA
	9: 8000,  // G722
	11: 44100, // L16 mono
}

// ClockRateForPayloadType returns the well-known clock rate for a static
// RTP payload type, or false if pt is dynamic/unrecognized.
func ClockRateForPayloadType(pt uint8) (uint32, bool) {
	rate, ok := staticClockRates[pt]
	return rate, ok
}

// TrackConfig describes one RTP payload type's media track.
type TrackConfig struct {
	PayloadType uint8
	Kind        MediaKind
	ClockRate   uint32
}

// Frame is one complete, depacketized media unit ready for the MKV layer:
// Annex-B-framed NAL units for H.264 (each NAL unit prefixed by a literal
// 00 00 00 01 start code), a raw access unit for AAC, or a raw payload
// chunk for PCM.
type Frame struct {
	Track     TrackConfig
	Data      []byte
	Keyframe  bool
	Timestamp uint32 // RTP timestamp, in Track.ClockRate units
}

type h264State struct {
	buffer []byte
	sps    []byte
	pps    []byte
}

// Reassembler depacketizes RTP packets from one or more tracks (keyed by
// payload type) and invokes OnFrame for each completed frame. Not safe for
// concurrent use from multiple goroutines without external locking, since
// per-track state mutates across calls.
type Reassembler struct {
	tracks  map[uint8]TrackConfig
	h264    map[uint8]*h264State
	onFrame func(Frame)
}

// New builds a Reassembler for the given tracks. At least one track is
// required, and payload types must be unique.
func New(tracks []TrackConfig, onFrame func(Frame)) (*Reassembler, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("rtpreassembler: at least one track is required: %w", kvserrors.ErrInvalidArgument)
	}
	if onFrame == nil {
		return nil, fmt.Errorf("rtpreassembler: onFrame callback is required: %w", kvserrors.ErrInvalidArgument)
	}
	r := &Reassembler{
		tracks:  make(map[uint8]TrackConfig, len(tracks)),
		h264:    make(map[uint8]*h264State),
		onFrame: onFrame,
	}
	for _, tc := range tracks {
		if _, exists := r.tracks[tc.PayloadType]; exists {
			return nil, fmt.Errorf("rtpreassembler: duplicate payload type %d: %w", tc.PayloadType, kvserrors.ErrInvalidArgument)
		}
		r.tracks[tc.PayloadType] = tc
		if tc.Kind == KindH264 {
			r.h264[tc.PayloadType] = &h264State{buffer: make([]byte, 0, 256*1024)}
		}
	}
	return r, nil
}

// ProcessPacket depacketizes one RTP packet, invoking OnFrame zero or more
// times as complete frames become available.
func (r *Reassembler) ProcessPacket(pkt *rtp.Packet) error {
	track, ok := r.tracks[pkt.PayloadType]
	if !ok {
		return fmt.Errorf("rtpreassembler: unknown payload type %d: %w", pkt.PayloadType, kvserrors.ErrRtpParse)
	}
	if len(pkt.Payload) == 0 {
		return nil
	}

	switch track.Kind {
	case KindH264:
		return r.processH264(track, pkt)
	case KindAAC:
		return r.processAAC(track, pkt)
	case KindPCM:
		r.onFrame(Frame{Track: track, Data: pkt.Payload, Timestamp: pkt.Timestamp})
		return nil
	default:
		return fmt.Errorf("rtpreassembler: unsupported media kind for payload type %d: %w", pkt.PayloadType, kvserrors.ErrRtpParse)
	}
}

func (r *Reassembler) processH264(track TrackConfig, pkt *rtp.Packet) error {
	st := r.h264[track.PayloadType]
	naluType := mkv.NALUnitType(pkt.Payload[0])

	switch naluType {
	case 28: // FU-A
		return r.processFUA(track, st, pkt)
	case 24: // STAP-A
		return r.processSTAPA(track, st, pkt)
	default:
		return r.emitNALU(track, st, pkt.Payload, naluType, pkt.Marker, pkt.Timestamp)
	}
}

func (r *Reassembler) processFUA(track TrackConfig, st *h264State, pkt *rtp.Packet) error {
	if len(pkt.Payload) < 2 {
		return fmt.Errorf("rtpreassembler: fu-a packet too short: %w", kvserrors.ErrRtpParse)
	}
	fuIndicator := pkt.Payload[0]
	fuHeader := pkt.Payload[1]
	payload := pkt.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := int(fuHeader & 0x1F)

	if start {
		st.buffer = st.buffer[:0]
		nalHeader := (fuIndicator & 0xE0) | byte(naluType)
		st.buffer = append(st.buffer, nalHeader)
	}
	st.buffer = append(st.buffer, payload...)

	if end {
		return r.emitNALU(track, st, st.buffer, naluType, pkt.Marker, pkt.Timestamp)
	}
	return nil
}

func (r *Reassembler) processSTAPA(track TrackConfig, st *h264State, pkt *rtp.Packet) error {
	payload := pkt.Payload[1:]
	nalus := make([]byte, 0, len(payload))
	keyframe := false

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(naluSize) {
			return fmt.Errorf("rtpreassembler: stap-a nalu size exceeds payload: %w", kvserrors.ErrRtpParse)
		}
		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		naluType := mkv.NALUnitType(nalu[0])
		r.cacheSPSPPS(st, nalu, naluType)
		if naluType == mkv.NALTypeIDR {
			keyframe = true
		}
		nalus = appendAnnexB(nalus, nalu)
	}

	if len(nalus) > 0 {
		r.onFrame(Frame{Track: track, Data: nalus, Keyframe: keyframe, Timestamp: pkt.Timestamp})
	}
	return nil
}

func (r *Reassembler) emitNALU(track TrackConfig, st *h264State, nalu []byte, naluType int, marker bool, timestamp uint32) error {
	r.cacheSPSPPS(st, nalu, naluType)

	isKeyframe := naluType == mkv.NALTypeIDR
	var frame []byte
	if isKeyframe && len(st.sps) > 0 && len(st.pps) > 0 {
		frame = make([]byte, 0, len(st.sps)+len(st.pps)+len(nalu)+12)
		frame = appendAnnexB(frame, st.sps)
		frame = appendAnnexB(frame, st.pps)
		frame = appendAnnexB(frame, nalu)
	} else {
		frame = appendAnnexB(make([]byte, 0, len(nalu)+4), nalu)
	}

	if marker {
		r.onFrame(Frame{Track: track, Data: frame, Keyframe: isKeyframe, Timestamp: timestamp})
	}
	return nil
}

func (r *Reassembler) cacheSPSPPS(st *h264State, nalu []byte, naluType int) {
	switch naluType {
	case mkv.NALTypeSPS:
		st.sps = append([]byte(nil), nalu...)
	case mkv.NALTypePPS:
		st.pps = append([]byte(nil), nalu...)
	}
}

// annexBStartCode is the literal 4-byte start code this component
// prepends to every NAL unit it emits, per spec: "Single NAL: prepend
// 00 00 00 01, append payload" / "FU-A: ... synthesize and append
// 00 00 00 01 | reconstructedNalHeader". AVCC's 4-byte length-prefix
// framing is a separate, downstream concern (see mkv.ConvertAnnexBToAVCC).
var annexBStartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

func appendAnnexB(dst, nalu []byte) []byte {
	dst = append(dst, annexBStartCode[:]...)
	return append(dst, nalu...)
}

// processAAC extracts access units per RFC 3640's AU-header section: a
// 16-bit AU-headers-length in bits, then one 16-bit header per AU (13-bit
// size, 3-bit index, the AAC-hbr profile KVS expects), followed by the AU
// payloads back to back.
func (r *Reassembler) processAAC(track TrackConfig, pkt *rtp.Packet) error {
	payload := pkt.Payload
	if len(payload) < 2 {
		return fmt.Errorf("rtpreassembler: aac packet too short: %w", kvserrors.ErrRtpParse)
	}

	auHeadersLengthBits := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := (auHeadersLengthBits + 7) / 8
	if len(payload) < int(2+auHeadersLengthBytes) {
		return fmt.Errorf("rtpreassembler: aac au-headers length exceeds packet: %w", kvserrors.ErrRtpParse)
	}

	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	offset := 0
	for len(auHeaders) >= 2 {
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		auHeaders = auHeaders[2:]

		if offset+auSize > len(auData) {
			return fmt.Errorf("rtpreassembler: aac au size exceeds payload: %w", kvserrors.ErrRtpParse)
		}
		frame := auData[offset : offset+auSize]
		offset += auSize
		if len(frame) > 0 {
			r.onFrame(Frame{Track: track, Data: frame, Timestamp: pkt.Timestamp})
		}
	}
	return nil
}
