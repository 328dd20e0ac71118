package mkv

import (
	"encoding/binary"
	"fmt"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// H.264 NAL unit types relevant to framing and CPD extraction (clause 7.4.1).
const (
	NALTypeSPS = 7
	NALTypePPS = 8
	NALTypeIDR = 5
)

// NALUnitType returns the NAL unit type carried in a NAL header byte.
func NALUnitType(header byte) int {
	return int(header & 0x1F)
}

// ConvertAnnexBToAVCC rewrites an Annex-B byte stream (NAL units separated
// by 00 00 01 / 00 00 00 01 start codes) into AVCC framing: each NAL unit
// prefixed by its own 4-byte big-endian length, with no start codes.
func ConvertAnnexBToAVCC(annexB []byte) ([]byte, error) {
	nalus, err := SplitAnnexB(annexB)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(annexB))
	for _, n := range nalus {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(n)))
		out = append(out, length[:]...)
		out = append(out, n...)
	}
	return out, nil
}

// SplitAnnexB splits an Annex-B byte stream into its constituent NAL units,
// stripping start codes. Trailing zero padding after the last NAL unit is
// tolerated and dropped.
func SplitAnnexB(annexB []byte) ([][]byte, error) {
	starts := findStartCodes(annexB)
	if len(starts) == 0 {
		return nil, fmt.Errorf("mkv: no start code found in annex-b stream: %w", kvserrors.ErrMkvFormat)
	}

	var nalus [][]byte
	for i, s := range starts {
		end := len(annexB)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		nalu := annexB[s.offset+s.codeLen : end]
		if i+1 == len(starts) {
			for len(nalu) > 0 && nalu[len(nalu)-1] == 0x00 {
				nalu = nalu[:len(nalu)-1]
			}
		}
		if len(nalu) == 0 {
			continue
		}
		nalus = append(nalus, nalu)
	}
	return nalus, nil
}

type startCode struct {
	offset  int
	codeLen int
}

func findStartCodes(buf []byte) []startCode {
	var starts []startCode
	i := 0
	for i+2 < len(buf) {
		if buf[i] == 0x00 && buf[i+1] == 0x00 && buf[i+2] == 0x01 {
			codeLen := 3
			offset := i
			if i > 0 && buf[i-1] == 0x00 {
				codeLen = 4
				offset = i - 1
			}
			starts = append(starts, startCode{offset: offset, codeLen: codeLen})
			i += 3
			continue
		}
		i++
	}
	return starts
}

// SplitAVCC splits AVCC-framed data (each NAL unit prefixed by a 4-byte
// big-endian length) into its constituent NAL units.
func SplitAVCC(avcc []byte) ([][]byte, error) {
	var nalus [][]byte
	for len(avcc) > 0 {
		if len(avcc) < 4 {
			return nil, fmt.Errorf("mkv: truncated avcc length prefix: %w", kvserrors.ErrMkvFormat)
		}
		length := binary.BigEndian.Uint32(avcc[:4])
		avcc = avcc[4:]
		if uint64(length) > uint64(len(avcc)) {
			return nil, fmt.Errorf("mkv: avcc nal length %d exceeds remaining buffer: %w", length, kvserrors.ErrMkvFormat)
		}
		nalus = append(nalus, avcc[:length])
		avcc = avcc[length:]
	}
	return nalus, nil
}

// ExtractSPSPPS finds the first SPS and PPS NAL units in a set of AVCC (or
// otherwise already-split) NAL units, as produced by SplitAVCC/SplitAnnexB.
func ExtractSPSPPS(nalus [][]byte) (sps, pps []byte, err error) {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch NALUnitType(n[0]) {
		case NALTypeSPS:
			if sps == nil {
				sps = n
			}
		case NALTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("mkv: sps or pps not found in nal unit set: %w", kvserrors.ErrMkvFormat)
	}
	return sps, pps, nil
}

// IsKeyFrame reports whether any NAL unit in the set is an IDR slice.
func IsKeyFrame(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) > 0 && NALUnitType(n[0]) == NALTypeIDR {
			return true
		}
	}
	return false
}
