package mkv

import (
	"fmt"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// bitReader reads an H.264 RBSP (already de-emulated) bit by bit, MSB
// first, and decodes Exp-Golomb codes per Annex B/clause 9.1.
type bitReader struct {
	buf     []byte
	bytePos int
	bitPos  uint // 0 = MSB of buf[bytePos]
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{buf: buf}
}

func (r *bitReader) readBit() (uint32, error) {
	if r.bytePos >= len(r.buf) {
		return 0, fmt.Errorf("mkv: sps bitstream exhausted: %w", kvserrors.ErrMkvFormat)
	}
	b := (r.buf[r.bytePos] >> (7 - r.bitPos)) & 0x01
	r.bitPos++
	if r.bitPos == 8 {
		r.bitPos = 0
		r.bytePos++
	}
	return uint32(b), nil
}

func (r *bitReader) readBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}

// readUE decodes an unsigned Exp-Golomb code: count leading zero bits,
// then read that many bits more and combine with the bias 2^leadingZeros-1.
func (r *bitReader) readUE() (uint32, error) {
	leadingZeros := 0
	for {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if bit != 0 {
			break
		}
		leadingZeros++
		if leadingZeros > 31 {
			return 0, fmt.Errorf("mkv: sps exp-golomb code too long: %w", kvserrors.ErrMkvFormat)
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	rest, err := r.readBits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return (1 << uint(leadingZeros)) - 1 + rest, nil
}

// readSE decodes a signed Exp-Golomb code (clause 9.1.1): map the unsigned
// codeNum k to (-1)^(k+1) * ceil(k/2).
func (r *bitReader) readSE() (int32, error) {
	k, err := r.readUE()
	if err != nil {
		return 0, err
	}
	if k%2 == 0 {
		return -int32(k / 2), nil
	}
	return int32(k+1) / 2, nil
}

// VideoResolution is the pixel width/height decoded from an SPS.
type VideoResolution struct {
	Width  uint16
	Height uint16
}

// profiles whose SPS carries the chroma-format / bit-depth / scaling-matrix
// extension fields (Annex A high-profile family).
var chromaFormatProfiles = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// subsampling factors by chroma_format_idc, table 6-1.
var subWidthC = map[uint32]uint32{1: 2, 2: 2, 3: 1}
var subHeightC = map[uint32]uint32{1: 2, 2: 1, 3: 1}

// ParseSPS decodes width/height from an H.264 Sequence Parameter Set NAL
// unit. nalu includes the 1-byte NAL header; the caller passes the
// already de-emulated RBSP (see RemoveEmulationPrevention).
func ParseSPS(nalu []byte) (VideoResolution, error) {
	if len(nalu) < 4 {
		return VideoResolution{}, fmt.Errorf("mkv: sps too short: %w", kvserrors.ErrMkvFormat)
	}
	r := newBitReader(nalu[1:]) // skip the NAL header byte

	profileIdc, err := r.readBits(8)
	if err != nil {
		return VideoResolution{}, err
	}
	if _, err := r.readBits(8); err != nil { // constraint_set flags + reserved
		return VideoResolution{}, err
	}
	if _, err := r.readBits(8); err != nil { // level_idc
		return VideoResolution{}, err
	}
	if _, err := r.readUE(); err != nil { // seq_parameter_set_id
		return VideoResolution{}, err
	}

	chromaFormatIdc := uint32(1) // default 4:2:0 when the extension is absent
	if chromaFormatProfiles[profileIdc] {
		chromaFormatIdc, err = r.readUE()
		if err != nil {
			return VideoResolution{}, err
		}
		if chromaFormatIdc == 3 {
			if _, err := r.readBits(1); err != nil { // separate_colour_plane_flag
				return VideoResolution{}, err
			}
		}
		if _, err := r.readUE(); err != nil { // bit_depth_luma_minus8
			return VideoResolution{}, err
		}
		if _, err := r.readUE(); err != nil { // bit_depth_chroma_minus8
			return VideoResolution{}, err
		}
		if _, err := r.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return VideoResolution{}, err
		}
		scalingMatrixPresent, err := r.readBits(1)
		if err != nil {
			return VideoResolution{}, err
		}
		if scalingMatrixPresent != 0 {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				present, err := r.readBits(1)
				if err != nil {
					return VideoResolution{}, err
				}
				if present != 0 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := skipScalingList(r, size); err != nil {
						return VideoResolution{}, err
					}
				}
			}
		}
	}

	if _, err := r.readUE(); err != nil { // log2_max_frame_num_minus4
		return VideoResolution{}, err
	}
	picOrderCntType, err := r.readUE()
	if err != nil {
		return VideoResolution{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := r.readUE(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return VideoResolution{}, err
		}
	case 1:
		if _, err := r.readBits(1); err != nil { // delta_pic_order_always_zero_flag
			return VideoResolution{}, err
		}
		if _, err := r.readSE(); err != nil { // offset_for_non_ref_pic
			return VideoResolution{}, err
		}
		if _, err := r.readSE(); err != nil { // offset_for_top_to_bottom_field
			return VideoResolution{}, err
		}
		numRefFrames, err := r.readUE()
		if err != nil {
			return VideoResolution{}, err
		}
		for i := uint32(0); i < numRefFrames; i++ {
			if _, err := r.readSE(); err != nil { // offset_for_ref_frame[i]
				return VideoResolution{}, err
			}
		}
	}

	if _, err := r.readUE(); err != nil { // max_num_ref_frames
		return VideoResolution{}, err
	}
	if _, err := r.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return VideoResolution{}, err
	}
	picWidthInMbsMinus1, err := r.readUE()
	if err != nil {
		return VideoResolution{}, err
	}
	picHeightInMapUnitsMinus1, err := r.readUE()
	if err != nil {
		return VideoResolution{}, err
	}
	frameMbsOnlyFlag, err := r.readBits(1)
	if err != nil {
		return VideoResolution{}, err
	}
	if frameMbsOnlyFlag == 0 {
		if _, err := r.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return VideoResolution{}, err
		}
	}
	if _, err := r.readBits(1); err != nil { // direct_8x8_inference_flag
		return VideoResolution{}, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint32
	frameCroppingFlag, err := r.readBits(1)
	if err != nil {
		return VideoResolution{}, err
	}
	if frameCroppingFlag != 0 {
		if cropLeft, err = r.readUE(); err != nil {
			return VideoResolution{}, err
		}
		if cropRight, err = r.readUE(); err != nil {
			return VideoResolution{}, err
		}
		if cropTop, err = r.readUE(); err != nil {
			return VideoResolution{}, err
		}
		if cropBottom, err = r.readUE(); err != nil {
			return VideoResolution{}, err
		}
	}

	width := (picWidthInMbsMinus1 + 1) * 16
	heightMapUnits := 2 - frameMbsOnlyFlag
	height := heightMapUnits * (picHeightInMapUnitsMinus1 + 1) * 16

	var cropUnitX, cropUnitY uint32
	if chromaFormatIdc == 0 {
		cropUnitX = 1
		cropUnitY = heightMapUnits
	} else {
		cropUnitX = subWidthC[chromaFormatIdc]
		cropUnitY = subHeightC[chromaFormatIdc] * heightMapUnits
	}

	width -= (cropLeft + cropRight) * cropUnitX
	height -= (cropTop + cropBottom) * cropUnitY

	if width == 0 || height == 0 || width > 1<<16-1 || height > 1<<16-1 {
		return VideoResolution{}, fmt.Errorf("mkv: sps produced implausible resolution %dx%d: %w", width, height, kvserrors.ErrMkvFormat)
	}

	return VideoResolution{Width: uint16(width), Height: uint16(height)}, nil
}

// skipScalingList consumes a scaling_list() of the given size (clause
// 7.3.2.1.1.1); the values themselves don't affect width/height.
func skipScalingList(r *bitReader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			deltaScale, err := r.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// RemoveEmulationPrevention strips the 0x03 emulation-prevention byte from
// every 00 00 03 {00,01,02,03} sequence in an Annex-B RBSP, per clause
// 7.4.1.1. SPS/PPS NAL units must be de-emulated before bit parsing.
func RemoveEmulationPrevention(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeroRun := 0
	for _, b := range nalu {
		if zeroRun >= 2 && b == 0x03 {
			zeroRun = 0
			continue
		}
		out = append(out, b)
		if b == 0x00 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}
