package mkv

import (
	"bytes"
	"testing"
)

// bitWriter is the SPS test suite's own encoder, built against the same
// Exp-Golomb contract as bitReader, so tests exercise ParseSPS against
// bitstreams assembled field-by-field rather than hand-computed magic
// bytes.
type bitWriter struct {
	buf     []byte
	bitPos  uint
}

func (w *bitWriter) writeBit(bit uint32) {
	if w.bitPos == 0 {
		w.buf = append(w.buf, 0)
	}
	if bit != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.bitPos)
	}
	w.bitPos = (w.bitPos + 1) % 8
}

func (w *bitWriter) writeBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) writeUE(v uint32) {
	// codeNum+1, written in exactly floor(log2(codeNum+1))+1 bits, equals
	// the implicit stop bit followed by the "rest" bits readUE expects.
	k := v + 1
	leadingZeros := 0
	for t := k; t > 1; t >>= 1 {
		leadingZeros++
	}
	for i := 0; i < leadingZeros; i++ {
		w.writeBit(0)
	}
	w.writeBits(k, leadingZeros+1)
}

func (w *bitWriter) writeSE(v int32) {
	var k uint32
	if v <= 0 {
		k = uint32(-2 * v)
	} else {
		k = uint32(2*v - 1)
	}
	w.writeUE(k)
}

func (w *bitWriter) bytes() []byte {
	return w.buf
}

// buildBaselineSPS builds a minimal profile-66 (Baseline) SPS NAL unit
// (including its 1-byte header) for the given macroblock-aligned
// resolution, with frame_mbs_only_flag=1 and no frame cropping.
func buildBaselineSPS(widthMbsMinus1, heightMapUnitsMinus1 uint32) []byte {
	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc: Baseline, no chroma extension fields
	w.writeBits(0, 8)  // constraint_set flags + reserved
	w.writeBits(30, 8) // level_idc
	w.writeUE(0)       // seq_parameter_set_id
	w.writeUE(0)       // log2_max_frame_num_minus4
	w.writeUE(0)       // pic_order_cnt_type
	w.writeUE(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)       // max_num_ref_frames
	w.writeBits(0, 1)  // gaps_in_frame_num_value_allowed_flag
	w.writeUE(widthMbsMinus1)
	w.writeUE(heightMapUnitsMinus1)
	w.writeBits(1, 1) // frame_mbs_only_flag
	w.writeBits(0, 1) // direct_8x8_inference_flag
	w.writeBits(0, 1) // frame_cropping_flag
	w.writeBits(0, 1) // vui_parameters_present_flag (unused by ParseSPS)

	header := byte(0x67) // nal_ref_idc=3, nal_unit_type=7 (SPS)
	return append([]byte{header}, w.bytes()...)
}

// buildHighProfileSPS builds a profile-100 SPS exercising the chroma/bit
// depth/scaling-matrix extension path, with cropping applied.
func buildHighProfileSPS(widthMbsMinus1, heightMapUnitsMinus1, cropLeft, cropRight, cropTop, cropBottom uint32) []byte {
	w := &bitWriter{}
	w.writeBits(100, 8) // profile_idc: High
	w.writeBits(0, 8)
	w.writeBits(30, 8)
	w.writeUE(0)       // seq_parameter_set_id
	w.writeUE(1)       // chroma_format_idc: 4:2:0
	w.writeUE(0)       // bit_depth_luma_minus8
	w.writeUE(0)       // bit_depth_chroma_minus8
	w.writeBits(0, 1)  // qpprime_y_zero_transform_bypass_flag
	w.writeBits(0, 1)  // seq_scaling_matrix_present_flag
	w.writeUE(0)       // log2_max_frame_num_minus4
	w.writeUE(0)       // pic_order_cnt_type
	w.writeUE(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)       // max_num_ref_frames
	w.writeBits(0, 1)  // gaps_in_frame_num_value_allowed_flag
	w.writeUE(widthMbsMinus1)
	w.writeUE(heightMapUnitsMinus1)
	w.writeBits(1, 1) // frame_mbs_only_flag
	w.writeBits(0, 1) // direct_8x8_inference_flag
	hasCrop := cropLeft != 0 || cropRight != 0 || cropTop != 0 || cropBottom != 0
	if hasCrop {
		w.writeBits(1, 1)
		w.writeUE(cropLeft)
		w.writeUE(cropRight)
		w.writeUE(cropTop)
		w.writeUE(cropBottom)
	} else {
		w.writeBits(0, 1)
	}
	w.writeBits(0, 1) // vui_parameters_present_flag

	header := byte(0x67)
	return append([]byte{header}, w.bytes()...)
}

func TestParseSPS640x480(t *testing.T) {
	sps := buildBaselineSPS(39, 29) // (39+1)*16=640, (29+1)*16=480
	res, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if res.Width != 640 || res.Height != 480 {
		t.Fatalf("ParseSPS = %dx%d, want 640x480", res.Width, res.Height)
	}
}

func TestParseSPSHighProfileWithCropping(t *testing.T) {
	// 1280x736 macroblock grid cropped down to 1280x720: crop units for
	// 4:2:0 are (2,2), so cropping 8 units off the bottom removes 16px.
	sps := buildHighProfileSPS(79, 45, 0, 0, 0, 8)
	res, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if res.Width != 1280 || res.Height != 720 {
		t.Fatalf("ParseSPS = %dx%d, want 1280x720", res.Width, res.Height)
	}
}

func TestParseSPSTruncated(t *testing.T) {
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Fatal("expected error for truncated sps")
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x02, 0x00, 0x00, 0x03, 0x03}
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x00, 0x03}
	got := RemoveEmulationPrevention(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("RemoveEmulationPrevention = % x, want % x", got, want)
	}
}
