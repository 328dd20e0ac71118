// Package vint implements the EBML variable-length integer encoding used
// throughout Matroska: a unary-prefix scheme where the position of the
// first 1-bit in the leading byte signals the element's byte width.
package vint

import (
	"encoding/binary"
	"fmt"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// MaxWidth is the largest VINT width EBML supports (8 bytes).
const MaxWidth = 8

// maxValueForWidth is the largest unsigned value that fits in w bytes once
// the leading marker bit is reserved: 2^(7w) - 1.
func maxValueForWidth(w int) uint64 {
	if w >= 8 {
		// 7*8 = 56 bits of payload.
		return (uint64(1) << 56) - 1
	}
	return (uint64(1) << uint(7*w)) - 1
}

// widthFor returns the smallest VINT width (1..8) that can hold v.
func widthFor(v uint64) int {
	for w := 1; w <= MaxWidth; w++ {
		if v <= maxValueForWidth(w) {
			return w
		}
	}
	return MaxWidth
}

// Encode writes the minimum-width VINT encoding of v and returns the bytes
// written. Returns ErrMkvFormat if v doesn't fit in 8 bytes (56 bits).
func Encode(v uint64) ([]byte, error) {
	return EncodeWidth(v, 0)
}

// EncodeWidth encodes v using exactly width bytes (1..8). Pass width 0 to
// let the encoder choose the minimum width. A caller uses a fixed width to
// reserve space for a placeholder size that will be patched in later.
func EncodeWidth(v uint64, width int) ([]byte, error) {
	if width == 0 {
		width = widthFor(v)
	}
	if width < 1 || width > MaxWidth {
		return nil, fmt.Errorf("vint: invalid width %d: %w", width, kvserrors.ErrMkvFormat)
	}
	if v > maxValueForWidth(width) {
		return nil, fmt.Errorf("vint: value %d too large for width %d: %w", v, width, kvserrors.ErrMkvFormat)
	}

	buf := make([]byte, width)
	// Fill the payload as a big-endian integer, then OR in the marker bit.
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	buf[0] |= 1 << uint(8-width)
	return buf, nil
}

// EncodeUnknownSize returns the canonical 8-byte "unknown size" marker used
// by an open-ended Segment element: 01 FF FF FF FF FF FF FF. This is a
// bit-exact contract, not the encoder's minimum-width choice.
func EncodeUnknownSize() []byte {
	buf := make([]byte, MaxWidth)
	buf[0] = 0x01
	for i := 1; i < MaxWidth; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// Width returns the VINT width encoded in the leading byte, or an error if
// no marker bit is set.
func Width(lead byte) (int, error) {
	for w := 1; w <= MaxWidth; w++ {
		if lead&(1<<uint(8-w)) != 0 {
			return w, nil
		}
	}
	return 0, fmt.Errorf("vint: no marker bit in leading byte 0x%02x: %w", lead, kvserrors.ErrMkvFormat)
}

// Decode reads one VINT from buf and returns its decoded value and the
// number of bytes consumed. It clears the marker bit from the leading byte
// before computing the value, per the EBML unsigned-VINT contract.
func Decode(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("vint: empty buffer: %w", kvserrors.ErrInvalidArgument)
	}
	w, err := Width(buf[0])
	if err != nil {
		return 0, 0, err
	}
	if len(buf) < w {
		return 0, 0, fmt.Errorf("vint: buffer too small for width %d: %w", w, kvserrors.ErrMkvFormat)
	}

	v := uint64(buf[0]) &^ (1 << uint(8-w))
	for i := 1; i < w; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, w, nil
}

// DecodeSigned reads one signed VINT ("vintd"): the decoded unsigned value
// has the bias 2^(7w-1) - 1 subtracted, per the EBML signed-VINT contract.
func DecodeSigned(buf []byte) (int64, int, error) {
	v, w, err := Decode(buf)
	if err != nil {
		return 0, 0, err
	}
	bias := int64((uint64(1) << uint(7*w-1)) - 1)
	return int64(v) - bias, w, nil
}

// PutUint16BE writes v as a 2-byte big-endian integer into dst.
func PutUint16BE(dst []byte, v uint16) {
	binary.BigEndian.PutUint16(dst, v)
}

// PutUint32BE writes v as a 4-byte big-endian integer into dst.
func PutUint32BE(dst []byte, v uint32) {
	binary.BigEndian.PutUint32(dst, v)
}

// PutUint64BE writes v as an 8-byte big-endian integer into dst.
func PutUint64BE(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}
