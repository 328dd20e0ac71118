package mkv

import (
	"encoding/binary"
	"math"

	"github.com/gtfodev/kvs-video-producer/pkg/vint"
)

// element wraps content in a known-size EBML element: ID + VINT(len) + content.
func element(id elementID, content []byte) []byte {
	size, err := vint.Encode(uint64(len(content)))
	if err != nil {
		// Only unreachable for content over 2^56 bytes, far past any single
		// header or cluster this generator builds.
		panic(err)
	}
	out := make([]byte, 0, len(id.bytes())+len(size)+len(content))
	out = append(out, id.bytes()...)
	out = append(out, size...)
	out = append(out, content...)
	return out
}

// elementUnknownSize wraps content with the 8-byte unknown-size marker, used
// for Segment and Cluster so a live session can append without a length
// patch.
func elementUnknownSize(id elementID, content []byte) []byte {
	out := make([]byte, 0, len(id.bytes())+vint.MaxWidth+len(content))
	out = append(out, id.bytes()...)
	out = append(out, vint.EncodeUnknownSize()...)
	out = append(out, content...)
	return out
}

// uintElement encodes v as a minimal-width big-endian unsigned integer, the
// EBML UInt element contract (at least one byte, no leading zero bytes).
func uintElement(id elementID, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return element(id, buf[i:])
}

// floatElement encodes v as an 8-byte IEEE-754 double, the EBML Float
// element's wide form.
func floatElement(id elementID, v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return element(id, buf[:])
}

// stringElement encodes v as ASCII/UTF-8 bytes, the EBML String element.
func stringElement(id elementID, v string) []byte {
	return element(id, []byte(v))
}
