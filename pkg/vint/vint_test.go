package vint

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
	}{
		{"zero", 0},
		{"small", 5},
		{"one byte max", 0x7E},
		{"two byte min", 0x80},
		{"two byte max", 0x3FFE},
		{"large", 1 << 40},
		{"near max 56 bit", (uint64(1) << 56) - 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := Encode(tt.value)
			if err != nil {
				t.Fatalf("Encode(%d) error: %v", tt.value, err)
			}
			got, n, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if n != len(enc) {
				t.Errorf("Decode consumed %d bytes, want %d", n, len(enc))
			}
			if got != tt.value {
				t.Errorf("Decode(Encode(%d)) = %d", tt.value, got)
			}
		})
	}
}

func TestEncodeValueTooLarge(t *testing.T) {
	_, err := Encode(uint64(1) << 56)
	if !errors.Is(err, kvserrors.ErrMkvFormat) {
		t.Fatalf("expected ErrMkvFormat, got %v", err)
	}
}

func TestEncodeWidthTooSmall(t *testing.T) {
	_, err := EncodeWidth(0x80, 1)
	if !errors.Is(err, kvserrors.ErrMkvFormat) {
		t.Fatalf("expected ErrMkvFormat, got %v", err)
	}
}

func TestEncodeUnknownSize(t *testing.T) {
	want := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	got := EncodeUnknownSize()
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeUnknownSize() = % x, want % x", got, want)
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	if _, _, err := Decode(nil); !errors.Is(err, kvserrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDecodeBufferTooSmall(t *testing.T) {
	// Leading byte 0x40 signals a 2-byte VINT but only one byte is given.
	if _, _, err := Decode([]byte{0x40}); !errors.Is(err, kvserrors.ErrMkvFormat) {
		t.Fatalf("expected ErrMkvFormat, got %v", err)
	}
}

func TestDecodeSigned(t *testing.T) {
	// width=1: bias = 2^6 - 1 = 63. Encoding 63 (unsigned) decodes to 0.
	enc, err := EncodeWidth(63, 1)
	if err != nil {
		t.Fatalf("EncodeWidth error: %v", err)
	}
	got, _, err := DecodeSigned(enc)
	if err != nil {
		t.Fatalf("DecodeSigned error: %v", err)
	}
	if got != 0 {
		t.Errorf("DecodeSigned = %d, want 0", got)
	}
}

func TestFixedWidthPlaceholder(t *testing.T) {
	enc, err := EncodeWidth(0, 8)
	if err != nil {
		t.Fatalf("EncodeWidth error: %v", err)
	}
	if len(enc) != 8 {
		t.Fatalf("len(enc) = %d, want 8", len(enc))
	}
	got, n, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if n != 8 || got != 0 {
		t.Errorf("Decode = (%d, %d), want (0, 8)", got, n)
	}
}
