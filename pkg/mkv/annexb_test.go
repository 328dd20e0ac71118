package mkv

import (
	"bytes"
	"testing"
)

func TestSplitAnnexBAndConvertToAVCC(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	idr := []byte{0x65, 0x88, 0x84}

	annexB := bytes.Join([][]byte{
		{0x00, 0x00, 0x00, 0x01}, sps,
		{0x00, 0x00, 0x01}, pps,
		{0x00, 0x00, 0x01}, idr,
	}, nil)

	nalus, err := SplitAnnexB(annexB)
	if err != nil {
		t.Fatalf("SplitAnnexB error: %v", err)
	}
	if len(nalus) != 3 {
		t.Fatalf("SplitAnnexB returned %d nalus, want 3", len(nalus))
	}
	if !bytes.Equal(nalus[0], sps) || !bytes.Equal(nalus[1], pps) || !bytes.Equal(nalus[2], idr) {
		t.Fatalf("SplitAnnexB nalus don't match input: %v", nalus)
	}

	avcc, err := ConvertAnnexBToAVCC(annexB)
	if err != nil {
		t.Fatalf("ConvertAnnexBToAVCC error: %v", err)
	}
	avccNalus, err := SplitAVCC(avcc)
	if err != nil {
		t.Fatalf("SplitAVCC error: %v", err)
	}
	if len(avccNalus) != 3 {
		t.Fatalf("SplitAVCC returned %d nalus, want 3", len(avccNalus))
	}
	if !bytes.Equal(avccNalus[0], sps) || !bytes.Equal(avccNalus[1], pps) || !bytes.Equal(avccNalus[2], idr) {
		t.Fatalf("SplitAVCC nalus don't match input")
	}

	if !IsKeyFrame(avccNalus) {
		t.Error("IsKeyFrame = false, want true (idr present)")
	}

	gotSPS, gotPPS, err := ExtractSPSPPS(avccNalus)
	if err != nil {
		t.Fatalf("ExtractSPSPPS error: %v", err)
	}
	if !bytes.Equal(gotSPS, sps) || !bytes.Equal(gotPPS, pps) {
		t.Fatalf("ExtractSPSPPS didn't return the expected sps/pps")
	}
}

func TestSplitAVCCTruncated(t *testing.T) {
	if _, err := SplitAVCC([]byte{0x00, 0x00, 0x00, 0x10, 0x01}); err == nil {
		t.Fatal("expected error for truncated avcc nal")
	}
}

func TestExtractSPSPPSMissing(t *testing.T) {
	if _, _, err := ExtractSPSPPS([][]byte{{0x65, 0x00}}); err == nil {
		t.Fatal("expected error when sps/pps absent")
	}
}

func TestNALUnitType(t *testing.T) {
	if NALUnitType(0x67) != NALTypeSPS {
		t.Errorf("NALUnitType(0x67) = %d, want %d", NALUnitType(0x67), NALTypeSPS)
	}
	if NALUnitType(0x68) != NALTypePPS {
		t.Errorf("NALUnitType(0x68) = %d, want %d", NALUnitType(0x68), NALTypePPS)
	}
	if NALUnitType(0x65) != NALTypeIDR {
		t.Errorf("NALUnitType(0x65) = %d, want %d", NALUnitType(0x65), NALTypeIDR)
	}
}
