package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
)

// annexBFrameSource loads an H.264 Annex-B elementary stream once at
// startup, extracts the codec-private data and resolution from its
// first SPS/PPS pair, and replays the slice NAL units as AVCC frames.
type annexBFrameSource struct {
	nalus        [][]byte
	codecPrivate []byte
	resolution   mkv.VideoResolution
}

// sliceNALU is one AVCC-framed slice NAL unit ready to hand to
// AddFrameWithCallbacks.
type sliceNALU struct {
	avcc     []byte
	keyFrame bool
}

func newAnnexBFrameSource(path string) (*annexBFrameSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read video-file: %w", err)
	}

	nalus, err := mkv.SplitAnnexB(raw)
	if err != nil {
		return nil, fmt.Errorf("split annex-b stream: %w", err)
	}
	if len(nalus) == 0 {
		return nil, fmt.Errorf("video-file contains no NAL units")
	}

	sps, pps, err := mkv.ExtractSPSPPS(nalus)
	if err != nil {
		return nil, fmt.Errorf("locate sps/pps: %w", err)
	}

	codecPrivate, err := mkv.BuildH264CodecPrivateData(sps, pps)
	if err != nil {
		return nil, fmt.Errorf("build codec private data: %w", err)
	}

	resolution, err := mkv.ParseSPS(mkv.RemoveEmulationPrevention(sps))
	if err != nil {
		return nil, fmt.Errorf("parse sps resolution: %w", err)
	}

	return &annexBFrameSource{
		nalus:        nalus,
		codecPrivate: codecPrivate,
		resolution:   resolution,
	}, nil
}

// sliceFrames turns each loaded slice NAL unit into its own AVCC frame,
// dropping parameter sets (carried once in CodecPrivate instead) and any
// non-slice NAL types this sample doesn't forward. Slices are not merged:
// a picture coded as several slices yields several frames.
func (s *annexBFrameSource) sliceFrames() []sliceNALU {
	var frames []sliceNALU
	for _, n := range s.nalus {
		if len(n) == 0 {
			continue
		}
		switch mkv.NALUnitType(n[0]) {
		case mkv.NALTypeIDR:
			frames = append(frames, sliceNALU{avcc: lengthPrefixed(n), keyFrame: true})
		case 1, 2, 3, 4: // non-IDR slice and data partitions A-C
			frames = append(frames, sliceNALU{avcc: lengthPrefixed(n), keyFrame: false})
		default:
			continue
		}
	}
	return frames
}

func lengthPrefixed(nalu []byte) []byte {
	out := make([]byte, 4+len(nalu))
	binary.BigEndian.PutUint32(out[:4], uint32(len(nalu)))
	copy(out[4:], nalu)
	return out
}
