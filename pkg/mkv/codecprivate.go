package mkv

import (
	"encoding/binary"
	"fmt"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// PCM format tags from the WAVEFORMATEX registry; KVS only ever carries
// G.711 companded PCM.
const (
	PCMFormatALaw = 0x0006
	PCMFormatMuLaw = 0x0007
)

const (
	aacCodecPrivateSize = 2
	pcmCodecPrivateSize = 18

	minPCMSamplingRate = 8000
	maxPCMSamplingRate = 192000
)

// BuildH264CodecPrivateData builds an AVCDecoderConfigurationRecord from one
// SPS and one PPS NAL unit (each including its 1-byte NAL header, AVCC
// framing not required). This is the CodecPrivate blob the video
// TrackEntry carries.
func BuildH264CodecPrivateData(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("mkv: sps too short for codec private data: %w", kvserrors.ErrMkvFormat)
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("mkv: empty pps: %w", kvserrors.ErrInvalidArgument)
	}
	if len(sps) > 0xFFFF || len(pps) > 0xFFFF {
		return nil, fmt.Errorf("mkv: sps/pps too large for a 16-bit length field: %w", kvserrors.ErrMkvFormat)
	}

	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,    // configurationVersion
		sps[1],  // AVCProfileIndication
		sps[2],  // profile_compatibility
		sps[3],  // AVCLevelIndication
		0xFF,    // reserved(6) | lengthSizeMinusOne=3 (4-byte NALU lengths)
		0xE1,    // reserved(3) | numOfSequenceParameterSets=1
	)
	out = appendU16Prefixed(out, sps)
	out = append(out, 0x01) // numOfPictureParameterSets
	out = appendU16Prefixed(out, pps)
	return out, nil
}

func appendU16Prefixed(dst, data []byte) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(data)))
	dst = append(dst, length[:]...)
	return append(dst, data...)
}

// aacSamplingFrequencyIndex maps a standard AAC sample rate to its 4-bit
// samplingFrequencyIndex (ISO/IEC 14496-3 Table 1.16).
var aacSamplingFrequencyIndex = map[uint32]byte{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11, 7350: 12,
}

// BuildAACCodecPrivateData builds a 2-byte AudioSpecificConfig: 5 bits
// audioObjectType, 4 bits samplingFrequencyIndex, 4 bits
// channelConfiguration, then 3 zero bits (GASpecificConfig with
// frameLengthFlag/dependsOnCoreCoder/extensionFlag all clear).
func BuildAACCodecPrivateData(audioObjectType byte, samplingRate uint32, channelConfig byte) ([]byte, error) {
	if audioObjectType == 0 || audioObjectType > 31 {
		return nil, fmt.Errorf("mkv: invalid aac audio object type %d: %w", audioObjectType, kvserrors.ErrInvalidArgument)
	}
	if channelConfig == 0 || channelConfig > 15 {
		return nil, fmt.Errorf("mkv: invalid aac channel configuration %d: %w", channelConfig, kvserrors.ErrInvalidArgument)
	}
	freqIdx, ok := aacSamplingFrequencyIndex[samplingRate]
	if !ok {
		return nil, fmt.Errorf("mkv: unsupported aac sampling rate %d: %w", samplingRate, kvserrors.ErrMkvFormat)
	}

	bits := uint16(audioObjectType)<<11 | uint16(freqIdx)<<7 | uint16(channelConfig)<<3
	out := make([]byte, aacCodecPrivateSize)
	binary.BigEndian.PutUint16(out, bits)
	return out, nil
}

// BuildPCMCodecPrivateData builds an 18-byte WAVEFORMATEX blob for G.711
// companded PCM (A-law or mu-law), the CodecPrivate the audio TrackEntry
// carries when CodecID is A_MS/ACM.
func BuildPCMCodecPrivateData(formatTag uint16, samplingRate uint32, channels uint8) ([]byte, error) {
	if formatTag != PCMFormatALaw && formatTag != PCMFormatMuLaw {
		return nil, fmt.Errorf("mkv: unsupported pcm format tag 0x%04x: %w", formatTag, kvserrors.ErrInvalidArgument)
	}
	if samplingRate < minPCMSamplingRate || samplingRate > maxPCMSamplingRate {
		return nil, fmt.Errorf("mkv: pcm sampling rate %d out of range: %w", samplingRate, kvserrors.ErrMkvFormat)
	}
	if channels == 0 {
		return nil, fmt.Errorf("mkv: pcm channel count must be nonzero: %w", kvserrors.ErrInvalidArgument)
	}

	const bitsPerSample = 8
	blockAlign := uint16(channels) * (bitsPerSample / 8)
	avgBytesPerSec := samplingRate * uint32(blockAlign)

	out := make([]byte, pcmCodecPrivateSize)
	binary.LittleEndian.PutUint16(out[0:2], formatTag)
	binary.LittleEndian.PutUint16(out[2:4], uint16(channels))
	binary.LittleEndian.PutUint32(out[4:8], samplingRate)
	binary.LittleEndian.PutUint32(out[8:12], avgBytesPerSec)
	binary.LittleEndian.PutUint16(out[12:14], blockAlign)
	binary.LittleEndian.PutUint16(out[14:16], bitsPerSample)
	binary.LittleEndian.PutUint16(out[16:18], 0) // cbSize
	return out, nil
}
