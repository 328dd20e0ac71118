// Package mkv builds the Matroska (MKV) element stream that KVS's
// PUT_MEDIA protocol expects: one EBML+Segment header per session, then a
// Cluster per fragment holding a Timecode and a run of SimpleBlocks.
//
// The generator never buffers a whole file: InitialHeader is produced once,
// then ClusterHeader/SimpleBlock are called per fragment/frame and their
// output is written straight to the upload stream.
package mkv

import (
	"fmt"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/vint"
)

// Track numbers are fixed by convention across the producer: video always
// occupies track 1, audio (when present) track 2.
const (
	VideoTrackNumber = 1
	AudioTrackNumber = 2

	trackTypeVideo = 1
	trackTypeAudio = 2

	docType           = "matroska"
	docTypeVersion    = 4
	docTypeReadVersion = 2
	ebmlVersion        = 1
	ebmlMaxIDLength    = 4
	ebmlMaxSizeLength  = 8

	// DefaultTimecodeScale is 1ms, so every Timecode/delta-timecode value
	// the rest of this package writes is already in milliseconds.
	DefaultTimecodeScale = 1_000_000
)

// VideoTrackInfo describes the video track's codec and the codec private
// data (CPD) a decoder needs to interpret it, e.g. an H.264
// AVCDecoderConfigurationRecord built by BuildH264CodecPrivateData.
type VideoTrackInfo struct {
	Name         string
	CodecID      string
	CodecPrivate []byte
	Width        uint16
	Height       uint16
}

// AudioTrackInfo is the audio analogue of VideoTrackInfo; CodecPrivate is
// an AudioSpecificConfig (AAC) or a WAVEFORMATEX blob (PCM).
type AudioTrackInfo struct {
	Name          string
	CodecID       string
	CodecPrivate  []byte
	SamplingRate  uint32
	ChannelCount  uint8
	BitsPerSample uint8
}

// Generator builds the MKV element stream for one producer session. A
// Generator is stateless aside from the track descriptions it was built
// with; it is safe for concurrent use since each call only reads them.
type Generator struct {
	video *VideoTrackInfo
	audio *AudioTrackInfo
}

// NewGenerator validates the track set and returns a Generator. A video
// track is mandatory; audio is optional.
func NewGenerator(video *VideoTrackInfo, audio *AudioTrackInfo) (*Generator, error) {
	if video == nil {
		return nil, fmt.Errorf("mkv: video track is required: %w", kvserrors.ErrInvalidArgument)
	}
	if video.CodecID == "" || len(video.CodecPrivate) == 0 {
		return nil, fmt.Errorf("mkv: video track missing codec id or private data: %w", kvserrors.ErrInvalidArgument)
	}
	if audio != nil && (audio.CodecID == "" || len(audio.CodecPrivate) == 0) {
		return nil, fmt.Errorf("mkv: audio track missing codec id or private data: %w", kvserrors.ErrInvalidArgument)
	}
	return &Generator{video: video, audio: audio}, nil
}

// HasAudio reports whether this session was configured with an audio track.
func (g *Generator) HasAudio() bool {
	return g.audio != nil
}

// InitialHeader returns the EBML header plus the opening of an
// unknown-size Segment containing Info and Tracks. It is written exactly
// once, before the first Cluster.
func (g *Generator) InitialHeader() []byte {
	ebml := element(idEBML, concat(
		uintElement(idEBMLVersion, ebmlVersion),
		uintElement(idEBMLReadVersion, ebmlVersion),
		uintElement(idEBMLMaxIDLength, ebmlMaxIDLength),
		uintElement(idEBMLMaxSizeLength, ebmlMaxSizeLength),
		stringElement(idDocType, docType),
		uintElement(idDocTypeVersion, docTypeVersion),
		uintElement(idDocTypeReadVersion, docTypeReadVersion),
	))

	info := element(idInfo, concat(
		uintElement(idTimecodeScale, DefaultTimecodeScale),
		stringElement(idMuxingApp, "kvs-video-producer"),
		stringElement(idWritingApp, "kvs-video-producer"),
	))

	tracks := element(idTracks, g.trackEntries())

	segment := elementUnknownSize(idSegment, concat(info, tracks))

	return concat(ebml, segment)
}

func (g *Generator) trackEntries() []byte {
	entries := videoTrackEntry(g.video)
	if g.audio != nil {
		entries = concat(entries, audioTrackEntry(g.audio))
	}
	return entries
}

func videoTrackEntry(v *VideoTrackInfo) []byte {
	video := element(idVideo, concat(
		uintElement(idPixelWidth, uint64(v.Width)),
		uintElement(idPixelHeight, uint64(v.Height)),
	))
	content := concat(
		uintElement(idTrackNumber, VideoTrackNumber),
		uintElement(idTrackUID, VideoTrackNumber),
		uintElement(idTrackType, trackTypeVideo),
		stringElement(idCodecID, v.CodecID),
		element(idCodecPrivate, v.CodecPrivate),
		video,
	)
	if v.Name != "" {
		content = concat(content, stringElement(idName, v.Name))
	}
	return element(idTrackEntry, content)
}

func audioTrackEntry(a *AudioTrackInfo) []byte {
	audio := element(idAudio, concat(
		floatElement(idSamplingFrequency, float64(a.SamplingRate)),
		uintElement(idChannels, uint64(a.ChannelCount)),
		uintElement(idBitDepth, uint64(a.BitsPerSample)),
	))
	content := concat(
		uintElement(idTrackNumber, AudioTrackNumber),
		uintElement(idTrackUID, AudioTrackNumber),
		uintElement(idTrackType, trackTypeAudio),
		stringElement(idCodecID, a.CodecID),
		element(idCodecPrivate, a.CodecPrivate),
		audio,
	)
	if a.Name != "" {
		content = concat(content, stringElement(idName, a.Name))
	}
	return element(idTrackEntry, content)
}

// ClusterHeader opens a new, unknown-size Cluster at the given absolute
// timestamp (milliseconds, per DefaultTimecodeScale). Every SimpleBlock
// written after it until the next ClusterHeader call belongs to this
// fragment.
func (g *Generator) ClusterHeader(timestampMs uint64) []byte {
	timecode := uintElement(idTimecode, timestampMs)
	return elementUnknownSize(idCluster, timecode)
}

// TrackType selects which track a frame belongs to.
type TrackType int

const (
	// Video identifies the session's video track (always track 1).
	Video TrackType = iota
	// Audio identifies the session's audio track (track 2), valid only
	// when the Generator was built with an AudioTrackInfo.
	Audio
)

// SimpleBlock builds one SimpleBlock element: TrackNumber VINT, a signed
// 16-bit delta timecode relative to the enclosing Cluster's Timecode, a
// flags byte, and the frame payload. deltaMs must fit in an int16; callers
// start a new Cluster before it would overflow.
func (g *Generator) SimpleBlock(track TrackType, deltaMs int16, keyFrame bool, frame []byte) ([]byte, error) {
	trackNumber, err := g.trackNumberFor(track)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("mkv: empty frame: %w", kvserrors.ErrInvalidArgument)
	}

	trackVint, err := vint.Encode(trackNumber)
	if err != nil {
		return nil, err
	}

	var flags byte
	if keyFrame {
		flags |= 0x80
	}

	payload := make([]byte, 0, len(trackVint)+2+1+len(frame))
	payload = append(payload, trackVint...)
	payload = append(payload, byte(uint16(deltaMs)>>8), byte(uint16(deltaMs)))
	payload = append(payload, flags)
	payload = append(payload, frame...)

	return element(idSimpleBlock, payload), nil
}

func (g *Generator) trackNumberFor(track TrackType) (uint64, error) {
	switch track {
	case Video:
		return VideoTrackNumber, nil
	case Audio:
		if g.audio == nil {
			return 0, fmt.Errorf("mkv: session has no audio track: %w", kvserrors.ErrTrackMismatch)
		}
		return AudioTrackNumber, nil
	default:
		return 0, fmt.Errorf("mkv: unknown track type %d: %w", track, kvserrors.ErrInvalidArgument)
	}
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
