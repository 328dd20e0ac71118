package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// EventType is the fragment-acknowledgement kind KVS reports back on the
// PUT_MEDIA response stream.
type EventType string

const (
	EventBuffering EventType = "BUFFERING"
	EventReceived  EventType = "RECEIVED"
	EventPersisted EventType = "PERSISTED"
	EventError     EventType = "ERROR"
	EventIdle      EventType = "IDLE"
)

// FragmentAck is one decoded acknowledgement event.
type FragmentAck struct {
	EventType        EventType
	FragmentTimecode uint64
	ErrorID          int
}

type wireFragmentAck struct {
	EventType        string `json:"EventType"`
	FragmentTimecode uint64 `json:"FragmentTimecode"`
	ErrorID          int    `json:"ErrorId"`
}

// FragmentAckReader decodes the concatenated-JSON-object body KVS's
// PUT_MEDIA response streams back, one object per fragment-ack event, as
// they arrive on the chunked HTTP response.
type FragmentAckReader struct {
	dec *json.Decoder
}

// NewFragmentAckReader wraps r (the PUT_MEDIA response body, already past
// HTTP chunk-framing) in a streaming JSON decoder.
func NewFragmentAckReader(r io.Reader) *FragmentAckReader {
	return &FragmentAckReader{dec: json.NewDecoder(r)}
}

// ReadFragmentAck decodes the next event, blocking until one arrives (or
// the connection is closed). It returns io.EOF when the stream has ended
// cleanly, and a wrapped ErrHTTPParse on malformed JSON.
func (f *FragmentAckReader) ReadFragmentAck() (FragmentAck, error) {
	var wire wireFragmentAck
	if err := f.dec.Decode(&wire); err != nil {
		if errors.Is(err, io.EOF) {
			return FragmentAck{}, io.EOF
		}
		return FragmentAck{}, fmt.Errorf("upload: decode fragment ack: %w", kvserrors.ErrHTTPParse)
	}
	return FragmentAck{
		EventType:        EventType(wire.EventType),
		FragmentTimecode: wire.FragmentTimecode,
		ErrorID:          wire.ErrorID,
	}, nil
}
