// Package kvserrors defines the sentinel error kinds shared across the
// producer pipeline. Leaf packages (vint, mkv, ringbuffer, rtpreassembler)
// return these directly or wrapped with fmt.Errorf("...: %w", ...); they
// never log at error severity themselves.
package kvserrors

import (
	"errors"
	"strconv"
)

var (
	// ErrInvalidArgument covers null/zero/mismatched inputs.
	ErrInvalidArgument = errors.New("kvs: invalid argument")

	// ErrBufferOverflow is returned when a bounded buffer or budget has no
	// room left, e.g. poolstat.Arena.Reserve past capacity.
	ErrBufferOverflow = errors.New("kvs: buffer overflow")

	// ErrBufferUnderflow is returned by dequeue on an empty buffer.
	ErrBufferUnderflow = errors.New("kvs: buffer underflow")

	// ErrInvalidKey is returned when a FrameKey is stale or foreign.
	ErrInvalidKey = errors.New("kvs: invalid or stale frame key")

	// ErrMkvFormat covers VINT overflow and unsupported codec parameters.
	ErrMkvFormat = errors.New("kvs: mkv format error")

	// ErrRtpParse covers malformed or unsupported RTP payloads.
	ErrRtpParse = errors.New("kvs: rtp parse error")

	// ErrNetwork covers TLS/socket send, recv, and timeout failures.
	ErrNetwork = errors.New("kvs: network error")

	// ErrHTTPParse covers malformed HTTP response framing.
	ErrHTTPParse = errors.New("kvs: http parse error")

	// ErrAuth covers credential refresh and SigV4 signing rejections.
	ErrAuth = errors.New("kvs: auth error")

	// ErrSessionFatal is raised on a fragment ACK ERROR event.
	ErrSessionFatal = errors.New("kvs: session fatal error")

	// ErrTrackMismatch is returned when a frame's track doesn't match the
	// stream's configured track, or no video key-frame has opened the
	// stream yet.
	ErrTrackMismatch = errors.New("kvs: track mismatch or stream not yet opened")
)

// HTTPStatusError carries a non-2xx KVS REST response through as a
// diagnostic, per spec.md's ErrHttpStatus kind.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return "kvs: unexpected http status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Is lets errors.Is(err, kvserrors.ErrHTTPStatus) match any HTTPStatusError,
// independent of the specific status code.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// ErrHTTPStatus is the sentinel matched by HTTPStatusError.Is, so callers
// can do errors.Is(err, kvserrors.ErrHTTPStatus) without an As().
var ErrHTTPStatus = errors.New("kvs: unexpected http status")
