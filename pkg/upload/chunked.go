package upload

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/netio"
)

// PutMediaRequest names the stream and track configuration the
// Connecting state needs to build the PUT_MEDIA request line and headers.
type PutMediaRequest struct {
	Host             string
	StreamName       string
	TimecodeMs       uint64
	FragmentAckRequired bool
}

// chunkedSession owns the raw byte channel for one PUT_MEDIA connection:
// the signed request line/headers, then a sequence of signed
// chunked-transfer-encoded MKV fragments, then the terminating
// zero-length chunk.
type chunkedSession struct {
	channel *netio.Channel
	reader  *bufio.Reader
	signer  *ChunkSigner
}

// OpenPutMedia sends the signed PUT_MEDIA request line and headers over
// channel and returns a chunkedSession ready to stream fragment bytes, plus
// the parsed HTTP status line of the initial response (KVS replies with a
// 200 and "100-continue"-style early header block before streaming acks).
func OpenPutMedia(ctx context.Context, channel *netio.Channel, req PutMediaRequest, creds Credentials, region string) (*chunkedSession, int, error) {
	path := fmt.Sprintf("/putMedia")
	now := time.Now()

	headers := map[string]string{
		"host":                   req.Host,
		"transfer-encoding":      "chunked",
		"x-amzn-stream-name":     req.StreamName,
		"x-amzn-fragment-timecode-type": "ABSOLUTE",
		"x-amzn-producer-start-timestamp": strconv.FormatFloat(float64(req.TimecodeMs)/1000.0, 'f', 3, 64),
		"x-amz-date":             SigningDate(now),
		"x-amz-content-sha256":   StreamingContentSHA256,
	}
	if req.FragmentAckRequired {
		headers["x-amzn-fragment-acknowledgment-required"] = "1"
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}

	canon := CanonicalRequest{
		Method:      http.MethodPut,
		Path:        path,
		Query:       url.Values{},
		Headers:     headers,
		PayloadHash: StreamingContentSHA256,
	}
	sig, err := Sign(canon, creds, region, "kinesisvideo", now)
	if err != nil {
		return nil, 0, err
	}
	headers["authorization"] = sig.AuthorizationHeader

	var b []byte
	b = append(b, fmt.Sprintf("PUT %s HTTP/1.1\r\n", path)...)
	for k, v := range headers {
		b = append(b, fmt.Sprintf("%s: %s\r\n", httpHeaderCase(k), v)...)
	}
	b = append(b, "\r\n"...)

	if err := channel.Send(ctx, b); err != nil {
		return nil, 0, err
	}

	reader := bufio.NewReader(channelReader{ctx: ctx, channel: channel})
	statusCode, err := readStatusLine(reader)
	if err != nil {
		return nil, 0, err
	}

	signer := NewChunkSigner(sig.SigningKey, region, "kinesisvideo", now, sig.Signature)
	return &chunkedSession{channel: channel, reader: reader, signer: signer}, statusCode, nil
}

// WriteFragment signs and writes one chunk of MKV bytes, framed per HTTP
// chunked transfer encoding with an embedded chunk-signature extension:
// "<hexLen>;chunk-signature=<sig>\r\n<payload>\r\n".
func (s *chunkedSession) WriteFragment(ctx context.Context, data []byte) error {
	sig := s.signer.SignChunk(data)
	header := fmt.Sprintf("%x;chunk-signature=%s\r\n", len(data), sig)
	out := make([]byte, 0, len(header)+len(data)+2)
	out = append(out, header...)
	out = append(out, data...)
	out = append(out, "\r\n"...)
	return s.channel.Send(ctx, out)
}

// Close writes the terminating zero-length signed chunk that ends the
// chunked transfer.
func (s *chunkedSession) Close(ctx context.Context) error {
	sig := s.signer.SignChunk(nil)
	final := fmt.Sprintf("0;chunk-signature=%s\r\n\r\n", sig)
	return s.channel.Send(ctx, []byte(final))
}

// ResponseReader returns the PUT_MEDIA response body with HTTP
// chunked-transfer-encoding framing stripped off: KVS streams fragment-ack
// JSON events as the body of a "transfer-encoding: chunked" response, so
// each event is preceded by a hex chunk-size line and trailed by CRLF on
// the wire. FragmentAckReader's json.Decoder only ever sees the decoded
// event bytes.
func (s *chunkedSession) ResponseReader() io.Reader {
	return httputil.NewChunkedReader(s.reader)
}

// readStatusLine parses "HTTP/1.1 200 OK\r\n" followed by headers up to
// the blank line, mirroring the original embedded-C http_helper's
// parse-status-then-headers control flow (spec.md §4 "HTTP response
// parser" collaborator, implemented here rather than left abstract since
// the chunked body framing below it is this package's concern).
func readStatusLine(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("upload: read status line: %w", joinNetworkErr(err))
	}
	var httpVersion string
	var statusCode int
	if _, err := fmt.Sscanf(line, "%s %d", &httpVersion, &statusCode); err != nil {
		return 0, fmt.Errorf("upload: parse status line %q: %w", line, kvserrors.ErrHTTPParse)
	}
	for {
		headerLine, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("upload: read response headers: %w", joinNetworkErr(err))
		}
		if headerLine == "\r\n" || headerLine == "\n" {
			break
		}
	}
	return statusCode, nil
}

// channelReader adapts netio.Channel's context-scoped Recv to io.Reader
// for bufio.Reader, reusing a fixed ctx across reads (the session's
// overall recv deadline, not a per-call one).
type channelReader struct {
	ctx     context.Context
	channel *netio.Channel
}

func (c channelReader) Read(p []byte) (int, error) {
	return c.channel.Recv(c.ctx, p)
}

// httpHeaderCase title-cases a lower-case header name for the request
// line, since the KVS data-plane is a plain HTTP/1.1 server even though
// header names are case-insensitive on the wire.
func httpHeaderCase(lower string) string {
	out := []byte(lower)
	upperNext := true
	for i, c := range out {
		if upperNext && c >= 'a' && c <= 'z' {
			out[i] = c - 32
			upperNext = false
		}
		if c == '-' {
			upperNext = true
		}
	}
	return string(out)
}
