// Package upload drives the KVS PUT_MEDIA session: describe-or-create the
// stream, resolve its data endpoint, SigV4-sign every call (including the
// chunked streaming upload itself), and consume fragment-ACK events off the
// response.
package upload

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// Credentials is the AWS identity used to sign every KVS call: either
// static (AccessKeyID/SecretAccessKey set at config time) or a short-lived
// triple refreshed through pkg/iotcreds, in which case SessionToken is
// carried along as the x-amz-security-token header.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

const (
	// isoDateFormat is SigV4's compact ISO-8601 signing timestamp.
	isoDateFormat = "20060102T150405Z"
	dateOnlyFormat = "20060102"

	streamingPayloadSentinel = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
)

// SigningDate formats t as SigV4's compact ISO-8601 timestamp
// (YYYYMMDD'T'HHMMSS'Z'), matching the 17-byte isoTime collaborator
// spec.md §6 hands the core.
func SigningDate(t time.Time) string {
	return t.UTC().Format(isoDateFormat)
}

// sha256Hex returns the lowercase hex SHA-256 digest of data, the
// hex(sha256(body)) term in SigV4's canonical request.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// SigningKey derives the SigV4 signing key for one calendar day, per
// AWS's documented derivation: HMAC chain of ("AWS4"+secret) -> date ->
// region -> service -> "aws4_request".
func SigningKey(secretAccessKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// CanonicalRequest is the parsed shape of a request about to be signed.
type CanonicalRequest struct {
	Method      string
	Path        string
	Query       url.Values
	Headers     map[string]string // lower-cased header name -> trimmed value
	PayloadHash string            // hex(sha256(body)), or the streaming sentinel
}

// canonicalHeaderNames returns the request's header names, lower-cased and
// sorted, which also forms the SignedHeaders list.
func (r CanonicalRequest) canonicalHeaderNames() []string {
	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)
	return names
}

func (r CanonicalRequest) canonicalHeaders(names []string) string {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(r.Headers[name]))
		b.WriteByte('\n')
	}
	return b.String()
}

func (r CanonicalRequest) canonicalQuery() string {
	keys := make([]string, 0, len(r.Query))
	for k := range r.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		for _, v := range r.Query[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// canonicalString builds the six-part canonical request SigV4 signs:
// method\npath\ncanonicalQuery\ncanonicalHeaders\nsignedHeaders\npayloadHash.
func (r CanonicalRequest) canonicalString() (string, []string) {
	names := r.canonicalHeaderNames()
	signedHeaders := strings.Join(names, ";")
	canonical := strings.Join([]string{
		r.Method,
		r.Path,
		r.canonicalQuery(),
		r.canonicalHeaders(names),
		signedHeaders,
		r.PayloadHash,
	}, "\n")
	return canonical, names
}

// Signature holds everything a caller needs to attach SigV4 auth to an
// HTTP request: the Authorization header value and the derived signing
// key (reused by the streaming session to sign subsequent chunks).
type Signature struct {
	AuthorizationHeader string
	SigningKey          []byte
	StringToSign        string
	Signature           string
}

// Sign computes the SigV4 signature for req, scoped to region/service at
// signingTime, using creds. The returned Signature.SigningKey is the
// per-day derived key a chunked upload reuses to sign each subsequent
// chunk-signature without re-deriving it from the secret key every time.
func Sign(req CanonicalRequest, creds Credentials, region, service string, signingTime time.Time) (Signature, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Signature{}, fmt.Errorf("upload: sigv4 requires access key and secret: %w", kvserrors.ErrAuth)
	}

	dateStamp := signingTime.UTC().Format(dateOnlyFormat)
	amzDate := SigningDate(signingTime)
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)

	canonical, names := req.canonicalString()
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		sha256Hex([]byte(canonical)),
	}, "\n")

	key := SigningKey(creds.SecretAccessKey, dateStamp, region, service)
	sig := hex.EncodeToString(hmacSHA256(key, stringToSign))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, scope, strings.Join(names, ";"), sig,
	)

	return Signature{
		AuthorizationHeader: authHeader,
		SigningKey:          key,
		StringToSign:        stringToSign,
		Signature:           sig,
	}, nil
}

// ChunkSigner incrementally signs each chunk of a streaming
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD upload: every chunk's signature
// depends on the previous chunk's signature, chaining back to the seed
// signature produced by signing the initial PUT_MEDIA request headers.
type ChunkSigner struct {
	signingKey     []byte
	scope          string
	amzDate        string
	previousSig    string
}

// NewChunkSigner starts a chunk-signing chain from the seed request
// signature (the PUT_MEDIA request's own Authorization signature).
func NewChunkSigner(signingKey []byte, region, service string, signingTime time.Time, seedSignature string) *ChunkSigner {
	dateStamp := signingTime.UTC().Format(dateOnlyFormat)
	return &ChunkSigner{
		signingKey:  signingKey,
		scope:       fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service),
		amzDate:     SigningDate(signingTime),
		previousSig: seedSignature,
	}
}

// SignChunk signs one chunk's payload and returns the hex chunk signature,
// which the caller prefixes onto the chunk as
// "<hexLength>;chunk-signature=<sig>\r\n<payload>\r\n". An empty final
// chunk (len(payload)==0) signs the stream's closing zero-length chunk.
func (c *ChunkSigner) SignChunk(payload []byte) string {
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		c.amzDate,
		c.scope,
		c.previousSig,
		emptyStringHash,
		sha256Hex(payload),
	}, "\n")
	sig := hex.EncodeToString(hmacSHA256(c.signingKey, stringToSign))
	c.previousSig = sig
	return sig
}

// emptyStringHash is hex(sha256("")), the hash of an empty prior-chunk
// placeholder AWS's streaming signature spec uses in place of the
// previous chunk's body hash (chunks chain on signature, not body hash).
const emptyStringHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// StreamingContentSHA256 is the x-amz-content-sha256 header value a
// chunked PUT_MEDIA request must carry instead of a real body hash.
const StreamingContentSHA256 = streamingPayloadSentinel
