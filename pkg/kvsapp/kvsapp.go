// Package kvsapp is the producer's high-level facade: one call sequence
// (Create, SetOption*, Open, loop{DoWork, AddFrame, ReadFragmentAck},
// Close, Terminate) wiring the ring buffer, MKV generator, stream
// assembler, and PUT_MEDIA upload session into a single client-facing
// type, mirroring the KvsApp object the embedded-C samples drive.
package kvsapp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gtfodev/kvs-video-producer/pkg/iotcreds"
	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
	"github.com/gtfodev/kvs-video-producer/pkg/ringbuffer"
	"github.com/gtfodev/kvs-video-producer/pkg/stream"
	"github.com/gtfodev/kvs-video-producer/pkg/upload"
)

// OptionKey enumerates the setoption keys spec.md §6 defines for the
// facade.
type OptionKey string

const (
	OptAWSAccessKeyID      OptionKey = "AWS_ACCESS_KEY_ID"
	OptAWSSecretAccessKey  OptionKey = "AWS_SECRET_ACCESS_KEY"
	OptIoTCredentialHost   OptionKey = "IOT_CREDENTIAL_HOST"
	OptIoTRoleAlias        OptionKey = "IOT_ROLE_ALIAS"
	OptIoTThingName        OptionKey = "IOT_THING_NAME"
	OptIoTX509RootCA       OptionKey = "IOT_X509_ROOTCA"
	OptIoTX509Cert         OptionKey = "IOT_X509_CERT"
	OptIoTX509Key          OptionKey = "IOT_X509_KEY"
	OptVideoTrackInfo      OptionKey = "KVS_VIDEO_TRACK_INFO"
	OptAudioTrackInfo      OptionKey = "KVS_AUDIO_TRACK_INFO"
	OptStreamPolicy        OptionKey = "STREAM_POLICY"
	OptStreamPolicyRingMem OptionKey = "STREAM_POLICY_RING_BUFFER_MEM_LIMIT"
)

// StreamPolicy selects whether AddFrame buffers through a ring buffer
// before handing frames to the stream assembler.
type StreamPolicy string

const (
	PolicyNone       StreamPolicy = "None"
	PolicyRingBuffer StreamPolicy = "RingBuffer"
)

// defaultRingCapacity bounds the ring buffer's slot count; actual byte
// occupancy is governed by STREAM_POLICY_RING_BUFFER_MEM_LIMIT via
// DropOldest, the slot count itself only needs to be comfortably larger
// than any realistic burst of frames in flight between two key frames.
const defaultRingCapacity = 512

// KvsApp is the producer facade: one instance per KVS stream.
type KvsApp struct {
	mu sync.Mutex

	host, region, service, streamName string

	awsAccessKeyID     string
	awsSecretAccessKey string

	iotCredentialHost string
	iotRoleAlias      string
	iotThingName      string
	iotRootCAPath     string
	iotCertPath       string
	iotKeyPath        string

	videoTrack *mkv.VideoTrackInfo
	audioTrack *mkv.AudioTrackInfo

	streamPolicy StreamPolicy
	ringMemLimit uint64

	logger *slog.Logger

	generator   *mkv.Generator
	str         *stream.Stream
	ring        *ringbuffer.FrameRingBuffer
	restClient  *upload.RestClient
	iotProvider *iotcreds.Provider
	session     *upload.Session

	opened      bool
	terminated  bool
}

// Create builds a KvsApp targeting one KVS stream. host is the regional
// control-plane endpoint (e.g. "kinesisvideo.us-west-2.amazonaws.com").
func Create(host, region, service, streamName string) *KvsApp {
	return &KvsApp{
		host:         host,
		region:       region,
		service:      service,
		streamName:   streamName,
		streamPolicy: PolicyNone,
		logger:       slog.Default(),
	}
}

// SetLogger overrides the default slog logger used for every subsystem
// this facade constructs.
func (k *KvsApp) SetLogger(logger *slog.Logger) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger = logger
}

// SetVideoTrack configures the video track directly, for callers that
// already hold a structured mkv.VideoTrackInfo (e.g. codec-private data
// extracted at runtime from an SPS/PPS pair) rather than a setoption
// string.
func (k *KvsApp) SetVideoTrack(info mkv.VideoTrackInfo) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.videoTrack = &info
}

// SetAudioTrack is the audio analogue of SetVideoTrack.
func (k *KvsApp) SetAudioTrack(info mkv.AudioTrackInfo) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.audioTrack = &info
}

// SetOption sets one configuration key by its spec-enumerated string
// name and value, the facade's cross-language-compatible configuration
// surface.
func (k *KvsApp) SetOption(key OptionKey, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch key {
	case OptAWSAccessKeyID:
		k.awsAccessKeyID = value
	case OptAWSSecretAccessKey:
		k.awsSecretAccessKey = value
	case OptIoTCredentialHost:
		k.iotCredentialHost = value
	case OptIoTRoleAlias:
		k.iotRoleAlias = value
	case OptIoTThingName:
		k.iotThingName = value
	case OptIoTX509RootCA:
		k.iotRootCAPath = value
	case OptIoTX509Cert:
		k.iotCertPath = value
	case OptIoTX509Key:
		k.iotKeyPath = value
	case OptVideoTrackInfo:
		info, err := parseVideoTrackInfo(value)
		if err != nil {
			return err
		}
		k.videoTrack = info
	case OptAudioTrackInfo:
		info, err := parseAudioTrackInfo(value)
		if err != nil {
			return err
		}
		k.audioTrack = info
	case OptStreamPolicy:
		k.streamPolicy = StreamPolicy(value)
	case OptStreamPolicyRingMem:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("kvsapp: parse %s: %w", key, kvserrors.ErrInvalidArgument)
		}
		k.ringMemLimit = n
	default:
		return fmt.Errorf("kvsapp: unknown option %q: %w", key, kvserrors.ErrInvalidArgument)
	}
	return nil
}

// parseVideoTrackInfo parses "codec:h264,width:1920,height:1080,cpd:<hex>".
func parseVideoTrackInfo(value string) (*mkv.VideoTrackInfo, error) {
	fields := splitFields(value)
	info := &mkv.VideoTrackInfo{Name: "video"}
	for k, v := range fields {
		switch k {
		case "codec":
			info.CodecID = codecIDFor(v)
		case "width":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse video width: %w", kvserrors.ErrInvalidArgument)
			}
			info.Width = uint16(n)
		case "height":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse video height: %w", kvserrors.ErrInvalidArgument)
			}
			info.Height = uint16(n)
		case "cpd":
			cpd, err := hex.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse video codec private data: %w", kvserrors.ErrInvalidArgument)
			}
			info.CodecPrivate = cpd
		}
	}
	if info.CodecID == "" || len(info.CodecPrivate) == 0 {
		return nil, fmt.Errorf("kvsapp: video track info missing codec or cpd: %w", kvserrors.ErrInvalidArgument)
	}
	return info, nil
}

// parseAudioTrackInfo parses "codec:aac,samplerate:48000,channels:2,cpd:<hex>".
func parseAudioTrackInfo(value string) (*mkv.AudioTrackInfo, error) {
	fields := splitFields(value)
	info := &mkv.AudioTrackInfo{Name: "audio"}
	for k, v := range fields {
		switch k {
		case "codec":
			info.CodecID = codecIDFor(v)
		case "samplerate":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse audio samplerate: %w", kvserrors.ErrInvalidArgument)
			}
			info.SamplingRate = uint32(n)
		case "channels":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse audio channels: %w", kvserrors.ErrInvalidArgument)
			}
			info.ChannelCount = uint8(n)
		case "cpd":
			cpd, err := hex.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("kvsapp: parse audio codec private data: %w", kvserrors.ErrInvalidArgument)
			}
			info.CodecPrivate = cpd
		}
	}
	if info.CodecID == "" || len(info.CodecPrivate) == 0 {
		return nil, fmt.Errorf("kvsapp: audio track info missing codec or cpd: %w", kvserrors.ErrInvalidArgument)
	}
	return info, nil
}

func codecIDFor(codec string) string {
	switch strings.ToLower(codec) {
	case "h264", "avc", "avc1":
		return "V_MPEG4/ISO/AVC"
	case "aac":
		return "A_AAC"
	case "pcm":
		return "A_MS/ACM"
	default:
		return codec
	}
}

func splitFields(value string) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		fields[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return fields
}

// Open builds the MKV generator, stream assembler, optional ring buffer,
// and upload session from the options set so far, and starts the
// session's state machine (Idle -> Describing).
func (k *KvsApp) Open(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.terminated {
		return fmt.Errorf("kvsapp: terminated: %w", kvserrors.ErrInvalidArgument)
	}
	if k.videoTrack == nil {
		return fmt.Errorf("kvsapp: video track not configured: %w", kvserrors.ErrInvalidArgument)
	}

	gen, err := mkv.NewGenerator(k.videoTrack, k.audioTrack)
	if err != nil {
		return err
	}
	k.generator = gen

	str, err := stream.Create(gen)
	if err != nil {
		return err
	}
	k.str = str

	if k.streamPolicy == PolicyRingBuffer {
		ring, err := ringbuffer.New(defaultRingCapacity)
		if err != nil {
			return err
		}
		ring.SetDropPolicy(ringbuffer.DropPolicy{
			Type:           ringbuffer.DropOldest,
			MaxMemoryBytes: k.ringMemLimit,
		})
		k.ring = ring
	}

	k.restClient = upload.NewRestClient(k.host, k.region, k.logger)

	var credProvider upload.CredentialProvider
	if k.awsAccessKeyID != "" && k.awsSecretAccessKey != "" {
		creds := upload.Credentials{AccessKeyID: k.awsAccessKeyID, SecretAccessKey: k.awsSecretAccessKey}
		credProvider = func(context.Context) (upload.Credentials, error) { return creds, nil }
	} else {
		tlsConfig, err := k.buildIoTTLSConfig()
		if err != nil {
			return err
		}
		k.iotProvider = iotcreds.NewProvider(tlsConfig, k.logger, iotcreds.DefaultRefreshRateLimit)
		req := iotcreds.Request{
			CredentialHost: k.iotCredentialHost,
			RoleAlias:      k.iotRoleAlias,
			ThingName:      k.iotThingName,
		}
		credProvider = func(ctx context.Context) (upload.Credentials, error) {
			token, err := k.iotProvider.GetCredentialWithRetry(ctx, req, 3)
			if err != nil {
				return upload.Credentials{}, err
			}
			return upload.Credentials{
				AccessKeyID:     token.AccessKeyID,
				SecretAccessKey: token.SecretAccessKey,
				SessionToken:    token.SessionToken,
			}, nil
		}
	}

	k.session = upload.NewSession(upload.Config{
		StreamName: k.streamName,
		Region:     k.region,
	}, k.restClient, credProvider, k.str, k.logger)

	k.opened = true
	return k.session.Open(ctx)
}

// buildIoTTLSConfig loads the X.509 client certificate and root CA bundle
// for the IoT credential provider's mutual-TLS transport.
func (k *KvsApp) buildIoTTLSConfig() (*tls.Config, error) {
	if k.iotCredentialHost == "" || k.iotRoleAlias == "" || k.iotThingName == "" ||
		k.iotCertPath == "" || k.iotKeyPath == "" {
		return nil, fmt.Errorf("kvsapp: no AWS static credentials and incomplete IoT credential configuration: %w", kvserrors.ErrInvalidArgument)
	}
	cert, err := tls.LoadX509KeyPair(k.iotCertPath, k.iotKeyPath)
	if err != nil {
		return nil, fmt.Errorf("kvsapp: load IoT client certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if k.iotRootCAPath != "" {
		pem, err := os.ReadFile(k.iotRootCAPath)
		if err != nil {
			return nil, fmt.Errorf("kvsapp: read IoT root CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kvsapp: no certificates found in IoT root CA bundle: %w", kvserrors.ErrInvalidArgument)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// DoWork advances the upload session's state machine by one step. It
// returns an error when the session needs the caller to stop (a
// permanent failure) rather than keep looping, matching the "returns
// nonzero to restart" contract of the original facade, adapted to Go's
// error-return idiom: callers loop `for { if err := DoWork(ctx); err !=
// nil && errors.Is(err, upload.ErrPermanent) { break } }`.
func (k *KvsApp) DoWork(ctx context.Context) error {
	k.mu.Lock()
	session := k.session
	k.mu.Unlock()

	if session == nil {
		return fmt.Errorf("kvsapp: DoWork called before Open: %w", kvserrors.ErrInvalidArgument)
	}
	return session.DoWork(ctx)
}

// AddFrame hands one encoded media frame to the stream assembler (or, if
// STREAM_POLICY is RingBuffer, through the ring buffer first). It returns
// immediately on error without taking ownership of data, mirroring the
// original facade's non-blocking addFrame contract.
func (k *KvsApp) AddFrame(data []byte, tsMs uint64, track mkv.TrackType, keyFrame bool) error {
	_, err := k.AddFrameWithCallbacks(data, tsMs, track, keyFrame, nil, nil)
	return err
}

// AddFrameWithCallbacks is AddFrame plus onToBeSent (invoked once,
// immediately, letting the caller transform or copy the frame before it
// is queued) and onTerminate (invoked exactly once when the frame leaves
// the stream, popped or flushed).
func (k *KvsApp) AddFrameWithCallbacks(
	data []byte, tsMs uint64, track mkv.TrackType, keyFrame bool,
	onToBeSent func([]byte) []byte, onTerminate func(),
) (stream.FrameHandle, error) {
	k.mu.Lock()
	str := k.str
	ring := k.ring
	k.mu.Unlock()

	if str == nil {
		return stream.FrameHandle{}, fmt.Errorf("kvsapp: AddFrame called before Open: %w", kvserrors.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return stream.FrameHandle{}, fmt.Errorf("kvsapp: empty frame: %w", kvserrors.ErrInvalidArgument)
	}

	if onToBeSent != nil {
		data = onToBeSent(data)
	}

	clusterType := stream.SimpleBlockOnly
	if track == mkv.Video && keyFrame {
		clusterType = stream.NewCluster
	}

	destructor := func([]byte) {
		if onTerminate != nil {
			onTerminate()
		}
	}

	if ring != nil {
		// The ring buffer is a bounded-memory admission gate ahead of the
		// stream assembler: Enqueue applies the configured drop policy
		// against total resident bytes, then Dequeue hands the (possibly
		// still-admitted) frame straight to the stream, which becomes its
		// sole owner for destructor purposes from here on.
		if _, err := ring.Enqueue(data, nil); err != nil {
			return stream.FrameHandle{}, err
		}
		buffered, err := ring.Dequeue()
		if err != nil {
			return stream.FrameHandle{}, err
		}
		data = buffered
	}

	return str.AddDataFrame(stream.FrameIn{
		Data:        data,
		TimestampMs: tsMs,
		Track:       track,
		KeyFrame:    keyFrame,
		ClusterType: clusterType,
		Destructor:  destructor,
	})
}

// ReadFragmentAck returns the next buffered fragment-ack event without
// blocking, or ok=false if none is pending.
func (k *KvsApp) ReadFragmentAck() (upload.FragmentAck, bool) {
	k.mu.Lock()
	session := k.session
	k.mu.Unlock()
	if session == nil {
		return upload.FragmentAck{}, false
	}
	return session.ReadFragmentAck()
}

// Close tears down the current upload session's network connection but
// leaves the facade reusable for a subsequent Open.
func (k *KvsApp) Close(ctx context.Context) error {
	k.mu.Lock()
	session := k.session
	str := k.str
	k.mu.Unlock()

	if session != nil {
		if err := session.Close(ctx); err != nil {
			return err
		}
	}
	if str != nil {
		str.Terminate()
	}
	return nil
}

// Terminate permanently shuts down the facade: closes the session and
// marks the instance unusable for any further Open.
func (k *KvsApp) Terminate(ctx context.Context) {
	_ = k.Close(ctx)
	k.mu.Lock()
	k.terminated = true
	k.mu.Unlock()
}
