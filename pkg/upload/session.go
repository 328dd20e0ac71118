package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
	"github.com/gtfodev/kvs-video-producer/pkg/netio"
	"github.com/gtfodev/kvs-video-producer/pkg/stream"
)

// State is one node of the UploadSession finite state machine spec.md
// §3/§4.D describes: Idle -> Describing -> Creating? -> ResolvingEndpoint
// -> Connecting -> Uploading -> (Draining | Error) -> Idle.
type State int

const (
	StateIdle State = iota
	StateDescribing
	StateCreating
	StateResolvingEndpoint
	StateConnecting
	StateUploading
	StateDraining
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDescribing:
		return "Describing"
	case StateCreating:
		return "Creating"
	case StateResolvingEndpoint:
		return "ResolvingEndpoint"
	case StateConnecting:
		return "Connecting"
	case StateUploading:
		return "Uploading"
	case StateDraining:
		return "Draining"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrPermanent wraps a failure the facade must surface rather than retry:
// Auth failures and non-retryable HTTP 4xx statuses, per spec.md §7's
// propagation policy.
var ErrPermanent = errors.New("upload: permanent session failure")

// CredentialProvider refreshes AWS credentials before a (re)open, e.g.
// pkg/iotcreds.Provider.GetCredential wrapped into this shape. Returning
// static creds unconditionally is also valid for the AWS_ACCESS_KEY_ID /
// AWS_SECRET_ACCESS_KEY configuration path.
type CredentialProvider func(ctx context.Context) (Credentials, error)

// Config names the stream, region, and control-plane host a Session talks
// to, plus the transport timeouts spec.md §5 requires be configurable.
type Config struct {
	StreamName          string
	Region              string
	ControlPlaneHost    string
	DataRetentionHours  int
	FragmentAckRequired bool

	RecvTimeout time.Duration
	SendTimeout time.Duration

	// IdleSleep is how long Uploading waits when the stream is empty
	// before checking again (spec.md default: 50ms).
	IdleSleep time.Duration
	// ErrorBackoff is how long Error waits before returning to Idle
	// (spec.md default: 100ms).
	ErrorBackoff time.Duration
}

func (c Config) idleSleep() time.Duration {
	return c.IdleSleep
}

func (c *Config) applyDefaults() {
	if c.RecvTimeout == 0 {
		c.RecvTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = 50 * time.Millisecond
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 100 * time.Millisecond
	}
	if c.DataRetentionHours == 0 {
		c.DataRetentionHours = 2
	}
}

// Session drives one KVS PUT_MEDIA upload through its full lifecycle.
// DoWork advances the state machine by one step per call; a caller loops
// open/DoWork/close indefinitely, exactly as spec.md §7's "user-visible
// behavior" describes.
type Session struct {
	mu sync.Mutex

	cfg    Config
	rest   *RestClient
	creds  CredentialProvider
	stream *stream.Stream
	logger *slog.Logger

	state        State
	lastCreds    Credentials
	dataEndpoint string
	channel      *netio.Channel
	putMedia     *chunkedSession

	haveSentHeader  bool
	haveFlushed     bool
	ackCh           chan FragmentAck
	ackDone         chan struct{}
	lastErr         error
	errorIsPermanent bool

	terminated bool
}

// NewSession builds a Session for one stream. rest performs the
// DescribeStream/CreateStream/GetDataEndpoint calls; creds supplies (and
// refreshes) AWS credentials before each (re)open; str is the per-session
// frame Stream (pkg/stream) the worker drains.
func NewSession(cfg Config, rest *RestClient, creds CredentialProvider, str *stream.Stream, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:    cfg,
		rest:   rest,
		creds:  creds,
		stream: str,
		logger: logger,
		state:  StateIdle,
	}
}

// Open transitions an Idle session into Describing. Calling Open on a
// non-Idle session is a no-op, matching the facade's open/doWork/close
// loop tolerating a redundant Open after a reconnect.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return fmt.Errorf("upload: session terminated: %w", kvserrors.ErrInvalidArgument)
	}
	if s.state == StateIdle {
		s.state = StateDescribing
		s.lastErr = nil
		s.errorIsPermanent = false
	}
	return nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DoWork advances the state machine by one step. It returns nil to signal
// the caller should keep looping, and a non-nil error when the session
// hit ErrPermanent (the facade should stop) or otherwise needs the caller
// to notice and keep calling DoWork through the Error->Idle->Describing
// recovery path.
func (s *Session) DoWork(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return fmt.Errorf("upload: session terminated: %w", kvserrors.ErrInvalidArgument)
	}

	switch s.state {
	case StateIdle:
		return nil

	case StateDescribing:
		return s.stepDescribing(ctx)
	case StateCreating:
		return s.stepCreating(ctx)
	case StateResolvingEndpoint:
		return s.stepResolvingEndpoint(ctx)
	case StateConnecting:
		return s.stepConnecting(ctx)
	case StateUploading:
		return s.stepUploading(ctx)
	case StateDraining:
		return s.stepDraining(ctx)
	case StateError:
		return s.stepError(ctx)
	default:
		return fmt.Errorf("upload: unknown state %v", s.state)
	}
}

func (s *Session) ensureCredentialsLocked(ctx context.Context) (Credentials, error) {
	if s.creds == nil {
		return s.lastCreds, nil
	}
	creds, err := s.creds(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("upload: refresh credentials: %w", kvserrors.ErrAuth)
	}
	s.lastCreds = creds
	return creds, nil
}

func (s *Session) stepDescribing(ctx context.Context) error {
	creds, err := s.ensureCredentialsLocked(ctx)
	if err != nil {
		return s.failLocked(err, true)
	}
	res, err := s.rest.DescribeStream(ctx, creds, s.cfg.StreamName)
	if err != nil {
		return s.failLocked(err, isPermanentHTTPError(err))
	}
	if res.Exists {
		s.state = StateResolvingEndpoint
	} else {
		s.state = StateCreating
	}
	return nil
}

func (s *Session) stepCreating(ctx context.Context) error {
	creds, err := s.ensureCredentialsLocked(ctx)
	if err != nil {
		return s.failLocked(err, true)
	}
	if err := s.rest.CreateStream(ctx, creds, s.cfg.StreamName, s.cfg.DataRetentionHours); err != nil {
		return s.failLocked(err, isPermanentHTTPError(err))
	}
	s.state = StateResolvingEndpoint
	return nil
}

func (s *Session) stepResolvingEndpoint(ctx context.Context) error {
	creds, err := s.ensureCredentialsLocked(ctx)
	if err != nil {
		return s.failLocked(err, true)
	}
	host, err := s.rest.GetDataEndpoint(ctx, creds, s.cfg.StreamName)
	if err != nil {
		return s.failLocked(err, isPermanentHTTPError(err))
	}
	s.dataEndpoint = host
	s.state = StateConnecting
	return nil
}

func (s *Session) stepConnecting(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	channel, err := netio.Dial(dialCtx, s.dataEndpoint+":443", true, netio.Options{
		ServerName: s.dataEndpoint,
	})
	if err != nil {
		return s.failLocked(err, false)
	}

	putCtx, cancel2 := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel2()
	session, status, err := OpenPutMedia(putCtx, channel, PutMediaRequest{
		Host:                s.dataEndpoint,
		StreamName:          s.cfg.StreamName,
		FragmentAckRequired: s.cfg.FragmentAckRequired,
	}, s.lastCreds, s.cfg.Region)
	if err != nil {
		channel.Close()
		return s.failLocked(err, false)
	}
	if status != http.StatusOK {
		channel.Close()
		return s.failLocked(&kvserrors.HTTPStatusError{StatusCode: status}, isPermanentHTTPStatus(status))
	}

	s.channel = channel
	s.putMedia = session
	s.haveSentHeader = false
	s.haveFlushed = false

	s.ackCh = make(chan FragmentAck, 64)
	s.ackDone = make(chan struct{})
	ackReader := NewFragmentAckReader(session.ResponseReader())
	go s.pumpAcks(ackReader, s.ackCh, s.ackDone)

	s.state = StateUploading
	return nil
}

// pumpAcks runs on its own goroutine (the "ACK-consumer path" spec.md §5
// says needs no dedicated thread in the original's single-worker model;
// Go's natural idiom is a small feeder goroutine draining into a channel
// the worker polls non-blockingly) until the connection closes or the
// channel fills and the reader must apply backpressure.
func (s *Session) pumpAcks(reader *FragmentAckReader, out chan<- FragmentAck, done chan struct{}) {
	for {
		ack, err := reader.ReadFragmentAck()
		if err != nil {
			return
		}
		select {
		case out <- ack:
		case <-done:
			return
		}
	}
}

func (s *Session) stepUploading(ctx context.Context) error {
	if !s.haveSentHeader {
		if err := s.putMedia.WriteFragment(ctx, s.stream.GetMkvEbmlSegHdr()); err != nil {
			return s.failToDrainingLocked(err)
		}
		s.haveSentHeader = true
	}
	if !s.haveFlushed {
		s.stream.FlushToNextCluster()
		s.haveFlushed = true
	}

	s.drainAcksLocked()

	frame, ok := s.stream.Pop()
	if !ok {
		s.mu.Unlock()
		time.Sleep(s.cfg.idleSleep())
		s.mu.Lock()
		return nil
	}

	if err := s.putMedia.WriteFragment(ctx, frame.Prefix); err != nil {
		return s.failToDrainingLocked(err)
	}
	return nil
}

func (s *Session) drainAcksLocked() {
	for {
		select {
		case ack := <-s.ackCh:
			if ack.EventType == EventError {
				s.lastErr = fmt.Errorf("upload: fragment ack reported error id %d: %w", ack.ErrorID, kvserrors.ErrSessionFatal)
				s.errorIsPermanent = false
			}
		default:
			return
		}
	}
}

// ReadFragmentAck returns the next buffered fragment-ack event without
// blocking, or (FragmentAck{}, false) if none is pending.
func (s *Session) ReadFragmentAck() (FragmentAck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case ack := <-s.ackCh:
		return ack, true
	default:
		return FragmentAck{}, false
	}
}

func (s *Session) failToDrainingLocked(err error) error {
	s.lastErr = fmt.Errorf("%v: %w", err, kvserrors.ErrNetwork)
	s.state = StateDraining
	return nil
}

func (s *Session) stepDraining(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if s.putMedia != nil {
		_ = s.putMedia.Close(closeCtx)
	}
	if s.ackDone != nil {
		close(s.ackDone)
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
	s.channel = nil
	s.putMedia = nil
	s.ackCh = nil
	s.ackDone = nil
	s.state = StateIdle
	return nil
}

func (s *Session) stepError(ctx context.Context) error {
	s.mu.Unlock()
	time.Sleep(s.cfg.ErrorBackoff)
	s.mu.Lock()
	err := s.lastErr
	permanent := s.errorIsPermanent
	s.lastErr = nil
	s.errorIsPermanent = false
	s.state = StateIdle
	if permanent {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return nil
}

func (s *Session) failLocked(err error, permanent bool) error {
	s.logger.Warn("upload session failure", "state", s.state.String(), "error", err, "permanent", permanent)
	s.lastErr = err
	s.errorIsPermanent = permanent
	s.state = StateError
	return nil
}

// Close tears down any live connection and marks the session terminated.
// It does not block on draining remaining acks.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putMedia != nil {
		_ = s.putMedia.Close(ctx)
	}
	if s.ackDone != nil {
		select {
		case <-s.ackDone:
		default:
			close(s.ackDone)
		}
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
	s.terminated = true
	return nil
}

func isPermanentHTTPError(err error) bool {
	var httpErr *kvserrors.HTTPStatusError
	if !asHTTPStatusError(err, &httpErr) {
		return errors.Is(err, kvserrors.ErrAuth)
	}
	return isPermanentHTTPStatus(httpErr.StatusCode)
}

// isPermanentHTTPStatus reports whether a status code should surface to
// the facade (permanent) rather than retry with backoff (transient),
// per spec.md §7: 4xx other than "stream not found" (404, handled
// earlier as "must Create") is permanent; 5xx is transient.
func isPermanentHTTPStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusNotFound
}
