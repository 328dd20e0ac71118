package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all credentials and configuration for the KVS producer.
type Config struct {
	AWS   AWSConfig
	IoT   IoTConfig
	KVS   KVSConfig
	Ring  RingBufferConfig
}

// AWSConfig holds static AWS credentials. Leave both fields empty when
// IoT-based credential refresh (IoTConfig) is in use instead.
type AWSConfig struct {
	AccessKeyID     string
	SecretAccessKey string
}

// IoTConfig holds the AWS IoT Core credential-provider endpoint and the
// X.509 identity used to authenticate to it, mirroring the
// IOT_CREDENTIAL_HOST/IOT_ROLE_ALIAS/IOT_THING_NAME/IOT_X509_* setoption
// keys.
type IoTConfig struct {
	CredentialHost string
	RoleAlias      string
	ThingName      string
	RootCAPath     string
	CertPath       string
	KeyPath        string
}

// HasCredentials reports whether enough fields are set to attempt an IoT
// credential-provider refresh.
func (c IoTConfig) HasCredentials() bool {
	return c.CredentialHost != "" && c.RoleAlias != "" && c.ThingName != "" &&
		c.CertPath != "" && c.KeyPath != ""
}

// TrackInfo describes one enabled media track, parsed from the
// KVS_VIDEO_TRACK_INFO / KVS_AUDIO_TRACK_INFO setoption values (a
// comma-separated "key:value" list, e.g. "codec:h264,width:1920,height:1080").
type TrackInfo struct {
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// KVSConfig names the stream and region this producer uploads to.
type KVSConfig struct {
	Host       string
	Region     string
	Service    string
	StreamName string

	VideoTrack   TrackInfo
	AudioTrack   TrackInfo
	HasAudio     bool
}

// DropPolicyKind mirrors spec.md's STREAM_POLICY enumerated setoption
// values.
type DropPolicyKind string

const (
	DropPolicyNone        DropPolicyKind = "None"
	DropPolicyRingBuffer  DropPolicyKind = "RingBuffer"
)

// RingBufferConfig configures the frame ring buffer the stream session
// reads from when STREAM_POLICY is RingBuffer.
type RingBufferConfig struct {
	Policy       DropPolicyKind
	MemLimitByte uint64
}

// Load reads configuration from a .env-style file, one KEY=value pair per
// line, URL-decoding values the way the teacher's loader does.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// URL decode values that might be encoded
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			// If decode fails, use original value
			decodedValue = value
		}

		if err := cfg.setField(key, decodedValue); err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) setField(key, value string) error {
	switch key {
	case "AWS_ACCESS_KEY_ID":
		c.AWS.AccessKeyID = value
	case "AWS_SECRET_ACCESS_KEY":
		c.AWS.SecretAccessKey = value
	case "IOT_CREDENTIAL_HOST":
		c.IoT.CredentialHost = value
	case "IOT_ROLE_ALIAS":
		c.IoT.RoleAlias = value
	case "IOT_THING_NAME":
		c.IoT.ThingName = value
	case "IOT_X509_ROOTCA":
		c.IoT.RootCAPath = value
	case "IOT_X509_CERT":
		c.IoT.CertPath = value
	case "IOT_X509_KEY":
		c.IoT.KeyPath = value
	case "KVS_HOST":
		c.KVS.Host = value
	case "KVS_REGION":
		c.KVS.Region = value
	case "KVS_SERVICE":
		c.KVS.Service = value
	case "KVS_STREAM_NAME":
		c.KVS.StreamName = value
	case "KVS_VIDEO_TRACK_INFO":
		info, err := parseTrackInfo(value)
		if err != nil {
			return err
		}
		c.KVS.VideoTrack = info
	case "KVS_AUDIO_TRACK_INFO":
		info, err := parseTrackInfo(value)
		if err != nil {
			return err
		}
		c.KVS.AudioTrack = info
		c.KVS.HasAudio = true
	case "STREAM_POLICY":
		c.Ring.Policy = DropPolicyKind(value)
	case "STREAM_POLICY_RING_BUFFER_MEM_LIMIT":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse STREAM_POLICY_RING_BUFFER_MEM_LIMIT: %w", err)
		}
		c.Ring.MemLimitByte = n
	}
	return nil
}

// parseTrackInfo parses a comma-separated "key:value" list such as
// "codec:h264,width:1920,height:1080" or "codec:aac,samplerate:48000,channels:2".
func parseTrackInfo(value string) (TrackInfo, error) {
	var info TrackInfo
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return TrackInfo{}, fmt.Errorf("malformed track info field %q", pair)
		}
		k, v := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch k {
		case "codec":
			info.Codec = v
		case "width":
			n, err := strconv.Atoi(v)
			if err != nil {
				return TrackInfo{}, fmt.Errorf("parse width: %w", err)
			}
			info.Width = n
		case "height":
			n, err := strconv.Atoi(v)
			if err != nil {
				return TrackInfo{}, fmt.Errorf("parse height: %w", err)
			}
			info.Height = n
		case "samplerate":
			n, err := strconv.Atoi(v)
			if err != nil {
				return TrackInfo{}, fmt.Errorf("parse samplerate: %w", err)
			}
			info.SampleRate = n
		case "channels":
			n, err := strconv.Atoi(v)
			if err != nil {
				return TrackInfo{}, fmt.Errorf("parse channels: %w", err)
			}
			info.Channels = n
		}
	}
	return info, nil
}

// Validate checks that all required configuration fields are present:
// either static AWS credentials or a complete IoT credential-provider
// configuration, plus the stream identity fields.
func (c *Config) Validate() error {
	var missing []string

	haveStatic := c.AWS.AccessKeyID != "" && c.AWS.SecretAccessKey != ""
	if !haveStatic && !c.IoT.HasCredentials() {
		missing = append(missing, "AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or IOT_CREDENTIAL_HOST/IOT_ROLE_ALIAS/IOT_THING_NAME/IOT_X509_CERT/IOT_X509_KEY")
	}
	if c.KVS.Region == "" {
		missing = append(missing, "KVS_REGION")
	}
	if c.KVS.StreamName == "" {
		missing = append(missing, "KVS_STREAM_NAME")
	}
	if c.KVS.VideoTrack.Codec == "" {
		missing = append(missing, "KVS_VIDEO_TRACK_INFO")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
