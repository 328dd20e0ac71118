// Package iotcreds refreshes temporary AWS credentials through an AWS IoT
// Core role alias, the mechanism embedded devices use instead of holding
// long-lived secret keys: a mutual-TLS GET against the IoT credentials
// endpoint, authenticated by the device's X.509 certificate.
package iotcreds

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// DefaultRefreshRateLimit caps how often a single Provider will dial the
// credential endpoint, well under IoT Core's role-alias request quota.
const DefaultRefreshRateLimit = rate.Limit(1.0 / 30.0) // one refresh per 30s

// Request names the IoT role alias endpoint and the client identity used
// to authenticate against it. The mutual-TLS client certificate/root CA
// pair is configured once on the Provider (see NewProvider), not per
// request, since a Provider always talks to the same thing/role alias.
type Request struct {
	CredentialHost string // e.g. "c1a2b3c4d5e6f7.credentials.iot.us-west-2.amazonaws.com"
	RoleAlias      string
	ThingName      string
}

// Token is the temporary credential set returned by the role alias
// endpoint, mirroring the "credentials" object in the JSON response.
type Token struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expiration      string `json:"expiration"`
}

type credentialResponse struct {
	Credentials Token `json:"credentials"`
}

// Provider fetches and refreshes credentials from one IoT role alias
// endpoint over a reusable mutual-TLS HTTP client.
type Provider struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// NewProvider builds a Provider whose transport presents tlsConfig's client
// certificate/root CA pair on every connection. Refresh calls are throttled
// to limit, with a burst of 1 (no point bursting a credential GET the
// caller should be making on a schedule).
func NewProvider(tlsConfig *tls.Config, logger *slog.Logger, limit rate.Limit) *Provider {
	if limit <= 0 {
		limit = DefaultRefreshRateLimit
	}
	return &Provider{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// GetCredential performs the role-alias GET and parses its response.
func (p *Provider) GetCredential(ctx context.Context, req Request) (*Token, error) {
	if req.CredentialHost == "" || req.RoleAlias == "" || req.ThingName == "" {
		return nil, fmt.Errorf("iotcreds: missing credential host, role alias, or thing name: %w", kvserrors.ErrInvalidArgument)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("iotcreds: rate limit wait: %w", err)
	}

	url := fmt.Sprintf("https://%s/role-aliases/%s/credentials", req.CredentialHost, req.RoleAlias)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("iotcreds: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("x-amzn-iot-thingname", req.ThingName)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("iotcreds: request to %s: %w", req.CredentialHost, joinNetworkErr(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("iotcreds: read response body: %w", joinNetworkErr(err))
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("iot credential refresh failed",
			"status", resp.StatusCode,
			"body", string(body))
		return nil, &kvserrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed credentialResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("iotcreds: parse credential response: %w", kvserrors.ErrAuth)
	}
	if parsed.Credentials.AccessKeyID == "" || parsed.Credentials.SecretAccessKey == "" || parsed.Credentials.SessionToken == "" {
		return nil, fmt.Errorf("iotcreds: credential response missing required fields: %w", kvserrors.ErrAuth)
	}

	return &parsed.Credentials, nil
}

// GetCredentialWithRetry retries GetCredential with exponential backoff,
// for transient network/5xx failures.
func (p *Provider) GetCredentialWithRetry(ctx context.Context, req Request, maxRetries int) (*Token, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	maxBackoff := 10 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		token, err := p.GetCredential(ctx, req)
		if err == nil {
			return token, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if attempt < maxRetries-1 {
			delay := backoff
			if delay > maxBackoff {
				delay = maxBackoff
			}
			backoff *= 2

			p.logger.Warn("retrying iot credential refresh",
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"delay_ms", delay.Milliseconds(),
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("iotcreds: max retries exceeded: %w", lastErr)
}

func joinNetworkErr(err error) error {
	return fmt.Errorf("%v: %w", err, kvserrors.ErrNetwork)
}
