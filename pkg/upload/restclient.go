package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// DefaultControlPlaneRateLimit caps how often this client issues
// DescribeStream/CreateStream/GetDataEndpoint calls, mirroring the
// teacher's Cloudflare/Nest API request budget.
const DefaultControlPlaneRateLimit = rate.Limit(2.0)

// RestClient issues the three plain (non-streaming) KVS control-plane
// calls the Describing/Creating/ResolvingEndpoint states need, SigV4-
// signing each one.
type RestClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	host       string
	region     string
}

// NewRestClient builds a RestClient talking to host (the regional KVS
// control-plane endpoint, e.g. "kinesisvideo.us-west-2.amazonaws.com").
func NewRestClient(host, region string, logger *slog.Logger) *RestClient {
	return &RestClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		limiter:    rate.NewLimiter(DefaultControlPlaneRateLimit, 2),
		host:       host,
		region:     region,
	}
}

// DescribeStreamResult reports whether the stream exists and, if so, its
// ARN and status.
type DescribeStreamResult struct {
	Exists     bool
	StreamARN  string
	Status     string
}

// DescribeStream calls the DescribeStream control-plane action. A 404
// (stream not found) is reported as Exists=false with no error, since the
// Describing state treats that as "must Create" rather than a failure.
func (c *RestClient) DescribeStream(ctx context.Context, creds Credentials, streamName string) (DescribeStreamResult, error) {
	body := map[string]string{"StreamName": streamName}
	var resp struct {
		StreamInfo struct {
			StreamARN string `json:"StreamARN"`
			Status    string `json:"Status"`
		} `json:"StreamInfo"`
	}
	status, err := c.call(ctx, creds, "DescribeStream", body, &resp)
	if err != nil {
		var httpErr *kvserrors.HTTPStatusError
		if asHTTPStatusError(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return DescribeStreamResult{Exists: false}, nil
		}
		return DescribeStreamResult{}, err
	}
	_ = status
	return DescribeStreamResult{Exists: true, StreamARN: resp.StreamInfo.StreamARN, Status: resp.StreamInfo.Status}, nil
}

// CreateStream calls the CreateStream control-plane action.
func (c *RestClient) CreateStream(ctx context.Context, creds Credentials, streamName string, dataRetentionHours int) error {
	body := map[string]any{
		"StreamName":          streamName,
		"DataRetentionInHours": dataRetentionHours,
	}
	var resp struct {
		StreamARN string `json:"StreamARN"`
	}
	_, err := c.call(ctx, creds, "CreateStream", body, &resp)
	return err
}

// GetDataEndpoint calls the GetDataEndpoint control-plane action for the
// PUT_MEDIA API, returning the per-stream data-plane host to connect to.
func (c *RestClient) GetDataEndpoint(ctx context.Context, creds Credentials, streamName string) (string, error) {
	body := map[string]string{
		"StreamName":   streamName,
		"APIName":      "PUT_MEDIA",
	}
	var resp struct {
		DataEndpoint string `json:"DataEndpoint"`
	}
	_, err := c.call(ctx, creds, "GetDataEndpoint", body, &resp)
	if err != nil {
		return "", err
	}
	u, parseErr := url.Parse(resp.DataEndpoint)
	if parseErr != nil || u.Host == "" {
		return "", fmt.Errorf("upload: malformed data endpoint %q: %w", resp.DataEndpoint, kvserrors.ErrHTTPParse)
	}
	return u.Host, nil
}

// call issues one signed JSON POST against the "kinesisvideo" control
// plane target and decodes a 200 response body into out.
func (c *RestClient) call(ctx context.Context, creds Credentials, action string, body any, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("upload: control plane rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("upload: marshal %s request: %w", action, err)
	}

	now := time.Now()
	path := "/" + action
	reqURL := "https://" + c.host + path

	canon := CanonicalRequest{
		Method: http.MethodPost,
		Path:   path,
		Query:  url.Values{},
		Headers: map[string]string{
			"host":                 c.host,
			"content-type":         "application/x-amz-json-1.1",
			"x-amz-date":           SigningDate(now),
			"x-amz-target":         "KinesisVideo." + action,
			"x-amz-content-sha256": sha256Hex(payload),
		},
		PayloadHash: sha256Hex(payload),
	}
	if creds.SessionToken != "" {
		canon.Headers["x-amz-security-token"] = creds.SessionToken
	}

	sig, err := Sign(canon, creds, c.region, "kinesisvideo", now)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("upload: build %s request: %w", action, err)
	}
	for k, v := range canon.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Authorization", sig.AuthorizationHeader)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("upload: %s request: %w", action, joinNetworkErr(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("upload: read %s response: %w", action, joinNetworkErr(err))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("kvs control plane call failed",
			"action", action, "status", resp.StatusCode, "body", string(respBody))
		return resp.StatusCode, &kvserrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("upload: decode %s response: %w", action, kvserrors.ErrHTTPParse)
		}
	}
	return resp.StatusCode, nil
}

func asHTTPStatusError(err error, target **kvserrors.HTTPStatusError) bool {
	for err != nil {
		if he, ok := err.(*kvserrors.HTTPStatusError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func joinNetworkErr(err error) error {
	return fmt.Errorf("%v: %w", err, kvserrors.ErrNetwork)
}
