// Package upstream speaks the Antigravity v1internal protocol: the request
// envelope, endpoint fallback, response unwrapping, OAuth token refresh, and
// project/quota discovery.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
)

// v1internal endpoints, prod first with the daily sandbox as fallback.
const (
	BaseURLProd  = "https://cloudcode-pa.googleapis.com/v1internal"
	BaseURLDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"

	AntigravityUserAgent = "antigravity/1.16.5"
)

// Envelope is the outer v1internal request shape.
type Envelope struct {
	Project     string                     `json:"project"`
	RequestID   string                     `json:"requestId"`
	Request     *converter.UpstreamRequest `json:"request"`
	Model       string                     `json:"model"`
	UserAgent   string                     `json:"userAgent"`
	RequestType string                     `json:"requestType"`
}

// WrapRequest builds the envelope for one upstream call.
func WrapRequest(projectID, upstreamModel string, req *converter.UpstreamRequest) *Envelope {
	return &Envelope{
		Project:     projectID,
		RequestID:   "agent-" + uuid.NewString(),
		Request:     req,
		Model:       upstreamModel,
		UserAgent:   "antigravity",
		RequestType: "agent",
	}
}

// Client posts envelopes to the v1internal endpoints.
type Client struct {
	http     *http.Client
	baseURLs []string
}

func NewClient() *Client {
	return &Client{
		// No client timeout: streaming responses stay open until the
		// upstream or the request context ends them.
		http:     &http.Client{},
		baseURLs: []string{BaseURLProd, BaseURLDaily},
	}
}

// Generate performs a non-streaming call and returns the unwrapped response.
func (c *Client) Generate(ctx context.Context, accessToken string, env *Envelope) (*converter.UpstreamResponse, error) {
	body, err := sonic.Marshal(env)
	if err != nil {
		return nil, domain.NewProxyError(domain.ErrKindConvert, err, false)
	}

	var lastErr error
	for idx, base := range c.baseURLs {
		resp, err := c.post(ctx, base+":generateContent", accessToken, body)
		if err != nil {
			lastErr = classifyTransportError(ctx, err)
			if idx+1 < len(c.baseURLs) {
				continue
			}
			return nil, lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = domain.NewProxyErrorf(domain.ErrKindUpstream, true, "read upstream response: %v", readErr)
			if idx+1 < len(c.baseURLs) {
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			perr := ClassifyStatus(resp.StatusCode, respBody)
			lastErr = perr
			if idx+1 < len(c.baseURLs) && shouldTryNextEndpoint(resp.StatusCode) {
				continue
			}
			return nil, perr
		}

		var out converter.UpstreamResponse
		if err := sonic.Unmarshal(UnwrapResponse(respBody), &out); err != nil {
			return nil, &domain.ProxyError{
				Kind:      domain.ErrKindUpstream,
				Err:       domain.ErrMalformedUpstream,
				Message:   "malformed upstream response: " + err.Error(),
				Retryable: true,
			}
		}
		return &out, nil
	}
	return nil, lastErr
}

// GenerateStream performs a streaming call. The caller must Close the stream.
func (c *Client) GenerateStream(ctx context.Context, accessToken string, env *Envelope) (*Stream, error) {
	body, err := sonic.Marshal(env)
	if err != nil {
		return nil, domain.NewProxyError(domain.ErrKindConvert, err, false)
	}

	var lastErr error
	for idx, base := range c.baseURLs {
		resp, err := c.post(ctx, base+":streamGenerateContent?alt=sse", accessToken, body)
		if err != nil {
			lastErr = classifyTransportError(ctx, err)
			if idx+1 < len(c.baseURLs) {
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			perr := ClassifyStatus(resp.StatusCode, respBody)
			lastErr = perr
			if idx+1 < len(c.baseURLs) && shouldTryNextEndpoint(resp.StatusCode) {
				continue
			}
			return nil, perr
		}

		return newStream(resp.Body), nil
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, url, accessToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", AntigravityUserAgent)
	return c.http.Do(req)
}

// ClassifyStatus maps an upstream HTTP error to the proxy taxonomy. The
// body is kept verbatim in the message so reset hints survive to the client.
func ClassifyStatus(status int, body []byte) *domain.ProxyError {
	msg := strings.TrimSpace(string(body))

	if IsCapacityError(status, msg) {
		return &domain.ProxyError{
			Kind:       domain.ErrKindCapacity,
			Err:        errors.New("upstream capacity exhausted"),
			Message:    msg,
			StatusCode: status,
			Retryable:  true,
			RetryAfter: ParseResetAfter(msg),
		}
	}
	if status == http.StatusUnauthorized {
		return &domain.ProxyError{
			Kind:       domain.ErrKindAuth,
			Err:        errors.New("upstream rejected access token"),
			Message:    msg,
			StatusCode: status,
			Retryable:  true,
		}
	}
	if status >= 400 && status < 500 {
		return &domain.ProxyError{
			Kind:       domain.ErrKindClient,
			Err:        errors.New("upstream rejected request"),
			Message:    msg,
			StatusCode: status,
			Retryable:  false,
		}
	}
	return &domain.ProxyError{
		Kind:       domain.ErrKindUpstream,
		Err:        errors.New("upstream error"),
		Message:    msg,
		StatusCode: status,
		Retryable:  isRetryableStatusCode(status),
	}
}

func classifyTransportError(ctx context.Context, err error) *domain.ProxyError {
	if ctx.Err() != nil {
		return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: ctx.Err(), Retryable: false}
	}
	return &domain.ProxyError{
		Kind:      domain.ErrKindUpstream,
		Err:       err,
		Message:   "failed to connect to upstream: " + err.Error(),
		Retryable: true,
	}
}

// UnwrapResponse extracts the inner generateContent payload from the
// {response:{...}} wrapper. Unwrapped bodies pass through.
func UnwrapResponse(body []byte) []byte {
	var wrapper struct {
		Response json.RawMessage `json:"response"`
	}
	if err := sonic.Unmarshal(body, &wrapper); err == nil && len(wrapper.Response) > 0 {
		return wrapper.Response
	}
	return body
}

// Stream yields unwrapped SSE payloads from a streaming response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewStream wraps a raw SSE body. Exposed for the dispatcher's tests.
func NewStream(body io.ReadCloser) *Stream { return newStream(body) }

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	// Single events can carry large inlineData payloads.
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &Stream{body: body, scanner: sc}
}

// Next returns the next event payload, or io.EOF at end of stream.
func (s *Stream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		payload := converter.ParseSSELine(s.scanner.Bytes())
		if payload == nil {
			continue
		}
		return UnwrapResponse(payload), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error { return s.body.Close() }
