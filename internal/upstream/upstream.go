// Package upstream is the collaborator that forwards a chat-completion
// request to the remote LLM API and hands back its raw response body for
// streaming verbatim to the client (spec.md §4.6).
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
)

// Config tunes the upstream HTTP client's connection pool and timeouts.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration

	PoolMaxIdlePerHost int
	PoolIdleTimeout    time.Duration
	TCPNoDelay         bool
	HTTP2AdaptiveWindow bool
}

// Client issues chat-completion requests against the upstream API. Its
// transport deliberately has NO whole-request timeout: a long completion
// must not be killed mid-stream (spec.md §5 "Cancellation and timeouts").
// Only connection establishment is bounded.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs an upstream Client. The dialer's timeout bounds connection
// establishment only; the returned *http.Client carries no Timeout field.
func New(cfg Config) *Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.PoolMaxIdlePerHost,
		IdleConnTimeout:     cfg.PoolIdleTimeout,
		ForceAttemptHTTP2:   true,
	}
	if cfg.TCPNoDelay {
		transport.DisableCompression = false
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Transport: transport},
	}
}

// Response wraps the upstream HTTP response so callers can distinguish a
// successfully-accepted request (whose body the caller now owns and must
// close) from a connect-level failure.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ChatCompletions forwards body verbatim to the upstream chat-completions
// endpoint and returns the raw response for streaming passthrough. A
// connect-level failure (DNS, dial timeout, TLS handshake) and a 5xx status
// are both returned as errors, before any body is streamed; the caller
// refunds the quota reservation on either. Any other status returns the
// response, and errors observed later, mid-stream, do not refund.
func (c *Client) ChatCompletions(ctx context.Context, body io.Reader, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "build upstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectTimeout(err) {
			return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamConnect, "upstream connection timed out", err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamConnect, "failed to connect to upstream", err)
	}

	if resp.StatusCode >= 500 {
		defer resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamProtocol,
			fmt.Sprintf("upstream returned status %d", resp.StatusCode))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func isConnectTimeout(err error) bool {
	var netErr net.Error
	if e, ok := err.(net.Error); ok {
		netErr = e
		return netErr.Timeout()
	}
	return false
}

// IdleReader wraps a response body, translating a read that stalls for
// longer than idleTimeout into an upstream-idle-timeout gateway error. This
// is the "idle/read timeout per chunk" knob spec.md §5 calls for in place
// of a whole-request timeout.
type IdleReader struct {
	ctx         context.Context
	body        io.ReadCloser
	idleTimeout time.Duration
}

// NewIdleReader wraps body with a per-read idle timeout bound to ctx.
func NewIdleReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration) *IdleReader {
	return &IdleReader{ctx: ctx, body: body, idleTimeout: idleTimeout}
}

// Read performs one read against the underlying body, racing it against the
// idle timeout and the caller's context cancellation.
func (r *IdleReader) Read(p []byte) (int, error) {
	if r.idleTimeout <= 0 {
		return r.body.Read(p)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.body.Read(p)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(r.idleTimeout):
		return 0, gatewayerr.New(gatewayerr.KindUpstreamIdle, "upstream stream idle timeout exceeded")
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}

// Close releases the underlying body.
func (r *IdleReader) Close() error {
	return r.body.Close()
}
