// Package transport abstracts the HTTP surface the synchronizer talks to. The
// remote API owns the wire contract; this package only moves bytes and status
// codes.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
)

// Request describes a single HTTP call issued on behalf of a queued operation.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response carries back the status and raw body. A non-2xx status is not an
// error at this layer; the caller decides what it means.
type Response struct {
	StatusCode int
	Body       []byte
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client issues HTTP requests and probes connectivity. Both calls honor the
// context deadline; a timeout is reported as a plain error.
type Client interface {
	Do(ctx context.Context, req Request) (Response, error)
	Probe(ctx context.Context) error
}

// HTTPClient is the net/http-backed Client used in production.
type HTTPClient struct {
	baseURL   string
	healthURL string
	client    *http.Client
	logger    log.Log
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client rooted at baseURL. healthPath is the endpoint
// hit by connectivity probes, relative to baseURL.
func NewHTTPClient(baseURL, healthPath string, timeout time.Duration, logger log.Log) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		healthURL: baseURL + healthPath,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(log.String("component", "transport")),
	}
}

func (c *HTTPClient) Do(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("request completed",
		log.String("method", req.Method),
		log.String("url", req.URL),
		log.Int("status", resp.StatusCode))

	return Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Probe issues a lightweight GET against the health endpoint. Any transport
// error or non-2xx status counts as unreachable.
func (c *HTTPClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}
