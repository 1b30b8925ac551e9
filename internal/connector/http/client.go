package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nucleus/tracker-core/internal/tracker"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is the base URL for all requests.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 5).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// MaxConcurrent bounds in-flight requests across all callers
	// (default: 4).
	MaxConcurrent int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "tracker-core/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:       30 * time.Second,
		RateLimit:     5.0,
		RateBurst:     5,
		MaxConcurrent: 4,
		UserAgent:     "tracker-core/1.0",
		Headers:       make(map[string]string),
	}
}

// ConfigFor derives a client config from a service descriptor.
func ConfigFor(desc *tracker.Descriptor, auth AuthConfig) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.BaseURL = desc.Endpoint
	cfg.Auth = auth
	if desc.Timeout > 0 {
		cfg.Timeout = desc.Timeout
	}
	if desc.RateLimit > 0 {
		cfg.RateLimit = desc.RateLimit
	}
	if desc.Burst > 0 {
		cfg.RateBurst = desc.Burst
	}
	if desc.Concurrency > 0 {
		cfg.MaxConcurrent = desc.Concurrency
	}
	return cfg
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited HTTP client with a bounded pool of in-flight
// requests. It is shared by every query against one service and makes a
// single attempt per call; retries belong to the caller.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	pool        *semaphore.Weighted
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 4
	}
	if config.UserAgent == "" {
		config.UserAgent = "tracker-core/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		pool:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// CloseIdle drops idle keep-alive connections.
func (c *Client) CloseIdle() {
	c.httpClient.CloseIdleConnections()
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// Request represents an HTTP request to be made.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target. Numbers in
// untyped values decode as json.Number.
func (r *Response) JSON(target any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	return dec.Decode(target)
}

// =============================================================================
// CLIENT METHODS
// =============================================================================

// Do executes a request once, after taking a pool slot and a rate limiter
// token. Status codes >= 400 return *HTTPError along with the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("request pool: %w", err)
	}
	defer c.pool.Release(1)

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return c.doOnce(ctx, req)
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.URL(req.Path, req.Query)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.config.Auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}

	if resp.StatusCode >= 400 {
		return response, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(data), 512),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	return response, nil
}

// URL joins the base URL, a path and query parameters.
func (c *Client) URL(path string, query url.Values) string {
	fullURL := c.config.BaseURL
	if path != "" {
		fullURL = strings.TrimSuffix(fullURL, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	return fullURL
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
	})
}

// Post performs a POST request with a raw body of the given content type.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
