// Package transport provides HTTP and WebSocket transports whose outbound
// traffic passes through a throttler before hitting the wire. It is the
// integration surface connectors build on: every request names the rate
// limit it consumes and is admitted before the network call starts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"rategate/pkg/throttler"
)

// ErrClientClosed is returned when attempting to use a closed client.
var ErrClientClosed = errors.New("client is closed")

// Config holds the settings for an HTTP transport.
type Config struct {
	BaseURL      string            `validate:"required,url"`
	Timeout      time.Duration     `validate:"min=1ms"`
	MaxRetries   int               `validate:"min=0"`
	RetryWaitMin time.Duration     `validate:"min=0"`
	RetryWaitMax time.Duration     `validate:"min=0"`
	Headers      map[string]string `validate:"omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for the given base URL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 1 * time.Second,
	}
}

// Request describes one outbound HTTP call and the rate limit it consumes.
type Request struct {
	// Method is the HTTP method.
	Method string
	// Path is the request path, resolved against the client's base URL.
	Path string
	// Query holds query string parameters.
	Query map[string]string
	// Body is marshaled to JSON when non-nil.
	Body any
	// Headers are additional per-request headers.
	Headers map[string]string
	// LimitID names the rate limit this request consumes. An empty or
	// unregistered ID bypasses limiting.
	LimitID string
	// Weight overrides the limit's default weight when positive.
	Weight int
}

// NewRequest creates a Request for the given method and path.
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path}
}

// SetLimit names the rate limit the request consumes and returns the
// request for chaining.
func (r *Request) SetLimit(limitID string, weight int) *Request {
	r.LimitID = limitID
	r.Weight = weight
	return r
}

// SetQuery adds a query parameter and returns the request for chaining.
func (r *Request) SetQuery(key, value string) *Request {
	if r.Query == nil {
		r.Query = make(map[string]string)
	}
	r.Query[key] = value
	return r
}

// SetBody sets the JSON body and returns the request for chaining.
func (r *Request) SetBody(body any) *Request {
	r.Body = body
	return r
}

// Response represents an HTTP response with its status code, body, and headers.
type Response struct {
	// StatusCode is the HTTP status code returned by the server.
	StatusCode int
	// Body contains the raw response body bytes.
	Body []byte
	// Headers contains the response headers as key-value pairs.
	Headers map[string]string
}

// IsSuccess returns true if the response status code indicates success (2xx).
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code indicates an error (4xx or 5xx).
func (r *Response) IsError() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Unmarshal parses the response body into the provided value using sonic.
func (r *Response) Unmarshal(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// Client is an HTTP client whose requests acquire throttler admission
// before going out. It is safe for concurrent use.
type Client struct {
	client    *resty.Client
	throttler *throttler.Throttler
	logger    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewClient creates an HTTP transport backed by the given throttler.
// The throttler may be nil, in which case requests go out unthrottled.
func NewClient(config *Config, th *throttler.Throttler, logger zerolog.Logger) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(config.Timeout)
	client.SetRetryCount(config.MaxRetries)
	client.SetRetryWaitTime(config.RetryWaitMin)
	client.SetRetryMaxWaitTime(config.RetryWaitMax)
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})

	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})

	return &Client{
		client:    client,
		throttler: th,
		logger:    logger,
	}, nil
}

// Do acquires admission for the request's rate limit, then executes it.
// A cancelled context aborts the wait and is returned unchanged.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClientClosed
	}
	c.mu.RUnlock()

	if c.throttler != nil && req.LimitID != "" {
		if err := c.throttler.AcquireN(ctx, req.LimitID, req.Weight); err != nil {
			return nil, fmt.Errorf("acquire %s: %w", req.LimitID, err)
		}
	}

	r := c.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if req.Query != nil {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	var resp *resty.Response
	var err error
	switch req.Method {
	case http.MethodGet:
		resp, err = r.Get(req.Path)
	case http.MethodPost:
		resp, err = r.Post(req.Path)
	case http.MethodPut:
		resp, err = r.Put(req.Path)
	case http.MethodDelete:
		resp, err = r.Delete(req.Path)
	case http.MethodPatch:
		resp, err = r.Patch(req.Path)
	default:
		return nil, fmt.Errorf("unsupported http method: %s", req.Method)
	}

	if err != nil {
		c.logger.Error().Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Msg("http request failed")
		return nil, fmt.Errorf("http request: %w", err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode()).
		Int("size", len(resp.Bytes())).
		Msg("http response")

	headers := make(map[string]string)
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Bytes(),
		Headers:    headers,
	}, nil
}

// Get performs a throttled GET request against limitID.
func (c *Client) Get(ctx context.Context, path, limitID string, query map[string]string) (*Response, error) {
	req := NewRequest(http.MethodGet, path).SetLimit(limitID, 0)
	req.Query = query
	return c.Do(ctx, req)
}

// Post performs a throttled POST request against limitID.
func (c *Client) Post(ctx context.Context, path, limitID string, body any) (*Response, error) {
	req := NewRequest(http.MethodPost, path).SetLimit(limitID, 0).SetBody(body)
	return c.Do(ctx, req)
}

// Delete performs a throttled DELETE request against limitID.
func (c *Client) Delete(ctx context.Context, path, limitID string) (*Response, error) {
	req := NewRequest(http.MethodDelete, path).SetLimit(limitID, 0)
	return c.Do(ctx, req)
}

// Throttler returns the throttler gating this client, or nil.
func (c *Client) Throttler() *throttler.Throttler {
	return c.throttler
}

// Close releases the underlying HTTP client. Subsequent requests return
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
