// Package remote talks to the chat server's REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Timeout bounds each call including retries. A call that times out is
	// reported as ErrOffline.
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
}

// retryableHTTPLogger adapts zap to retryablehttp.LeveledLogger.
type retryableHTTPLogger struct {
	inner *zap.SugaredLogger
}

func (r retryableHTTPLogger) Error(msg string, kv ...any) { r.inner.Errorw(msg, kv...) }
func (r retryableHTTPLogger) Info(msg string, kv ...any)  { r.inner.Infow(msg, kv...) }
func (r retryableHTTPLogger) Warn(msg string, kv ...any)  { r.inner.Warnw(msg, kv...) }
func (r retryableHTTPLogger) Debug(msg string, kv ...any) { r.inner.Debugw(msg, kv...) }

// Opt configures a Client.
type Opt func(*Client)

// WithLogger sets the logger for the client and its retries.
func WithLogger(l *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = l
		c.http.Logger = retryableHTTPLogger{inner: l.Sugar()}
	}
}

// WithToken sets the bearer token source. It is called for every request.
func WithToken(token func() string) Opt {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// Client is a REST client with retries on transient failures.
type Client struct {
	baseURL *url.URL
	http    *retryablehttp.Client
	timeout time.Duration
	token   func() string
	logger  *zap.Logger
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Opt) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme == "" {
		base.Scheme = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 200 * time.Millisecond
	}

	c := &Client{
		baseURL: base,
		http: &retryablehttp.Client{
			HTTPClient:   retryablehttp.NewClient().HTTPClient,
			RetryMax:     cfg.RetryMax,
			RetryWaitMin: cfg.RetryWait,
			RetryWaitMax: 4 * cfg.RetryWait,
			Backoff:      retryablehttp.DefaultBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		timeout: cfg.Timeout,
		token:   func() string { return "" },
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do sends a request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody any
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(callCtx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrOffline, err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() == nil {
			err = errors.Join(ErrOffline, err)
		}
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Debug("request failed",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", res.StatusCode), zap.ByteString("body", data))
		return nil, &StatusError{Method: method, Path: path, Code: res.StatusCode, Body: string(data)}
	}
	return data, nil
}
