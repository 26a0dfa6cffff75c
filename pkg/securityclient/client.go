// Package securityclient is the HTTP client used by dashboard callers. It
// retries network failures with linear backoff and turns suspicious
// responses into security signals for the ingestion endpoint.
package securityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"vitalis/pkg/platform/sentinel"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithReporter sets the signal reporter. By default the client reports to
// the same base URL it calls.
func WithReporter(r *Reporter) Option {
	return func(c *Client) {
		c.reporter = r
	}
}

// WithMaxAttempts bounds the attempts per request, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the linear backoff step; attempt n waits n*step.
func WithBackoff(step time.Duration) Option {
	return func(c *Client) {
		if step >= 0 {
			c.backoff = step
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// Client calls the dashboard API.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	reporter    *Reporter
	maxAttempts int
	backoff     time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// NewClient creates a new client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		clock:       clock.New(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reporter == nil {
		c.reporter = NewReporter(c.baseURL, WithReporterLogger(c.logger), WithReporterClock(c.clock))
	}
	return c
}

// Reporter returns the client's signal reporter.
func (c *Client) Reporter() *Reporter {
	return c.reporter
}

// Do sends a request with a JSON body and decodes a JSON response into out.
// Network failures and 5xx responses are retried; 4xx responses never are.
// Non-2xx responses are returned as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}
	target := c.baseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, time.Duration(attempt-1)*c.backoff); err != nil {
				c.report(ctx, SignalSuspiciousActivity, "request aborted", target, 0)
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
		}

		retry, err := c.attempt(ctx, method, target, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		c.logger.DebugContext(ctx, "request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"error", err,
		)
	}
	return lastErr
}

// attempt performs one round trip and reports whether a failure may be retried.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isAbort(ctx, err) {
			c.report(ctx, SignalSuspiciousActivity, "request aborted or timed out", target, 0)
			return false, fmt.Errorf("%s %s: %w", method, target, err)
		}
		return true, fmt.Errorf("%s %s: %w: %w", method, target, sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 || resp.StatusCode == http.StatusNoContent {
			return false, nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
		return false, nil
	}

	apiErr := parseAPIError(resp, respBody)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.report(ctx, SignalRateLimit, "rate limit exceeded", target, apiErr.RetryAfter)
		return false, apiErr
	case resp.StatusCode == http.StatusUnauthorized:
		c.report(ctx, SignalSessionExpired, "session expired", target, 0)
		return false, apiErr
	case resp.StatusCode == http.StatusBadRequest:
		return false, apiErr
	case resp.StatusCode < http.StatusInternalServerError:
		c.report(ctx, SignalSuspiciousActivity, fmt.Sprintf("unexpected %d response", resp.StatusCode), target, 0)
		return false, apiErr
	default:
		return true, apiErr
	}
}

func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errBody struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
	if json.Unmarshal(body, &errBody) == nil {
		apiErr.ErrorCode = errBody.Error
		apiErr.Message = errBody.Message
		apiErr.RetryAfter = errBody.RetryAfter
	} else {
		apiErr.Message = string(body)
	}
	if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = v
	}
	return apiErr
}

func (c *Client) report(ctx context.Context, t SignalType, message, target string, retryAfter int) {
	c.reporter.Report(ctx, Signal{
		Type:       t,
		Message:    message,
		URL:        target,
		RetryAfter: retryAfter,
	})
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isAbort(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
