// Package gemini implements the resilient client for the Gemini-compatible
// generateContent API: retry with jittered exponential backoff, a
// circuit breaker shared across all calls through one Client, and both
// unary and streamed generation.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/geminiweb/gateway/internal/domain"
	"github.com/geminiweb/gateway/internal/httputil"
	"github.com/geminiweb/gateway/internal/metrics"
)

const DevAPIBase = "https://generativelanguage.googleapis.com/v1beta"

const maxStreamLineBytes = 1024 * 1024

type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	// HTTPClient serves unary calls, StreamClient the streamed ones (no
	// overall timeout). Defaults are built from internal/httputil.
	HTTPClient   *http.Client
	StreamClient *http.Client

	// Test hooks. Sleep must respect ctx; Now supplies the breaker clock.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	streamClient   *http.Client
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	breakerThreshold int
	breakerReset     time.Duration

	// Breaker state, shared across all concurrent calls through this Client.
	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DevAPIBase
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffInitial < 0 {
		cfg.BackoffInitial = 0
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.HTTPClient == nil {
		hc := httputil.DefaultConfig()
		if cfg.Timeout > 0 {
			hc.Timeout = cfg.Timeout
		}
		cfg.HTTPClient = httputil.NewClient(hc)
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = httputil.NewStreamingClient(httputil.DefaultConfig())
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Client{
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:       cfg.HTTPClient,
		streamClient:     cfg.StreamClient,
		maxAttempts:      cfg.MaxAttempts,
		backoffInitial:   cfg.BackoffInitial,
		backoffMax:       cfg.BackoffMax,
		sleep:            cfg.Sleep,
		now:              cfg.Now,
		breakerThreshold: cfg.BreakerFailures,
		breakerReset:     cfg.BreakerReset,
	}
}

// breakerAllow rejects the call while the cool-down window is active. Once
// the window has elapsed the next call is let through: success closes the
// breaker, failure re-opens it (implicit half-open).
func (c *Client) breakerAllow() error {
	if c.breakerThreshold <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return nil
	}
	remaining := c.openUntil.Sub(c.now())
	if remaining <= 0 {
		return nil
	}
	metrics.RecordBreakerEvent("short_circuit")
	return &domain.CircuitBreakerOpenError{RetryAfter: int(remaining.Seconds()) + 1}
}

func (c *Client) breakerOnSuccess() {
	if c.breakerThreshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openUntil = time.Time{}
}

// breakerOnFailure counts every failed attempt, not every logical call: a
// single call's retry loop can open the breaker on its own.
func (c *Client) breakerOnFailure() {
	if c.breakerThreshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.breakerThreshold {
		return
	}
	if c.breakerReset <= 0 {
		return
	}
	c.openUntil = c.now().Add(c.breakerReset)
	metrics.RecordBreakerEvent("open")
}

// computeBackoff returns the wait before retry attempt (0-indexed),
// min(backoffMax, backoffInitial*2^attempt) plus jitter uniform in
// [0, min(250ms, base/10)].
func (c *Client) computeBackoff(attempt int) time.Duration {
	base := float64(c.backoffInitial) * math.Pow(2, float64(attempt))
	if maxf := float64(c.backoffMax); base > maxf {
		base = maxf
	}
	if base <= 0 {
		return 0
	}
	jitterMax := base * 0.1
	if capf := float64(250 * time.Millisecond); jitterMax > capf {
		jitterMax = capf
	}
	return time.Duration(base + rand.Float64()*jitterMax)
}

func (c *Client) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s",
		c.baseURL, url.PathEscape(model), method, url.QueryEscape(c.apiKey))
}

// GenerateContent issues one unary generation call, retrying transport
// errors, 429s and 5xx responses up to the attempt budget.
func (c *Client) GenerateContent(ctx context.Context, req *Request) (string, error) {
	if err := c.breakerAllow(); err != nil {
		return "", err
	}
	if c.apiKey == "" {
		return "", &domain.AuthenticationError{Message: "missing GOOGLE_API_KEY for upstream Gemini call"}
	}

	payload, err := buildPayload(req)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.endpoint(req.Model, "generateContent")

	var lastRateLimit *domain.RateLimitError
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				// The caller's deadline or disconnect aborted the attempt;
				// not an upstream health signal.
				return "", ctx.Err()
			}
			c.breakerOnFailure()
			if attempt >= c.maxAttempts-1 {
				if isTimeout(err) {
					return "", &domain.UpstreamProtocolError{Message: "upstream request timed out", Err: err}
				}
				return "", &domain.UpstreamProtocolError{Message: "upstream request failed", Err: err}
			}
			if err := c.sleep(ctx, c.computeBackoff(attempt)); err != nil {
				return "", err
			}
			continue
		}

		retry, result, err := c.handleStatus(ctx, resp, attempt, &lastRateLimit)
		if err != nil {
			return "", err
		}
		if retry {
			continue
		}

		c.breakerOnSuccess()
		return extractText(result)
	}

	if lastRateLimit != nil {
		return "", lastRateLimit
	}
	return "", &domain.UpstreamProtocolError{Message: "upstream request failed after retries"}
}

// handleStatus classifies one response. It returns (retry=true, nil, nil)
// after sleeping when the attempt should be repeated, the response body on
// 2xx, or a terminal error.
func (c *Client) handleStatus(ctx context.Context, resp *http.Response, attempt int, lastRateLimit **domain.RateLimitError) (bool, []byte, error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil, &domain.AuthenticationError{Message: "upstream rejected credentials (check GOOGLE_API_KEY)"}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		*lastRateLimit = &domain.RateLimitError{RetryAfter: retryAfter}
		c.breakerOnFailure()
		if attempt >= c.maxAttempts-1 {
			return false, nil, *lastRateLimit
		}
		wait := c.computeBackoff(attempt)
		if retryAfter > 0 {
			wait = time.Duration(retryAfter) * time.Second
		}
		if err := c.sleep(ctx, wait); err != nil {
			return false, nil, err
		}
		return true, nil, nil

	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		c.breakerOnFailure()
		if attempt >= c.maxAttempts-1 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			slog.Warn("gemini upstream 5xx",
				"status", resp.StatusCode,
				"body", string(snippet),
			)
			return false, nil, &domain.UpstreamProtocolError{Message: fmt.Sprintf("upstream error %d", resp.StatusCode)}
		}
		if err := c.sleep(ctx, c.computeBackoff(attempt)); err != nil {
			return false, nil, err
		}
		return true, nil, nil

	case resp.StatusCode >= 400:
		return false, nil, &domain.UpstreamProtocolError{Message: fmt.Sprintf("upstream error %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil, &domain.UpstreamProtocolError{Message: "failed to read upstream response body", Err: err}
	}
	return false, body, nil
}

// StreamGenerateContent opens one streamed generation call. Failures before
// the first fragment (breaker open, missing key, connection-level errors
// after retries) are returned synchronously; once the call returns, text
// fragments arrive on the first channel and at most one terminal error on
// the second, both closed when the stream ends. A transport failure after
// fragments began flowing terminates the stream; it is never restarted.
func (c *Client) StreamGenerateContent(ctx context.Context, req *Request) (<-chan string, <-chan error, error) {
	if err := c.breakerAllow(); err != nil {
		return nil, nil, err
	}
	if c.apiKey == "" {
		return nil, nil, &domain.AuthenticationError{Message: "missing GOOGLE_API_KEY for upstream Gemini call"}
	}

	payload, err := buildPayload(req)
	if err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.endpoint(req.Model, "streamGenerateContent")

	var lastRateLimit *domain.RateLimitError
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.streamClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			c.breakerOnFailure()
			if attempt >= c.maxAttempts-1 {
				if isTimeout(err) {
					return nil, nil, &domain.UpstreamProtocolError{Message: "upstream request timed out", Err: err}
				}
				return nil, nil, &domain.UpstreamProtocolError{Message: "upstream request failed", Err: err}
			}
			if err := c.sleep(ctx, c.computeBackoff(attempt)); err != nil {
				return nil, nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			retry, _, err := c.handleStatus(ctx, resp, attempt, &lastRateLimit)
			if err != nil {
				return nil, nil, err
			}
			if retry {
				continue
			}
		}

		fragments := make(chan string)
		errs := make(chan error, 1)
		go c.consumeStream(ctx, resp, fragments, errs)
		return fragments, errs, nil
	}

	if lastRateLimit != nil {
		return nil, nil, lastRateLimit
	}
	return nil, nil, &domain.UpstreamProtocolError{Message: "upstream request failed after retries"}
}

func (c *Client) consumeStream(ctx context.Context, resp *http.Response, fragments chan<- string, errs chan<- error) {
	defer close(errs)
	defer close(fragments)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			// An undecodable event payload is a hard contract violation;
			// a decodable event with missing nested fields is not.
			errs <- &domain.UpstreamProtocolError{Message: "failed to decode upstream stream event", Err: err}
			return
		}
		text, ok := extractStreamText(event)
		if !ok {
			continue
		}

		select {
		case fragments <- text:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.breakerOnFailure()
		errs <- &domain.UpstreamProtocolError{Message: "upstream stream failed", Err: err}
		return
	}
	c.breakerOnSuccess()
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	seconds := 0
	for _, r := range header {
		if r < '0' || r > '9' {
			return 0
		}
		seconds = seconds*10 + int(r-'0')
	}
	return seconds
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
