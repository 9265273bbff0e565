// Package llmclient provides a base HTTP client for LLM providers with:
// - Request marshaling/unmarshaling
// - Retries with exponential backoff and jitter
// - Standardized error parsing onto the gateway taxonomy
// - Circuit breaking (sony/gobreaker) and request pacing (x/time/rate)
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/httpclient"
)

// Config holds configuration for the LLM client
type Config struct {
	// ProviderName identifies the provider for error messages
	ProviderName string

	// BaseURL is the API base URL
	BaseURL string

	// Retry configuration
	MaxRetries     int           // Maximum number of retry attempts (default: 2)
	InitialBackoff time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 10s)
	BackoffFactor  float64       // Backoff multiplier (default: 2.0)
	JitterFactor   float64       // Random spread applied to each backoff, 0 disables

	// Circuit breaker configuration, nil disables it
	CircuitBreaker *CircuitBreakerConfig

	// RateLimit paces requests per second; zero disables pacing.
	RateLimit float64
	Burst     int
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// HalfOpenRequests is how many trial requests a half-open circuit lets through
	HalfOpenRequests uint32
	// Timeout is how long the circuit stays open before going half-open
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName:   providerName,
		BaseURL:        baseURL,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			HalfOpenRequests: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// ConfigFrom builds a client config from the global resilience settings and
// the provider's own pacing settings.
func ConfigFrom(providerName, baseURL string, res config.ResilienceConfig, p config.ProviderConfig) Config {
	c := Config{
		ProviderName:   providerName,
		BaseURL:        baseURL,
		MaxRetries:     res.Retry.MaxRetries,
		InitialBackoff: res.Retry.InitialBackoff,
		MaxBackoff:     res.Retry.MaxBackoff,
		BackoffFactor:  res.Retry.BackoffFactor,
		JitterFactor:   res.Retry.JitterFactor,
		RateLimit:      p.RateLimit,
		Burst:          p.Burst,
	}
	if res.CircuitBreaker.Enabled {
		c.CircuitBreaker = &CircuitBreakerConfig{
			FailureThreshold: res.CircuitBreaker.FailureThreshold,
			HalfOpenRequests: res.CircuitBreaker.HalfOpenRequests,
			Timeout:          res.CircuitBreaker.Timeout,
		}
	}
	return c
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is a base HTTP client for LLM providers. It is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
	breaker      *gobreaker.TwoStepCircuitBreaker
	limiter      *rate.Limiter
}

// New creates a new LLM client with the given configuration
func New(cfg Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), cfg, headerSetter)
}

// NewWithHTTPClient creates a new LLM client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, cfg Config, headerSetter HeaderSetter) *Client {
	c := &Client{
		httpClient:   httpClient,
		config:       cfg,
		headerSetter: headerSetter,
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		threshold := cb.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		name := cfg.ProviderName
		c.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cb.HalfOpenRequests,
			Timeout:     cb.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("provider circuit breaker changed state",
					"provider", name, "from", from.String(), "to", to.String())
			},
		})
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RateLimit))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return c
}

// SetBaseURL updates the base URL. Not safe to call concurrently with requests.
func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = url
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// BreakerState reports the circuit state: closed, half-open, open, or disabled.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	// BaseURL overrides the client's base URL for this request (route endpoint).
	BaseURL string
	Body    any // Will be JSON marshaled if not nil
	// RawBody is sent as-is when set; it takes precedence over Body.
	RawBody []byte
	Headers map[string]string
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}

type (
	retriesKey struct{}
	baseURLKey struct{}
)

// WithMaxRetries overrides the retry count for calls made with ctx. A route
// rule uses this to set its own limit.
func WithMaxRetries(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, retriesKey{}, n)
}

// WithBaseURL routes calls made with ctx to url instead of the client's base
// URL. An explicit Request.BaseURL still wins.
func WithBaseURL(ctx context.Context, url string) context.Context {
	if url == "" {
		return ctx
	}
	return context.WithValue(ctx, baseURLKey{}, url)
}

func (c *Client) maxRetries(ctx context.Context) int {
	if n, ok := ctx.Value(retriesKey{}).(int); ok && n >= 0 {
		return n
	}
	return c.config.MaxRetries
}

// Do executes a request with retries and circuit breaking, then unmarshals the response
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewMalformedResponseError(c.config.ProviderName, "failed to unmarshal response: "+err.Error(), err)
		}
	}

	return nil
}

// DoRaw executes a request with retries and circuit breaking, returning the raw response
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	maxAttempts := c.maxRetries(ctx) + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, core.ClassifyTransportError(c.config.ProviderName, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		done, err := c.admit(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.doRequest(ctx, req)
		if err != nil {
			gwErr := core.ClassifyTransportError(c.config.ProviderName, err)
			// A departed client says nothing about provider health.
			done(gwErr.Type == core.ErrorTypeCancelled)
			if gwErr.Type == core.ErrorTypeCancelled || ctx.Err() != nil {
				return nil, gwErr
			}
			lastErr = gwErr
			continue
		}

		if c.isRetryable(resp.StatusCode) {
			done(false)
			lastErr = core.ParseProviderError(c.config.ProviderName, resp.StatusCode, resp.Body, nil)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			done(resp.StatusCode < 500)
			return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, resp.Body, nil)
		}

		done(true)
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "request failed after retries", nil)
}

// DoStream executes a streaming request, returning the open body.
// Streaming requests are not retried because partial output may already be forwarded.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	done, err := c.admit(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		done(true)
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		gwErr := core.ClassifyTransportError(c.config.ProviderName, err)
		done(gwErr.Type == core.ErrorTypeCancelled)
		return nil, gwErr
	}

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close()

		done(resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
		return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, respBody, nil)
	}

	done(true)
	return resp.Body, nil
}

// admit waits for the pacer and asks the breaker for permission. The returned
// func must be called exactly once with the outcome.
func (c *Client) admit(ctx context.Context) (func(success bool), error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, core.ClassifyTransportError(c.config.ProviderName, ctx.Err())
			}
			return nil, core.NewRateLimitError(c.config.ProviderName, "local rate limit: "+err.Error())
		}
	}
	if c.breaker == nil {
		return func(bool) {}, nil
	}
	done, err := c.breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
				"circuit breaker is open - provider temporarily unavailable", err)
		}
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable, err.Error(), err)
	}
	return done, nil
}

// doRequest executes a single HTTP request without retries
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	base := c.config.BaseURL
	if url, ok := ctx.Value(baseURLKey{}).(string); ok {
		base = url
	}
	if req.BaseURL != "" {
		base = req.BaseURL
	}
	url := base + req.Endpoint

	var bodyReader io.Reader
	switch {
	case req.RawBody != nil:
		bodyReader = bytes.NewReader(req.RawBody)
	case req.Body != nil:
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if id := core.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}
	httpReq.Header.Set("X-Attempt", strconv.Itoa(core.GetAttempt(ctx)))

	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if backoff > float64(c.config.MaxBackoff) {
		backoff = float64(c.config.MaxBackoff)
	}
	if j := c.config.JitterFactor; j > 0 {
		backoff *= 1 + j*(rand.Float64()*2-1)
	}
	return time.Duration(backoff)
}

// isRetryable returns true if the status code indicates a retryable error
func (c *Client) isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}
