// Package agentclient is the authenticated HTTP client for the remote
// agent/model service: idempotent agent list/create/update, file
// upload, vector-store create/poll, response invocation, all wrapped in
// retry with jittered backoff, a circuit breaker, and a token-bucket rate
// limiter.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/pkg/metrics"
	"github.com/slideforge/slideforge/pkg/resilience"
)

// Token is a bearer credential with an expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider mints bearer tokens for a fixed audience. Implementations
// typically wrap an Azure AD (or similar) credential chain; StaticToken is
// provided for local development and tests.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (Token, error)
}

// StaticToken always returns the same token value with a far-future expiry.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (Token, error) {
	return Token{Value: string(s), ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

// Config configures a Client.
type Config struct {
	Endpoint            string        // FOUNDRY_PROJECT_ENDPOINT
	APIVersion          string        // FOUNDRY_API_VERSION
	ModelDeploymentName string        // MODEL_DEPLOYMENT_NAME
	Audience            string        // credential audience, defaults to Endpoint
	Timeout             time.Duration // FOUNDRY_HTTP_TIMEOUT_SECONDS, clamped [10s,600s]
	Breaker             resilience.BreakerOpts
	RateLimitPerSec     float64 // AGENT_RATE_LIMIT_PER_SEC
	RateBurst           int     // AGENT_RATE_BURST
}

const maxAttempts = 6

var (
	errNonRetryable = errors.New("agentclient: non-retryable response")
)

// Client talks to the remote agent service.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenProvider
	logger *slog.Logger
	met    *metrics.Registry

	breaker *resilience.Breaker
	limiter *rate.Limiter

	tokMu sync.Mutex
	tok   Token
}

// New creates a Client. met may be nil (metrics become no-ops).
func New(cfg Config, tokens TokenProvider, logger *slog.Logger, met *metrics.Registry) *Client {
	if cfg.Audience == "" {
		cfg.Audience = cfg.Endpoint
	}
	if cfg.Timeout < 10*time.Second {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Timeout > 600*time.Second {
		cfg.Timeout = 600 * time.Second
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		logger:  logger,
		met:     met,
		breaker: resilience.NewBreaker(cfg.Breaker),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateBurst),
	}
}

// buildURL composes the absolute request URL, collapsing a duplicated
// "openai/" segment and appending the configured api-version query
// parameter if the caller didn't already set one.
func (c *Client) buildURL(relPath string) (string, error) {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	rel := strings.TrimLeft(relPath, "/")
	if strings.HasSuffix(base, "/openai") && strings.HasPrefix(rel, "openai/") {
		rel = strings.TrimPrefix(rel, "openai/")
	}
	raw := base + "/" + rel

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("agentclient: bad url %q: %w", raw, err)
	}
	q := u.Query()
	if q.Get("api-version") == "" && c.cfg.APIVersion != "" {
		q.Set("api-version", c.cfg.APIVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// getToken returns a cached bearer token, refreshing it if its expiry is
// within one minute (or already in the past).
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokMu.Lock()
	defer c.tokMu.Unlock()

	if c.tok.Value != "" && time.Until(c.tok.ExpiresAt) > time.Minute {
		return c.tok.Value, nil
	}
	tok, err := c.tokens.Token(ctx, c.cfg.Audience)
	if err != nil {
		return "", fmt.Errorf("agentclient: acquire token: %w", err)
	}
	c.tok = tok
	return tok.Value, nil
}

// requestSpec describes one logical HTTP call, independent of attempt count.
type requestSpec struct {
	method      string
	path        string
	body        []byte
	contentType string
}

// doRequest executes spec through the rate limiter and circuit breaker, then
// the retry loop, decoding a JSON response body into out (if non-nil).
func (c *Client) doRequest(ctx context.Context, spec requestSpec, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("agentclient: rate limiter: %w", err)
	}
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.retryLoop(ctx, spec, out)
	})
}

func (c *Client) retryLoop(ctx context.Context, spec requestSpec, out any) error {
	delay := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(delay) * (1 + 0.2*rand.Float64()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
		}

		status, retryAfter, err := c.attempt(ctx, spec, out)
		c.observeOutcome(spec.path, status, err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(status, err) {
			return err
		}
		if retryAfter > 0 {
			delay = retryAfter
		}
	}
	return fmt.Errorf("agentclient: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// attempt performs a single HTTP round trip. It returns the HTTP status (0
// for transport failures), an optional Retry-After delay, and an error.
func (c *Client) attempt(ctx context.Context, spec requestSpec, out any) (int, time.Duration, error) {
	fullURL, err := c.buildURL(spec.path)
	if err != nil {
		return 0, 0, err
	}
	tok, err := c.getToken(ctx)
	if err != nil {
		return 0, 0, err
	}

	var bodyReader io.Reader
	if spec.body != nil {
		bodyReader = bytes.NewReader(spec.body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, fullURL, bodyReader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if spec.contentType != "" {
		req.Header.Set("Content-Type", spec.contentType)
	} else if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("agentclient: transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, 0, fmt.Errorf("agentclient: read body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, 0, fmt.Errorf("agentclient: decode response: %w", err)
			}
		}
		return resp.StatusCode, 0, nil
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	statusErr := fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamPermanent, resp.StatusCode, truncate(data, 500))
	return resp.StatusCode, retryAfter, statusErr
}

func retryable(status int, err error) bool {
	if status == 0 {
		return true // transport failure
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (c *Client) observeOutcome(path string, status int, err error) {
	if c.met == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.met.Counter(metrics.WithLabels("slidejobs_agent_calls_total", "agent", path, "outcome", outcome),
		"total calls to the remote agent service").Inc()
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var data []byte
	var err error
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doRequest(ctx, requestSpec{method: http.MethodPost, path: path, body: data}, out)
}

func (c *Client) patchJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, requestSpec{method: http.MethodPatch, path: path, body: data}, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, requestSpec{method: http.MethodGet, path: path}, out)
}
