// Package ims provides the Adobe IMS OAuth2 client-credentials flow
// with an in-process access token cache.
package ims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thedatagata/aep-event-forwarder/internal/config"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// Common errors for the IMS client.
var (
	ErrTokenRequestFailed = errors.New("token request failed")
	ErrInvalidResponse    = errors.New("invalid token response")
)

// Token lifecycle constants.
const (
	// IssueTimeout bounds a single token request to IMS.
	IssueTimeout = 10 * time.Second

	// ExpiryBuffer is the safety margin before the stated expiry within
	// which a cached token is never considered valid. It covers clock
	// skew and in-flight request latency.
	ExpiryBuffer = 5 * time.Minute

	// DefaultExpiresIn is assumed when the token response omits
	// expires_in.
	DefaultExpiresIn = 86400
)

// tokenResponse is the wire format of an IMS token response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   *int64 `json:"expires_in"`
}

// cachedToken is the process-wide token state. The token and expiry are
// always written together under the client mutex, so readers never see
// a torn pair.
type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// usable reports whether the cached token is still valid at now, with
// the expiry buffer applied.
func (t *cachedToken) usable(now time.Time) bool {
	return t != nil && now.Before(t.expiresAt.Add(-ExpiryBuffer))
}

// Config holds configuration for the IMS client.
type Config struct {
	// Credentials supplies the token endpoint, client id/secret, and
	// scopes.
	Credentials *config.Credentials

	// HTTPClient is the HTTP client to use (optional). A timeout-free
	// client is fine: every issue request carries its own context
	// deadline.
	HTTPClient *http.Client

	// Logger is the logger to use (optional).
	Logger observability.Logger

	// Metrics is the metrics recorder (optional).
	Metrics *observability.Metrics

	// Tracer is the tracer to use (optional).
	Tracer *observability.Tracer

	// now overrides the clock, for tests.
	now func() time.Time
}

// Client issues and caches IMS access tokens. It is safe for
// concurrent use: the read-check-refresh-write sequence on the cache is
// a critical section guarded by the client mutex.
type Client struct {
	creds      *config.Credentials
	httpClient *http.Client
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time

	mu    sync.RWMutex
	token *cachedToken
}

// NewClient creates a new IMS client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.Credentials.IMSEndpoint == "" {
		return nil, errors.New("IMS endpoint is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: "ims"})
	}

	now := cfg.now
	if now == nil {
		now = time.Now
	}

	return &Client{
		creds:      cfg.Credentials,
		httpClient: httpClient,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		now:        now,
	}, nil
}

// Token returns a valid access token. With forceRefresh false a cached
// token is returned as long as it is more than ExpiryBuffer away from
// expiry; otherwise a fresh token is issued and the cache overwritten.
// forceRefresh true always issues, regardless of cache state.
func (c *Client) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()

		if token.usable(c.now()) {
			if c.metrics != nil {
				c.metrics.RecordTokenCacheHit()
			}
			c.logger.Debug("using cached access token")
			return token.accessToken, nil
		}
	}

	if c.metrics != nil {
		c.metrics.RecordTokenCacheMiss()
	}

	// Serialize refreshes so concurrent invocations cannot clobber
	// each other's freshly issued token with a stale one.
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another invocation may have refreshed while we waited for the
	// lock; a forced refresh always proceeds.
	if !forceRefresh && c.token.usable(c.now()) {
		return c.token.accessToken, nil
	}

	accessToken, expiresIn, err := c.issue(ctx)
	if err != nil {
		return "", err
	}

	c.token = &cachedToken{
		accessToken: accessToken,
		expiresAt:   c.now().Add(time.Duration(expiresIn) * time.Second),
	}

	return accessToken, nil
}

// Invalidate drops the cached token. The next Token call will issue.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// issue performs the client-credentials exchange against IMS.
func (c *Client) issue(ctx context.Context) (accessToken string, expiresIn int64, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "ims.issue",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", c.creds.IMSEndpoint)),
	)
	defer span.End()

	start := c.now()
	result := "success"

	defer func() {
		if result != "success" {
			span.SetAttributes(attribute.Bool("error", true))
		}
		if c.metrics != nil {
			c.metrics.RecordTokenIssue(result, c.now().Sub(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, IssueTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.creds.ClientID)
	data.Set("client_secret", c.creds.ClientSecret)
	data.Set("scope", c.creds.Scopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.IMSEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		result = "request_error"
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Info("requesting new access token from IMS")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result = "network_error"
		return "", 0, fmt.Errorf("%w: %w", ErrTokenRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024)) // 1MB limit
	if err != nil {
		result = "read_error"
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result = "token_error"
		c.logger.Error("token request failed",
			observability.Int("status", resp.StatusCode),
			observability.String("body", string(body)),
		)
		return "", 0, fmt.Errorf("%w: status %d", ErrTokenRequestFailed, resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		result = "parse_error"
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if tokenResp.AccessToken == "" {
		result = "parse_error"
		return "", 0, fmt.Errorf("%w: missing access_token", ErrInvalidResponse)
	}

	expiresIn = DefaultExpiresIn
	if tokenResp.ExpiresIn != nil {
		expiresIn = *tokenResp.ExpiresIn
	}

	c.logger.Info("issued new access token",
		observability.Int64("expires_in", expiresIn),
	)

	return tokenResp.AccessToken, expiresIn, nil
}

// TokenSource provides access tokens to the forwarder.
type TokenSource interface {
	// Token returns a valid access token, issuing a new one when
	// forceRefresh is set or the cached token is near expiry.
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

var _ TokenSource = (*Client)(nil)

// StaticTokenSource returns a fixed token, for tests and tooling.
type StaticTokenSource struct {
	AccessToken string
}

// Token implements TokenSource.
func (s *StaticTokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return s.AccessToken, nil
}
