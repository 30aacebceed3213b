// Package forward sends event payloads to the AEP ingestion endpoint,
// retrying exactly once when the access token has expired.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thedatagata/aep-event-forwarder/internal/config"
	"github.com/thedatagata/aep-event-forwarder/internal/ims"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// maxAttempts bounds the send loop: the initial attempt plus the single
// permitted expired-token retry.
const maxAttempts = 2

// AEP request headers.
const (
	headerFlowID  = "x-adobe-flow-id"
	headerSandbox = "x-sandbox-name"
)

// responseTextField is the wrapper field used when a 2xx response body
// is not valid JSON.
const responseTextField = "responseText"

// Config holds configuration for the Forwarder.
type Config struct {
	// Credentials supplies the ingestion endpoint, flow id, and
	// sandbox name.
	Credentials *config.Credentials

	// Tokens supplies access tokens.
	Tokens ims.TokenSource

	// HTTPClient is the HTTP client to use (optional). By default the
	// ingestion POST carries no timeout of its own; the invocation's
	// outer bound applies. Supply a client with a Timeout for
	// defense-in-depth.
	HTTPClient *http.Client

	// Breaker configures an optional circuit breaker around ingestion
	// POSTs. Nil or disabled means every attempt goes to the network.
	Breaker *config.CircuitBreakerConfig

	// Logger is the logger to use (optional).
	Logger observability.Logger

	// Metrics is the metrics recorder (optional).
	Metrics *observability.Metrics

	// Tracer is the tracer to use (optional).
	Tracer *observability.Tracer
}

// Forwarder sends event payloads to AEP.
type Forwarder struct {
	endpoint   string
	flowID     string
	sandbox    string
	tokens     ims.TokenSource
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// NewForwarder creates a new Forwarder.
func NewForwarder(cfg *Config) (*Forwarder, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.Credentials.AEPEndpoint == "" {
		return nil, errors.New("ingestion endpoint is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
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
		tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: "forwarder"})
	}

	f := &Forwarder{
		endpoint:   cfg.Credentials.AEPEndpoint,
		flowID:     cfg.Credentials.FlowID,
		sandbox:    cfg.Credentials.SandboxName,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     tracer,
	}

	if cfg.Breaker != nil && cfg.Breaker.Enabled {
		f.breaker = newBreaker(cfg.Breaker, logger)
	}

	return f, nil
}

// newBreaker builds the ingestion circuit breaker.
func newBreaker(cfg *config.CircuitBreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	requests := safeIntToUint32(cfg.Requests)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aep-ingestion",
		MaxRequests: requests,
		Interval:    cfg.Timeout.Duration(),
		Timeout:     cfg.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= requests && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// recordAttempt records a single attempt outcome.
func (f *Forwarder) recordAttempt(result string) {
	if f.metrics != nil {
		f.metrics.RecordForwardAttempt(result)
	}
}

// attemptResult captures one ingestion attempt's outcome.
type attemptResult struct {
	status int
	body   []byte
}

// Forward sends an event to the ingestion endpoint. On a 401 carrying
// the token-expired signature it force-refreshes the token and retries
// exactly once; the retry's outcome is final. On 2xx it returns the
// response body parsed as JSON, or a {"responseText": ...} wrapper when
// the body is not valid JSON.
func (f *Forwarder) Forward(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
	ctx, span := f.tracer.StartSpan(ctx, "forward.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", f.endpoint)),
	)
	defer span.End()

	var result *attemptResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, err := f.tokens.Token(ctx, attempt > 0)
		if err != nil {
			span.SetAttributes(attribute.Bool("error", true))
			return nil, err
		}

		result, err = f.send(ctx, event, token)
		if err != nil {
			span.SetAttributes(attribute.Bool("error", true))
			f.recordAttempt("transport_error")
			return nil, err
		}

		if result.status >= 200 && result.status < 300 {
			f.recordAttempt("success")
			span.SetAttributes(attribute.Int("http.response.status_code", result.status))
			f.logger.Info("event forwarded to AEP",
				observability.Int("status", result.status),
				observability.Int("attempt", attempt),
			)
			return parseIngestionResponse(result.body), nil
		}

		// Only the first attempt may be retried, and only for the
		// documented expired-token signature.
		if attempt == 0 && isTokenExpired(result.status, result.body) {
			f.recordAttempt("token_expired")
			if f.metrics != nil {
				f.metrics.RecordForwardRetry()
			}
			span.AddEvent("token_expired_retry")
			f.logger.Info("access token expired, refreshing and retrying")
			continue
		}

		break
	}

	f.recordAttempt("ingestion_error")
	span.SetAttributes(
		attribute.Bool("error", true),
		attribute.Int("http.response.status_code", result.status),
	)
	f.logger.Error("ingestion request failed",
		observability.Int("status", result.status),
		observability.String("body", string(result.body)),
	)

	return nil, &IngestionError{
		StatusCode: result.status,
		Body:       string(result.body),
	}
}

// send performs a single ingestion POST, optionally through the circuit
// breaker. Non-2xx statuses are returned as results, not errors: the
// retry decision belongs to Forward.
func (f *Forwarder) send(ctx context.Context, event json.RawMessage, token string) (*attemptResult, error) {
	if f.breaker == nil {
		return f.post(ctx, event, token)
	}

	res, err := f.breaker.Execute(func() (interface{}, error) {
		r, err := f.post(ctx, event, token)
		if err != nil {
			return nil, err
		}
		// Trip the breaker on 5xx only: 4xx is a caller problem, not
		// downstream unhealthiness.
		if r.status >= 500 {
			return r, fmt.Errorf("server error: status %d", r.status)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.logger.Warn("circuit breaker rejected ingestion request")
			return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
		}
		if r, ok := res.(*attemptResult); ok {
			// 5xx result: surface to the normal status handling path.
			return r, nil
		}
		return nil, err
	}

	return res.(*attemptResult), nil
}

// post performs the HTTP POST to the ingestion endpoint.
func (f *Forwarder) post(ctx context.Context, event json.RawMessage, token string) (*attemptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(event))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerFlowID, f.flowID)
	req.Header.Set(headerSandbox, f.sandbox)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingestion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("failed to read ingestion response: %w", err)
	}

	f.logger.Debug("ingestion POST completed",
		observability.Int("status", resp.StatusCode),
		observability.Duration("duration", time.Since(start)),
	)

	return &attemptResult{status: resp.StatusCode, body: body}, nil
}

// parseIngestionResponse returns the body as-is when it is valid JSON,
// or wraps the raw text otherwise.
func parseIngestionResponse(body []byte) json.RawMessage {
	if json.Valid(body) && len(bytes.TrimSpace(body)) > 0 {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(map[string]string{responseTextField: string(body)})
	return json.RawMessage(wrapped)
}
