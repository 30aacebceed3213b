// Package handler adapts inbound invocations to the forwarder and maps
// outcomes to HTTP-style responses.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/thedatagata/aep-event-forwarder/internal/ims"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// Response messages returned to callers.
const (
	msgInvalidBody   = "Invalid JSON in request body"
	msgAuthFailed    = "Failed to authenticate with Adobe API"
	msgForwardFailed = "Failed to send event to Adobe Experience Platform"
	msgForwarded     = "Event successfully forwarded to AEP"
)

// EventForwarder sends an event downstream. Implemented by
// *forward.Forwarder.
type EventForwarder interface {
	Forward(ctx context.Context, event json.RawMessage) (json.RawMessage, error)
}

// Response is a trigger-style invocation result.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// envelope is the API-gateway-style wrapper an inbound payload may
// arrive in. Body is either a JSON-encoded string or a nested object.
type envelope struct {
	Body *json.RawMessage `json:"body"`
}

// Adapter unwraps inbound payloads, drives the forwarder, and maps
// outcomes to response codes.
type Adapter struct {
	tokens    ims.TokenSource
	forwarder EventForwarder
	logger    observability.Logger
}

// NewAdapter creates a new Adapter.
func NewAdapter(tokens ims.TokenSource, forwarder EventForwarder, logger observability.Logger) (*Adapter, error) {
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if forwarder == nil {
		return nil, errors.New("forwarder is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Adapter{
		tokens:    tokens,
		forwarder: forwarder,
		logger:    logger,
	}, nil
}

// Handle processes one inbound invocation. The payload is either a
// plain JSON event or an envelope with a body field; malformed JSON is
// rejected with 400 before any network call. Token acquisition failures
// map to 500, forward failures to 502.
func (a *Adapter) Handle(ctx context.Context, payload []byte) Response {
	logger := a.logger.WithContext(ctx)
	logger.Info("received event")

	event, ok := unwrapEvent(payload)
	if !ok {
		logger.Error("could not parse event body as JSON")
		return messageResponse(http.StatusBadRequest, msgInvalidBody)
	}

	// Acquire the token up front so an unreachable identity provider
	// surfaces as an auth failure rather than a forwarding one. The
	// forwarder's own acquisition then hits the cache.
	if _, err := a.tokens.Token(ctx, false); err != nil {
		logger.Error("failed to get access token", observability.Error(err))
		return messageResponse(http.StatusInternalServerError, msgAuthFailed)
	}

	aepResponse, err := a.forwarder.Forward(ctx, event)
	if err != nil {
		logger.Error("failed to send event to AEP", observability.Error(err))
		return messageResponse(http.StatusBadGateway, msgForwardFailed)
	}

	body, err := json.Marshal(struct {
		Message     string          `json:"message"`
		AEPResponse json.RawMessage `json:"aepResponse"`
	}{
		Message:     msgForwarded,
		AEPResponse: aepResponse,
	})
	if err != nil {
		logger.Error("failed to encode response", observability.Error(err))
		return messageResponse(http.StatusInternalServerError, "Error processing event")
	}

	return Response{StatusCode: http.StatusOK, Body: body}
}

// unwrapEvent extracts the event from the inbound payload. An envelope
// body that is a string must itself parse as JSON; an object body is
// used directly; an empty or null body leaves the payload untouched.
func unwrapEvent(payload []byte) (json.RawMessage, bool) {
	if !json.Valid(payload) {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Body == nil {
		// Not an envelope: the payload is the event.
		return json.RawMessage(payload), true
	}

	raw := *env.Body

	var bodyStr string
	if err := json.Unmarshal(raw, &bodyStr); err == nil {
		if bodyStr == "" {
			return json.RawMessage(payload), true
		}
		if !json.Valid([]byte(bodyStr)) {
			return nil, false
		}
		return json.RawMessage(bodyStr), true
	}

	// Null body: keep the payload as-is.
	if string(raw) == "null" {
		return json.RawMessage(payload), true
	}

	// Object (or other JSON) body: use it directly.
	return raw, true
}

// messageResponse builds a JSON body with a message field.
func messageResponse(status int, message string) Response {
	body, _ := json.Marshal(map[string]string{"message": message})
	return Response{StatusCode: status, Body: body}
}
