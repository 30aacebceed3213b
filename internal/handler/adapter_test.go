package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thedatagata/aep-event-forwarder/internal/forward"
	"github.com/thedatagata/aep-event-forwarder/internal/ims"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// fakeForwarder records the events it receives and returns a canned
// response or error.
type fakeForwarder struct {
	events   []json.RawMessage
	response json.RawMessage
	err      error
}

func (f *fakeForwarder) Forward(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
	f.events = append(f.events, event)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// failingTokenSource always fails.
type failingTokenSource struct {
	err error
}

func (s *failingTokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return "", s.err
}

func newTestAdapter(t *testing.T, tokens ims.TokenSource, fwd EventForwarder) *Adapter {
	t.Helper()
	a, err := NewAdapter(tokens, fwd, observability.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return a
}

func TestNewAdapter(t *testing.T) {
	tokens := &ims.StaticTokenSource{AccessToken: "t"}
	fwd := &fakeForwarder{}

	t.Run("missing token source", func(t *testing.T) {
		a, err := NewAdapter(nil, fwd, nil)
		require.Error(t, err)
		assert.Nil(t, a)
	})

	t.Run("missing forwarder", func(t *testing.T) {
		a, err := NewAdapter(tokens, nil, nil)
		require.Error(t, err)
		assert.Nil(t, a)
	})

	t.Run("nil logger is allowed", func(t *testing.T) {
		a, err := NewAdapter(tokens, fwd, nil)
		require.NoError(t, err)
		assert.NotNil(t, a)
	})
}

func TestAdapter_Handle_Success(t *testing.T) {
	fwd := &fakeForwarder{response: json.RawMessage(`{"inletId":"abc"}`)}
	a := newTestAdapter(t, &ims.StaticTokenSource{AccessToken: "t"}, fwd)

	resp := a.Handle(context.Background(), []byte(`{"k":"v"}`))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t,
		`{"message":"Event successfully forwarded to AEP","aepResponse":{"inletId":"abc"}}`,
		string(resp.Body))

	require.Len(t, fwd.events, 1)
	assert.Equal(t, json.RawMessage(`{"k":"v"}`), fwd.events[0])
}

func TestAdapter_Handle_InvalidJSON(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "malformed payload", payload: `{not json`},
		{name: "empty payload", payload: ``},
		{name: "envelope body is a non-JSON string", payload: `{"body":"not valid json"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{response: json.RawMessage(`{}`)}
			a := newTestAdapter(t, &ims.StaticTokenSource{AccessToken: "t"}, fwd)

			resp := a.Handle(context.Background(), []byte(tt.payload))

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.JSONEq(t, `{"message":"Invalid JSON in request body"}`, string(resp.Body))

			// Rejected before any downstream call.
			assert.Empty(t, fwd.events)
		})
	}
}

func TestAdapter_Handle_AuthFailure(t *testing.T) {
	fwd := &fakeForwarder{response: json.RawMessage(`{}`)}
	a := newTestAdapter(t, &failingTokenSource{err: ims.ErrTokenRequestFailed}, fwd)

	resp := a.Handle(context.Background(), []byte(`{"k":"v"}`))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Failed to authenticate with Adobe API"}`, string(resp.Body))
	assert.Empty(t, fwd.events)
}

func TestAdapter_Handle_ForwardFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "ingestion error",
			err:  &forward.IngestionError{StatusCode: 503, Body: "unavailable"},
		},
		{
			name: "breaker open",
			err:  forward.ErrBreakerOpen,
		},
		{
			name: "transport error",
			err:  errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{err: tt.err}
			a := newTestAdapter(t, &ims.StaticTokenSource{AccessToken: "t"}, fwd)

			resp := a.Handle(context.Background(), []byte(`{"k":"v"}`))

			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.JSONEq(t,
				`{"message":"Failed to send event to Adobe Experience Platform"}`,
				string(resp.Body))
		})
	}
}

func TestUnwrapEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantOK  bool
	}{
		{
			name:    "plain event",
			payload: `{"header":{"datasetId":"ds"},"body":{"k":"v"}}`,
			want:    `{"header":{"datasetId":"ds"},"body":{"k":"v"}}`,
			wantOK:  true,
		},
		{
			name:    "envelope with string body",
			payload: `{"body":"{\"k\":\"v\"}"}`,
			want:    `{"k":"v"}`,
			wantOK:  true,
		},
		{
			name:    "envelope with object body",
			payload: `{"body":{"k":"v"}}`,
			want:    `{"k":"v"}`,
			wantOK:  true,
		},
		{
			name:    "envelope with empty string body",
			payload: `{"body":""}`,
			want:    `{"body":""}`,
			wantOK:  true,
		},
		{
			name:    "envelope with null body",
			payload: `{"body":null}`,
			want:    `{"body":null}`,
			wantOK:  true,
		},
		{
			name:    "no body field",
			payload: `{"event":"signup"}`,
			want:    `{"event":"signup"}`,
			wantOK:  true,
		},
		{
			name:    "envelope with non-JSON string body",
			payload: `{"body":"hello world"}`,
			wantOK:  false,
		},
		{
			name:    "malformed payload",
			payload: `{broken`,
			wantOK:  false,
		},
		{
			name:    "array payload passes through",
			payload: `[{"k":"v"}]`,
			want:    `[{"k":"v"}]`,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := unwrapEvent([]byte(tt.payload))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, string(got))
			}
		})
	}
}
