package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{
		ServiceName: "test-service",
		Enabled:     false,
	})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	// Spans are no-ops but still usable.
	ctx, span := tracer.StartSpan(context.Background(), "test-span")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "test-service",
		SamplingRate: 1.0,
		Enabled:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	ctx, span := tracer.StartSpan(context.Background(), "test-span")
	assert.NotNil(t, span)
	assert.Equal(t, span, SpanFromContext(ctx))
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate float64
		want sdktrace.Sampler
	}{
		{
			name: "rate 1.0 always samples",
			rate: 1.0,
			want: sdktrace.AlwaysSample(),
		},
		{
			name: "rate above 1.0 always samples",
			rate: 2.0,
			want: sdktrace.AlwaysSample(),
		},
		{
			name: "rate 0 never samples",
			rate: 0,
			want: sdktrace.NeverSample(),
		},
		{
			name: "negative rate never samples",
			rate: -0.5,
			want: sdktrace.NeverSample(),
		},
		{
			name: "fractional rate is ratio based",
			rate: 0.25,
			want: sdktrace.TraceIDRatioBased(0.25),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := createSampler(tt.rate)
			assert.Equal(t, tt.want.Description(), got.Description())
		})
	}
}
