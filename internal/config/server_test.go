package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.CircuitBreaker.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Zero(t, cfg.ForwardTimeout.Duration())
}

func TestLoadServerConfigFromReader(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		expectError bool
		validate    func(t *testing.T, cfg *ServerConfig)
	}{
		{
			name: "full config",
			yaml: `
listen: ":9090"
shutdownTimeout: "30s"
log:
  level: debug
  format: console
rateLimit:
  enabled: true
  rps: 50
  burst: 100
  perClient: true
circuitBreaker:
  enabled: true
  requests: 10
  timeout: "1m"
tracing:
  enabled: true
  otlpEndpoint: "collector:4317"
  samplingRate: 0.5
forwardTimeout: "25s"
`,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, ":9090", cfg.Listen)
				assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout.Duration())
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.True(t, cfg.RateLimit.Enabled)
				assert.Equal(t, 50, cfg.RateLimit.RPS)
				assert.True(t, cfg.RateLimit.PerClient)
				assert.True(t, cfg.CircuitBreaker.Enabled)
				assert.Equal(t, 10, cfg.CircuitBreaker.Requests)
				assert.Equal(t, time.Minute, cfg.CircuitBreaker.Timeout.Duration())
				assert.True(t, cfg.Tracing.Enabled)
				assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
				assert.Equal(t, 0.5, cfg.Tracing.SamplingRate)
				assert.Equal(t, 25*time.Second, cfg.ForwardTimeout.Duration())
			},
		},
		{
			name: "partial config keeps defaults",
			yaml: `listen: ":9999"`,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, ":9999", cfg.Listen)
				assert.Equal(t, "info", cfg.Log.Level)
				assert.False(t, cfg.RateLimit.Enabled)
			},
		},
		{
			name:        "invalid yaml",
			yaml:        "listen: [:bad",
			expectError: true,
		},
		{
			name: "rate limit enabled without rps",
			yaml: `
rateLimit:
  enabled: true
  rps: 0
`,
			expectError: true,
		},
		{
			name: "rate limit burst defaults to rps",
			yaml: `
rateLimit:
  enabled: true
  rps: 25
  burst: 0
`,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, 25, cfg.RateLimit.Burst)
			},
		},
		{
			name: "sampling rate out of range",
			yaml: `
tracing:
  samplingRate: 2.0
`,
			expectError: true,
		},
		{
			name: "breaker defaults applied when enabled",
			yaml: `
circuitBreaker:
  enabled: true
  requests: 0
  timeout: ""
`,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, DefaultBreakerRequests, cfg.CircuitBreaker.Requests)
				assert.Equal(t, DefaultBreakerTimeout, cfg.CircuitBreaker.Timeout.Duration())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerConfigFromReader(strings.NewReader(tt.yaml))

			if tt.expectError {
				require.Error(t, err)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadServerConfig_File(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadServerConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultServerConfig(), cfg)
	})

	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultServerConfig(), cfg)
	})

	t.Run("existing file is loaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "server.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`listen: ":7070"`), 0o600))

		cfg, err := LoadServerConfig(path)
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Listen)
	})
}

func TestDuration_Marshaling(t *testing.T) {
	t.Run("yaml round trip", func(t *testing.T) {
		d := Duration(90 * time.Second)
		out, err := d.MarshalYAML()
		require.NoError(t, err)
		assert.Equal(t, "1m30s", out)
	})

	t.Run("json round trip", func(t *testing.T) {
		d := Duration(5 * time.Minute)
		out, err := d.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `"5m0s"`, string(out))

		var parsed Duration
		require.NoError(t, parsed.UnmarshalJSON(out))
		assert.Equal(t, d, parsed)
	})

	t.Run("json null is zero", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.UnmarshalJSON([]byte("null")))
		assert.Zero(t, d.Duration())
	})

	t.Run("invalid duration errors", func(t *testing.T) {
		var d Duration
		require.Error(t, d.UnmarshalJSON([]byte(`"not-a-duration"`)))
	})
}
