package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configuration defaults.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultRateLimitRPS    = 100
	DefaultRateLimitBurst  = 200
	DefaultBreakerTimeout  = 30 * time.Second
	DefaultBreakerRequests = 5
)

// ServerConfig holds the HTTP surface and resilience settings. All of
// it is optional: a zero-value config with defaults applied is a
// working single-instance setup.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// RateLimit configures inbound request rate limiting.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// CircuitBreaker configures the ingestion circuit breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// ForwardTimeout, when non-zero, is a defensive timeout applied to
	// ingestion POSTs. Zero means only the outer invocation bound
	// applies.
	ForwardTimeout Duration `yaml:"forwardTimeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig configures the inbound rate limiter.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	RPS       int  `yaml:"rps"`
	Burst     int  `yaml:"burst"`
	PerClient bool `yaml:"perClient"`
}

// CircuitBreakerConfig configures the ingestion circuit breaker.
type CircuitBreakerConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Requests int      `yaml:"requests"`
	Timeout  Duration `yaml:"timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// DefaultServerConfig returns a ServerConfig with defaults applied.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:          DefaultListenAddr,
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     DefaultRateLimitRPS,
			Burst:   DefaultRateLimitBurst,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:  false,
			Requests: DefaultBreakerRequests,
			Timeout:  Duration(DefaultBreakerTimeout),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			SamplingRate: 1.0,
		},
	}
}

// LoadServerConfig loads a ServerConfig from a YAML file, applying
// defaults for anything left unset. A missing file is not an error: the
// defaults are returned so the forwarder runs without any config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	if path == "" {
		return DefaultServerConfig(), nil
	}

	f, err := os.Open(path) //nolint:gosec // operator-provided path
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultServerConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	return LoadServerConfigFromReader(f)
}

// LoadServerConfigFromReader loads a ServerConfig from an io.Reader.
func LoadServerConfigFromReader(r io.Reader) (*ServerConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config for values that cannot be defaulted away.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			return fmt.Errorf("rateLimit.rps must be positive, got %d", c.RateLimit.RPS)
		}
		if c.RateLimit.Burst <= 0 {
			c.RateLimit.Burst = c.RateLimit.RPS
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.Requests <= 0 {
			c.CircuitBreaker.Requests = DefaultBreakerRequests
		}
		if c.CircuitBreaker.Timeout <= 0 {
			c.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.samplingRate must be in [0, 1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}
