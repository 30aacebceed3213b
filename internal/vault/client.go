// Package vault provides an optional Vault KV v2 source for forwarder
// credentials. The environment remains the primary source; Vault only
// fills in settings the environment leaves empty.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// DefaultReadTimeout bounds a single secret read.
const DefaultReadTimeout = 10 * time.Second

// ErrSecretNotFound is returned when the secret path has no data.
var ErrSecretNotFound = errors.New("vault secret not found")

// Config holds Vault connection settings.
type Config struct {
	// Address is the Vault server address.
	Address string

	// Token is the Vault token used for authentication.
	Token string

	// Mount is the KV v2 mount point (e.g. "secret").
	Mount string

	// Path is the secret path under the mount.
	Path string

	// ReadTimeout bounds a single read. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration

	// Logger is the logger to use (optional).
	Logger observability.Logger
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("vault address is required")
	}
	if c.Token == "" {
		return errors.New("vault token is required")
	}
	if c.Mount == "" {
		return errors.New("vault mount is required")
	}
	if c.Path == "" {
		return errors.New("vault path is required")
	}
	return nil
}

// SecretSource reads a single KV v2 secret and serves lookups from it.
// The secret is fetched once and cached for the process lifetime;
// credential material for this service does not rotate mid-invocation.
type SecretSource struct {
	client      *vaultapi.Client
	mount       string
	path        string
	readTimeout time.Duration
	logger      observability.Logger

	mu     sync.Mutex
	loaded bool
	data   map[string]string
}

// NewSecretSource creates a SecretSource from the given config.
func NewSecretSource(cfg *Config) (*SecretSource, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &SecretSource{
		client:      client,
		mount:       cfg.Mount,
		path:        cfg.Path,
		readTimeout: readTimeout,
		logger:      logger,
	}, nil
}

// Load fetches the secret. It is called lazily by Lookup but may be
// called eagerly at startup to surface connectivity errors early.
func (s *SecretSource) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *SecretSource) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)
	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return fmt.Errorf("failed to read secret %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	// KV v2 wraps the payload in a "data" key.
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok || inner == nil {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	data := make(map[string]string, len(inner))
	for k, v := range inner {
		if str, ok := v.(string); ok {
			data[k] = str
		}
	}

	s.data = data
	s.loaded = true

	s.logger.Info("loaded credentials from vault",
		observability.String("path", fullPath),
		observability.Int("keys", len(data)),
	)

	return nil
}

// Lookup implements config.SecretSource. A load failure is logged and
// treated as a miss so that env-only deployments keep working.
func (s *SecretSource) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(context.Background()); err != nil {
			s.logger.Error("vault lookup failed", observability.Error(err))
			return "", false
		}
	}

	v, ok := s.data[key]
	return v, ok
}
