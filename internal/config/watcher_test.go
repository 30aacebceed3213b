package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file, creating or replacing it.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfig(t, path, `listen: ":8080"`)

	var mu sync.Mutex
	var reloaded []*ServerConfig

	watcher, err := NewWatcher(path,
		func(cfg *ServerConfig) {
			mu.Lock()
			reloaded = append(reloaded, cfg)
			mu.Unlock()
		},
		WithDebounceDelay(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, watcher.Start(ctx))
	defer func() { _ = watcher.Stop() }()

	initial := watcher.GetLastConfig()
	require.NotNil(t, initial)
	assert.Equal(t, ":8080", initial.Listen)

	writeConfig(t, path, `listen: ":9090"`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := reloaded[len(reloaded)-1]
	mu.Unlock()
	assert.Equal(t, ":9090", last.Listen)
	assert.Equal(t, ":9090", watcher.GetLastConfig().Listen)
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfig(t, path, `listen: ":8080"`)

	var mu sync.Mutex
	var errs []error

	watcher, err := NewWatcher(path, nil,
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	writeConfig(t, path, "listen: [:broken")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, ":8080", watcher.GetLastConfig().Listen)
}

func TestWatcher_StartFailsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfig(t, path, "listen: [:broken")

	watcher, err := NewWatcher(path, nil)
	require.NoError(t, err)

	err = watcher.Start(context.Background())
	require.Error(t, err)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfig(t, path, `listen: ":8080"`)

	watcher, err := NewWatcher(path, nil)
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	require.NoError(t, watcher.Stop())
	require.NoError(t, watcher.Stop())
}
