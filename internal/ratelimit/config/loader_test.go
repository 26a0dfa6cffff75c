package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initialYAML = `
default:
  requests: 100
  window: 15m
classes:
  - name: upload
    prefixes: [/api/uploads]
    requests: 10
    window: 1h
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoader(t *testing.T) {
	t.Run("empty path serves defaults", func(t *testing.T) {
		l, err := NewLoader("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), l.Config())

		stop, err := l.Watch()
		require.NoError(t, err)
		stop()
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("reload replaces config and notifies", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ratelimit.yaml")
		writeConfig(t, path, initialYAML)

		l, err := NewLoader(path)
		require.NoError(t, err)
		assert.Equal(t, 10, l.Config().Resolve("/api/uploads").Requests)

		var notified *Config
		l.OnChange(func(c *Config) { notified = c })

		writeConfig(t, path, `
classes:
  - name: upload
    prefixes: [/api/uploads]
    requests: 2
    window: 1h
`)
		cfg, err := l.Reload()
		require.NoError(t, err)
		assert.Same(t, cfg, notified)
		assert.Equal(t, 2, l.Config().Resolve("/api/uploads").Requests)
	})

	t.Run("invalid reload keeps previous config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ratelimit.yaml")
		writeConfig(t, path, initialYAML)

		l, err := NewLoader(path)
		require.NoError(t, err)
		before := l.Config()

		writeConfig(t, path, "default: {requests: 0, window: 1m}")
		_, err = l.Reload()
		require.Error(t, err)
		assert.Same(t, before, l.Config())
	})
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.yaml")
	writeConfig(t, path, initialYAML)

	l, err := NewLoader(path)
	require.NoError(t, err)

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeConfig(t, path, "default: {requests: 0, window: 1m}")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 100, l.Config().Default.Requests, "invalid edit is ignored")

	writeConfig(t, path, `
default:
  requests: 7
  window: 1m
`)
	assert.Eventually(t, func() bool {
		return l.Config().Default.Requests == 7
	}, 2*time.Second, 20*time.Millisecond)
}
