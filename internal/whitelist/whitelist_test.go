package whitelist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sample = `
services:
  - nginx.service
  - " app.service "
logs_units:
  - nginx.service
deploy:
  allowed_targets:
    - /srv/app
  service_to_restart: app.service
`

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	write(t, path, sample)

	s, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, []string{"app.service", "nginx.service"}, s.Services())
	assert.True(t, s.AllowService("app.service"))
	assert.False(t, s.AllowService("ssh.service"))

	assert.True(t, s.AllowLogUnit("nginx.service"))
	assert.True(t, s.AllowLogUnit(""))
	assert.False(t, s.AllowLogUnit("app.service"))

	assert.True(t, s.AllowDeployTarget("/srv/app/"))
	assert.True(t, s.AllowDeployTarget("/srv/app/../app"))
	assert.False(t, s.AllowDeployTarget("/srv"))
	assert.Equal(t, "app.service", s.RestartService())
}

func TestMissingFileAllowsAll(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Empty(t, s.Services())
	assert.True(t, s.AllowService("anything.service"))
	assert.True(t, s.AllowLogUnit("anything.service"))
	assert.False(t, s.AllowDeployTarget("/srv/app"))
	assert.Empty(t, s.RestartService())
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	write(t, path, "services: [unclosed")

	_, err := Load(path, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	write(t, path, "services: [a.service]\n")

	s, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	write(t, path, "services: [b.service]\n")

	assert.Eventually(t, func() bool {
		return s.AllowService("b.service") && !s.AllowService("a.service")
	}, 5*time.Second, 20*time.Millisecond)
}
