package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/config"
	"github.com/eagraf/habitat-runtime/internal/infrastructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEnvironment = `
machines:
  dev:
    image: golang:1.22
    servers:
      api:
        port: 8080
`

func newTestDaemon(t *testing.T) *Daemon {
	dir := t.TempDir()
	t.Setenv("HABITAT_RUNTIME_PATH", dir)

	yml := `
channel:
  listen_address: 127.0.0.1:0
docker:
  enabled: false
drain_timeout: 5s
autostart:
  - workspace_id: ws1
    owner_id: u1
    env_name: dev
    infrastructure: noop
    file: dev.yml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runtime.yml"), []byte(yml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.yml"), []byte(testEnvironment), 0o600))

	cfg, err := config.NewRuntimeConfig()
	require.NoError(t, err)

	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDaemonWithoutDocker(t *testing.T) {
	d := newTestDaemon(t)
	assert.Equal(t, []string{infrastructure.TypeNoop}, d.Manager().Types())

	_, err := d.Manager().Get(infrastructure.TypeDocker)
	assert.ErrorIs(t, err, infrastructure.ErrInfrastructureNotFound)
}

func TestPrepareFile(t *testing.T) {
	d := newTestDaemon(t)
	id := runtime.NewIdentity("ws2", "u1", "dev", "")

	rc, err := d.PrepareFile(context.Background(), infrastructure.TypeNoop, filepath.Join(d.config.RuntimePath(), "dev.yml"), id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusRunning, rc.Runtime().Status())
	assert.Contains(t, rc.Environment().Machines, "dev")

	_, err = rc.OutputChannel()
	assert.ErrorIs(t, err, runtime.ErrUnsupported)

	_, err = d.PrepareFile(context.Background(), infrastructure.TypeNoop, filepath.Join(d.config.RuntimePath(), "missing.yml"), id)
	assert.Error(t, err)
}

func TestRunAutostartsAndDrains(t *testing.T) {
	d := newTestDaemon(t)
	id := runtime.NewIdentity("ws1", "u1", "dev", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, ok := d.Manager().Context(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	rc, _ := d.Manager().Context(id)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	assert.Equal(t, runtime.StatusStopped, rc.Runtime().Status())
	assert.Empty(t, d.Registry().List())
}
