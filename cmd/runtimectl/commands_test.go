package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/docker"
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
        protocol: http
`

func writeEnvironment(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "env.yml")
	require.NoError(t, os.WriteFile(path, []byte(testEnvironment), 0o600))
	return path
}

func TestProvision(t *testing.T) {
	desired, err := readEnvironment(writeEnvironment(t), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	id := runtime.NewIdentity("ws1", "u1", "dev", "")
	require.NoError(t, provision(context.Background(), &buf, desired, id, 40000, 40010))

	var backend docker.Environment
	require.NoError(t, json.Unmarshal(buf.Bytes(), &backend))
	assert.Equal(t, docker.NetworkName(id), backend.Network)
	require.Contains(t, backend.Containers, "dev")
	assert.Equal(t, "40000", backend.Containers["dev"].Labels["habitat.server.api.hostport"])
	assert.Equal(t, "ws1", backend.Containers["dev"].Env["HABITAT_WORKSPACE_ID"])
}

func TestProvisionRejectsInvalidIdentity(t *testing.T) {
	desired, err := readEnvironment(writeEnvironment(t), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	err = provision(context.Background(), &buf, desired, runtime.Identity{EnvName: "dev"}, 40000, 40010)
	assert.True(t, runtime.IsValidationError(err))
	assert.Zero(t, buf.Len())
}

func TestReadEnvironmentWithOverrides(t *testing.T) {
	overrides := filepath.Join(t.TempDir(), "overrides.json")
	patch := `[{"op": "replace", "path": "/machines/dev/image", "value": "golang:1.23"}]`
	require.NoError(t, os.WriteFile(overrides, []byte(patch), 0o600))

	desired, err := readEnvironment(writeEnvironment(t), overrides)
	require.NoError(t, err)
	assert.Equal(t, "golang:1.23", desired.Machines["dev"].Image)
}
