package environment

import (
	"testing"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devEnvironment = `
machines:
  dev:
    image: golang:1.22
    command: ["sleep", "infinity"]
    servers:
      http:
        port: 8080
        protocol: http
        path: /api
        attributes:
          internal: false
      debug:
        port: 5005/tcp
    volumes:
      projects:
        path: /projects
    env:
      GOFLAGS: -mod=mod
      WORKERS: 4
  db:
    recipe: postgres:16
    servers:
      pg:
        port: "5432"
`

func TestParse(t *testing.T) {
	env, err := Parse([]byte(devEnvironment))
	require.NoError(t, err)

	require.Len(t, env.Machines, 2)
	assert.Equal(t, []string{"db", "dev"}, env.MachineNames())

	dev := env.Machines["dev"]
	assert.Equal(t, "golang:1.22", dev.ImageRef())
	assert.Equal(t, []string{"sleep", "infinity"}, dev.Command)
	assert.Equal(t, runtime.ServerConfig{
		Port:       "8080",
		Protocol:   "http",
		Path:       "/api",
		Attributes: map[string]string{"internal": "false"},
	}, dev.Servers["http"])
	assert.Equal(t, "5005/tcp", dev.Servers["debug"].Port)
	assert.Equal(t, "/projects", dev.Volumes["projects"].Path)
	assert.Equal(t, map[string]string{"GOFLAGS": "-mod=mod", "WORKERS": "4"}, dev.Env)

	assert.Equal(t, "postgres:16", env.Machines["db"].ImageRef())
}

func TestParseInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not yaml":       "machines: [",
		"no machines":    "machines: {}",
		"missing key":    "other: true",
		"no image":       "machines:\n  dev:\n    command: [sh]\n",
		"bad port":       "machines:\n  dev:\n    image: x\n    servers:\n      http:\n        port: eighty\n",
		"missing port":   "machines:\n  dev:\n    image: x\n    servers:\n      http:\n        protocol: http\n",
		"volume no path": "machines:\n  dev:\n    image: x\n    volumes:\n      data: {}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, runtime.IsValidationError(err), err.Error())
		})
	}
}

func TestParseWithOverrides(t *testing.T) {
	overrides := []byte(`[
		{"op": "replace", "path": "/machines/dev/image", "value": "golang:1.23"},
		{"op": "remove", "path": "/machines/db"}
	]`)

	env, err := ParseWithOverrides([]byte(devEnvironment), overrides)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, env.MachineNames())
	assert.Equal(t, "golang:1.23", env.Machines["dev"].Image)

	_, err = ParseWithOverrides([]byte(devEnvironment), []byte(`[{"op": "remove", "path": "/machines/nope"}]`))
	assert.True(t, runtime.IsValidationError(err))

	_, err = ParseWithOverrides([]byte(devEnvironment), []byte(`{"not": "a patch"}`))
	assert.True(t, runtime.IsValidationError(err))
}
