package store

import (
	"path/filepath"
	"testing"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "runtimes.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStoreSaveGet(t *testing.T) {
	s := openTestStore(t)
	id := runtime.NewIdentity("ws1", "u1", "dev", "habitat")

	_, err := s.Get(id)
	assert.ErrorIs(t, err, runtime.ErrRuntimeNotFound)

	rec := NewRecord(id, "docker", runtime.StatusStarting)
	rec.OutputChannel = "ws://localhost:9091/runtime/channels/abc"
	rec.Machines["dev"] = runtime.Machine{Name: "dev", ContainerID: "c1"}
	require.NoError(t, s.Save(rec))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.Identity())
	assert.Equal(t, "docker", got.Infrastructure)
	assert.Equal(t, string(runtime.StatusStarting), got.Status)
	assert.Equal(t, "c1", got.Machines["dev"].ContainerID)

	// saving again replaces the record
	rec.Status = string(runtime.StatusRunning)
	require.NoError(t, s.Save(rec))
	got, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, string(runtime.StatusRunning), got.Status)
}

func TestStoreList(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(NewRecord(runtime.NewIdentity("ws1", "u1", "dev", ""), "docker", runtime.StatusRunning)))
	require.NoError(t, s.Save(NewRecord(runtime.NewIdentity("ws2", "u1", "dev", ""), "docker", runtime.StatusRunning)))
	require.NoError(t, s.Save(NewRecord(runtime.NewIdentity("ws3", "u1", "dev", ""), "noop", runtime.StatusRunning)))

	docker, err := s.List("docker")
	require.NoError(t, err)
	assert.Len(t, docker, 2)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStoreFollowsEvents(t *testing.T) {
	s := openTestStore(t)
	id := runtime.NewIdentity("ws1", "u1", "dev", "")
	require.NoError(t, s.Save(NewRecord(id, "docker", runtime.StatusStarting)))

	require.NoError(t, s.ConsumeEvent(&runtime.Event{Identity: id, Status: runtime.StatusRunning}))
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, string(runtime.StatusRunning), got.Status)

	require.NoError(t, s.ConsumeEvent(&runtime.Event{Identity: id, Status: runtime.StatusStopped}))
	_, err = s.Get(id)
	assert.ErrorIs(t, err, runtime.ErrRuntimeNotFound)

	// events for unknown runtimes are tolerated
	require.NoError(t, s.ConsumeEvent(&runtime.Event{Identity: id, Status: runtime.StatusRunning}))
}
