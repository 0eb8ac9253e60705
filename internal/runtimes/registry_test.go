package runtimes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	rt := NewRuntime(testID, "test")
	require.NoError(t, r.Put(rt))

	got, ok := r.Get(testID)
	require.True(t, ok)
	assert.Same(t, rt, got)

	// a second live runtime for the same identity is refused
	err := r.Put(NewRuntime(testID, "test"))
	assert.Error(t, err)

	// putting the same runtime twice is fine
	require.NoError(t, r.Put(rt))

	r.Remove(NewRuntime(testID, "test"))
	_, ok = r.Get(testID)
	assert.True(t, ok)

	r.Remove(rt)
	_, ok = r.Get(testID)
	assert.False(t, ok)
}

func TestRegistryForgetsStoppedRuntimes(t *testing.T) {
	r := NewRegistry()
	rt := NewRuntime(testID, "test")
	require.NoError(t, r.Put(rt))
	require.NoError(t, rt.MarkRunning())

	require.NoError(t, rt.Stop(context.Background()))

	_, ok := r.Get(testID)
	assert.False(t, ok)
	assert.Empty(t, r.List())

	// the identity can be started again with a fresh runtime
	require.NoError(t, r.Put(NewRuntime(testID, "test")))
}

func TestRegistryLocksArePerIdentity(t *testing.T) {
	r := NewRegistry()
	other := runtime.NewIdentity("ws2", "u1", "dev", "")

	unlock := r.Lock(testID)

	acquired := make(chan struct{})
	go func() {
		unlockOther := r.Lock(other)
		defer unlockOther()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different identity should not block")
	}

	blocked := make(chan struct{})
	go func() {
		unlockSame := r.Lock(testID)
		defer unlockSame()
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("lock on the same identity should block")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-blocked
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	stops := make(chan string, 3)
	teardown := func(ctx context.Context, rt *Runtime) error {
		stops <- rt.Identity().WorkspaceID
		if rt.Identity().WorkspaceID == "ws3" {
			return errors.New("boom")
		}
		return nil
	}

	for _, ws := range []string{"ws1", "ws2", "ws3"} {
		rt := NewRuntime(runtime.NewIdentity(ws, "u1", "dev", ""), "test", WithTeardown(teardown))
		require.NoError(t, rt.MarkRunning())
		require.NoError(t, r.Put(rt))
	}
	starting := NewRuntime(runtime.NewIdentity("ws4", "u1", "dev", ""), "test", WithTeardown(teardown))
	require.NoError(t, r.Put(starting))

	err := r.Drain(context.Background())
	assert.Error(t, err)
	close(stops)

	stopped := make([]string, 0)
	for ws := range stops {
		stopped = append(stopped, ws)
	}
	assert.ElementsMatch(t, []string{"ws1", "ws2", "ws3"}, stopped)
	assert.Equal(t, runtime.StatusStarting, starting.Status())
	assert.Len(t, r.List(), 1)
}
