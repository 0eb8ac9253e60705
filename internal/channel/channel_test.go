package channel

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testID = runtime.NewIdentity("ws1", "u1", "dev", "")

func TestAllocatorIsStable(t *testing.T) {
	a, err := NewAllocator("ws://localhost:9091")
	require.NoError(t, err)

	first, err := a.Allocate(testID)
	require.NoError(t, err)
	second, err := a.Allocate(testID)
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())

	// mutating a returned url does not affect later calls
	first.Path = "/elsewhere"
	third, err := a.Allocate(testID)
	require.NoError(t, err)
	assert.Equal(t, second.String(), third.String())

	other, err := a.Allocate(runtime.NewIdentity("ws2", "u1", "dev", ""))
	require.NoError(t, err)
	assert.NotEqual(t, second.String(), other.String())
}

func TestAllocatorConcurrentAllocate(t *testing.T) {
	a, err := NewAllocator("ws://localhost:9091")
	require.NoError(t, err)

	uris := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := a.Allocate(testID)
			assert.NoError(t, err)
			uris <- u.String()
		}()
	}
	wg.Wait()
	close(uris)

	seen := make(map[string]struct{})
	for u := range uris {
		seen[u] = struct{}{}
	}
	assert.Len(t, seen, 1)
}

func TestAllocatorRestoreAndRelease(t *testing.T) {
	a, err := NewAllocator("ws://localhost:9091")
	require.NoError(t, err)

	uri := "ws://localhost:9091/runtime/channels/0b5c5c1e-3a57-4f61-a0b4-1f6d4bd1b6b8"
	restored, err := a.Restore(testID, uri)
	require.NoError(t, err)
	assert.Equal(t, uri, restored.String())

	allocated, err := a.Allocate(testID)
	require.NoError(t, err)
	assert.Equal(t, uri, allocated.String())

	id, ok := a.Lookup("0b5c5c1e-3a57-4f61-a0b4-1f6d4bd1b6b8")
	require.True(t, ok)
	assert.Equal(t, testID, id)

	_, err = a.Restore(testID, "ws://elsewhere:1/runtime/channels/abc")
	assert.True(t, runtime.IsInfrastructureError(err))

	a.Release(testID)
	_, ok = a.Lookup("0b5c5c1e-3a57-4f61-a0b4-1f6d4bd1b6b8")
	assert.False(t, ok)
}

func TestNewAllocatorRejectsHTTP(t *testing.T) {
	_, err := NewAllocator("http://localhost:9091")
	assert.Error(t, err)
}

func TestServerStreamsEvents(t *testing.T) {
	srv := httptest.NewUnstartedServer(nil)
	a, err := NewAllocator("ws://" + srv.Listener.Addr().String())
	require.NoError(t, err)
	cs := NewServer(a)
	srv.Config.Handler = cs.Handler()
	srv.Start()
	defer srv.Close()

	uri, err := a.Allocate(testID)
	require.NoError(t, err)

	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusStarting}))

	conns := make([]*websocket.Conn, 0)
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(uri.String(), nil)
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)

		var backlog runtime.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, conn.ReadJSON(&backlog))
		assert.Equal(t, runtime.StatusStarting, backlog.Status)
	}

	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusRunning}))
	// events of other runtimes are not delivered
	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: runtime.NewIdentity("ws2", "u1", "dev", ""), Status: runtime.StatusStopped}))

	for _, conn := range conns {
		var e runtime.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, runtime.StatusRunning, e.Status)
		assert.Equal(t, testID, e.Identity)
	}
}

func TestServerUnknownChannel(t *testing.T) {
	srv := httptest.NewUnstartedServer(nil)
	a, err := NewAllocator("ws://" + srv.Listener.Addr().String())
	require.NoError(t, err)
	srv.Config.Handler = NewServer(a).Handler()
	srv.Start()
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Listener.Addr().String()+ChannelsPath+"nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServerDoesNotReplayPreviousRuntime(t *testing.T) {
	srv := httptest.NewUnstartedServer(nil)
	a, err := NewAllocator("ws://" + srv.Listener.Addr().String())
	require.NoError(t, err)
	cs := NewServer(a)
	srv.Config.Handler = cs.Handler()
	srv.Start()
	defer srv.Close()

	first, err := a.Allocate(testID)
	require.NoError(t, err)
	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusStarting, Message: "first"}))
	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusStopped, Message: "first"}))
	a.Release(testID)

	_, ok := a.ChannelID(testID)
	assert.False(t, ok)
	// nothing is buffered for a runtime without a channel
	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusStopped, Message: "orphan"}))

	second, err := a.Allocate(testID)
	require.NoError(t, err)
	require.NotEqual(t, first.String(), second.String())
	require.NoError(t, cs.ConsumeEvent(&runtime.Event{Identity: testID, Status: runtime.StatusStarting, Message: "second"}))

	_, _, err = websocket.DefaultDialer.Dial(first.String(), nil)
	assert.Error(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(second.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var e runtime.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "second", e.Message)
	assert.Equal(t, runtime.StatusStarting, e.Status)

	// the backlog held only the new runtime's event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	assert.Error(t, conn.ReadJSON(&e))
}
