// Package channel allocates and serves the output channels of workspace runtimes. An output
// channel is a websocket endpoint that streams the status events of one runtime.
package channel

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/google/uuid"
)

const ChannelsPath = "/runtime/channels/"

// Allocator hands out one stable channel URI per runtime identity. Allocating twice for the same
// identity returns the same URI until it is released.
type Allocator struct {
	base *url.URL

	mu        sync.RWMutex
	byKey     map[string]string
	byID      map[string]runtime.Identity
	onRelease []func(channelID string)
}

// NewAllocator returns an allocator issuing URIs under baseURL, for example "ws://localhost:9091".
func NewAllocator(baseURL string) (*Allocator, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid output channel base url %q: %w", baseURL, err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("output channel base url %q must use ws or wss", baseURL)
	}
	return &Allocator{
		base:  base,
		byKey: make(map[string]string),
		byID:  make(map[string]runtime.Identity),
	}, nil
}

func (a *Allocator) Allocate(id runtime.Identity) (*url.URL, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if channelID, ok := a.byKey[id.Key()]; ok {
		return a.uri(channelID), nil
	}

	channelID := uuid.New().String()
	a.byKey[id.Key()] = channelID
	a.byID[channelID] = id
	return a.uri(channelID), nil
}

// Restore re-registers a URI allocated before a restart, so the runtime keeps the same channel.
func (a *Allocator) Restore(id runtime.Identity, uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, runtime.NewInfrastructureError(err, "invalid output channel uri %q", uri)
	}
	channelID, ok := strings.CutPrefix(parsed.Path, path.Join(a.base.Path, ChannelsPath)+"/")
	if !ok || channelID == "" || parsed.Host != a.base.Host {
		return nil, runtime.NewInfrastructureError(nil, "output channel uri %q was not issued by %s", uri, a.base)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.byKey[id.Key()]; ok && existing != channelID {
		return nil, runtime.NewInfrastructureError(nil, "runtime %s already has output channel %s", id, existing)
	}
	a.byKey[id.Key()] = channelID
	a.byID[channelID] = id
	return a.uri(channelID), nil
}

// Release retires the channel of id. The next Allocate for id issues a new URI.
func (a *Allocator) Release(id runtime.Identity) {
	a.mu.Lock()
	channelID, ok := a.byKey[id.Key()]
	if ok {
		delete(a.byID, channelID)
		delete(a.byKey, id.Key())
	}
	hooks := a.onRelease
	a.mu.Unlock()

	if !ok {
		return
	}
	for _, h := range hooks {
		h(channelID)
	}
}

// OnRelease registers fn to run with the channel id of every released channel.
func (a *Allocator) OnRelease(fn func(channelID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRelease = append(a.onRelease, fn)
}

// ChannelID returns the id of the channel currently allocated to id.
func (a *Allocator) ChannelID(id runtime.Identity) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	channelID, ok := a.byKey[id.Key()]
	return channelID, ok
}

// Lookup resolves a channel id back to the identity it was allocated for.
func (a *Allocator) Lookup(channelID string) (runtime.Identity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byID[channelID]
	return id, ok
}

func (a *Allocator) uri(channelID string) *url.URL {
	u := *a.base
	u.Path = path.Join(a.base.Path, ChannelsPath, channelID)
	return &u
}
