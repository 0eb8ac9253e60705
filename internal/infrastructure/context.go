package infrastructure

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/runtimes"
)

// RuntimeContext is the handle to one runtime, created once per start. Its fields never change.
type RuntimeContext struct {
	environment    *runtime.Environment
	identity       runtime.Identity
	infrastructure Infrastructure
	runtime        *runtimes.Runtime
	outputChannel  *url.URL
}

// NewRuntimeContext binds a runtime to its environment, identity and backend. A nil
// outputChannel means the backend has no output channel.
func NewRuntimeContext(env *runtime.Environment, id runtime.Identity, infra Infrastructure, rt *runtimes.Runtime, outputChannel *url.URL) *RuntimeContext {
	return &RuntimeContext{
		environment:    env,
		identity:       id,
		infrastructure: infra,
		runtime:        rt,
		outputChannel:  outputChannel,
	}
}

// Runtime returns the runtime whatever its status, STOPPED included.
func (c *RuntimeContext) Runtime() *runtimes.Runtime {
	return c.runtime
}

// OutputChannel returns the URI that streams the runtime's events. The URI is allocated when the
// runtime is prepared and is the same on every call for the lifetime of the runtime. It returns
// an error wrapping runtime.ErrUnsupported if the backend has no output channel.
func (c *RuntimeContext) OutputChannel() (*url.URL, error) {
	if c.outputChannel == nil {
		return nil, fmt.Errorf("%s infrastructure does not provide an output channel: %w", c.infrastructure.Type(), runtime.ErrUnsupported)
	}
	u := *c.outputChannel
	return &u, nil
}

func (c *RuntimeContext) Identity() runtime.Identity {
	return c.identity
}

func (c *RuntimeContext) Infrastructure() Infrastructure {
	return c.infrastructure
}

func (c *RuntimeContext) Environment() *runtime.Environment {
	return c.environment
}

// Contexts keeps the contexts of the live runtimes of one backend. A context is dropped once its
// runtime stops.
type Contexts struct {
	mu       sync.RWMutex
	contexts map[string]*RuntimeContext
}

func NewContexts() *Contexts {
	return &Contexts{
		contexts: make(map[string]*RuntimeContext),
	}
}

// Track remembers rc until its runtime stops. release, if not nil, runs once it has stopped.
func (c *Contexts) Track(rc *RuntimeContext, release func()) {
	key := rc.Identity().Key()

	c.mu.Lock()
	c.contexts[key] = rc
	c.mu.Unlock()

	rc.Runtime().OnStopped(func(*runtimes.Runtime) {
		c.mu.Lock()
		if current, ok := c.contexts[key]; ok && current == rc {
			delete(c.contexts, key)
		}
		c.mu.Unlock()
		if release != nil {
			release()
		}
	})
}

// Live returns the context of id if its runtime has not stopped.
func (c *Contexts) Live(id runtime.Identity) (*RuntimeContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rc, ok := c.contexts[id.Key()]
	if !ok || rc.Runtime().Status() == runtime.StatusStopped {
		return nil, false
	}
	return rc, true
}
