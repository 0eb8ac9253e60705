package runtimes

import (
	"context"
	"fmt"
	"sync"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry maps runtime identities to their current Runtime. Work on one identity is serialized
// through Lock; different identities never block each other beyond short map accesses.
//
// A Registry is created at process start and drained at shutdown. A runtime is removed from
// the registry as soon as it reaches STOPPED.
type Registry struct {
	mu       sync.Mutex
	runtimes map[string]*Runtime
	locks    map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]*Runtime),
		locks:    make(map[string]*keyLock),
	}
}

// Lock acquires the mutex of one identity and returns the function that releases it.
func (r *Registry) Lock(id runtime.Identity) func() {
	key := id.Key()

	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
	}
}

func (r *Registry) Get(id runtime.Identity) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[id.Key()]
	return rt, ok
}

// Put registers rt under its identity. It fails if another runtime that has not stopped is
// already registered for the identity.
func (r *Registry) Put(rt *Runtime) error {
	key := rt.Identity().Key()

	r.mu.Lock()
	if existing, ok := r.runtimes[key]; ok && existing != rt && existing.Status() != runtime.StatusStopped {
		r.mu.Unlock()
		return fmt.Errorf("runtime for %s is already registered in state %s", rt.Identity(), existing.Status())
	}
	r.runtimes[key] = rt
	r.mu.Unlock()

	rt.OnStopped(func(stopped *Runtime) {
		r.Remove(stopped)
	})
	return nil
}

// Remove unregisters rt. A different runtime registered under the same identity is left alone.
func (r *Registry) Remove(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rt.Identity().Key()
	if current, ok := r.runtimes[key]; ok && current == rt {
		delete(r.runtimes, key)
	}
}

func (r *Registry) List() []*Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		list = append(list, rt)
	}
	return list
}

// Drain stops every registered runtime concurrently. Runtimes that are still starting are
// abandoned to whoever is starting them. The first stop error is returned after all stops
// have been attempted.
func (r *Registry) Drain(ctx context.Context) error {
	var g errgroup.Group
	for _, rt := range r.List() {
		rt := rt
		if rt.Status() == runtime.StatusStarting {
			log.Warn().Msgf("abandoning runtime %s that is still starting", rt.Identity())
			continue
		}
		g.Go(func() error {
			err := rt.Stop(ctx)
			if err != nil {
				return fmt.Errorf("error stopping runtime %s: %w", rt.Identity(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
