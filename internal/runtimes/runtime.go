package runtimes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/rs/zerolog/log"
)

const DefaultStopTimeout = 30 * time.Second

// Teardown releases the backend resources of a runtime. It is called at most once per runtime.
type Teardown func(ctx context.Context, rt *Runtime) error

// Runtime tracks the lifecycle of one workspace runtime:
//
//	STARTING -> RUNNING -> STOPPING -> STOPPED
//
// STOPPED is also reached from STARTING or RUNNING on failure, and is terminal. Starting the
// same identity again requires a new Runtime.
type Runtime struct {
	identity    runtime.Identity
	infraType   string
	teardown    Teardown
	publisher   pubsub.Publisher[runtime.Event]
	stopTimeout time.Duration

	mu        sync.Mutex
	status    runtime.Status
	machines  map[string]*runtime.Machine
	stopped   chan struct{}
	stopErr   error
	afterStop []func(*Runtime)
}

type Option func(*Runtime)

func WithTeardown(teardown Teardown) Option {
	return func(rt *Runtime) {
		rt.teardown = teardown
	}
}

func WithPublisher(publisher pubsub.Publisher[runtime.Event]) Option {
	return func(rt *Runtime) {
		rt.publisher = publisher
	}
}

func WithStopTimeout(timeout time.Duration) Option {
	return func(rt *Runtime) {
		rt.stopTimeout = timeout
	}
}

func WithMachines(machines ...*runtime.Machine) Option {
	return func(rt *Runtime) {
		for _, m := range machines {
			rt.machines[m.Name] = m
		}
	}
}

// WithStatus sets the initial status. It is meant for runtimes rebuilt from backend
// inspection, which may already be running or stopped.
func WithStatus(status runtime.Status) Option {
	return func(rt *Runtime) {
		rt.status = status
	}
}

// NewRuntime returns a runtime in the STARTING state unless WithStatus says otherwise.
func NewRuntime(id runtime.Identity, infraType string, opts ...Option) *Runtime {
	rt := &Runtime{
		identity:    id,
		infraType:   infraType,
		stopTimeout: DefaultStopTimeout,
		status:      runtime.StatusStarting,
		machines:    make(map[string]*runtime.Machine),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.status == runtime.StatusStopped {
		close(rt.stopped)
	}
	return rt
}

func (rt *Runtime) Identity() runtime.Identity {
	return rt.identity
}

func (rt *Runtime) InfrastructureType() string {
	return rt.infraType
}

func (rt *Runtime) Status() runtime.Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// Machines returns a snapshot of the machines of the runtime.
func (rt *Runtime) Machines() map[string]runtime.Machine {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	machines := make(map[string]runtime.Machine, len(rt.machines))
	for name, m := range rt.machines {
		machines[name] = *m
	}
	return machines
}

func (rt *Runtime) SetMachine(m *runtime.Machine) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.machines[m.Name] = m
}

// Done is closed once the runtime reaches STOPPED.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.stopped
}

// Err returns the error that stopped the runtime, if any.
func (rt *Runtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopErr
}

// OnStopped registers f to be called after the runtime reaches STOPPED. If it already has,
// f is called immediately.
func (rt *Runtime) OnStopped(f func(*Runtime)) {
	rt.mu.Lock()
	if rt.status != runtime.StatusStopped {
		rt.afterStop = append(rt.afterStop, f)
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()
	f(rt)
}

// Announce publishes a progress message without changing the status, for example to report
// image pulls on the output channel.
func (rt *Runtime) Announce(msg string) {
	status := rt.Status()
	rt.publish(status, status, msg, nil)
}

// MarkRunning confirms backend readiness of a starting runtime.
func (rt *Runtime) MarkRunning() error {
	rt.mu.Lock()
	if rt.status != runtime.StatusStarting {
		status := rt.status
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", runtime.ErrIllegalTransition, status, runtime.StatusRunning)
	}
	rt.status = runtime.StatusRunning
	rt.mu.Unlock()

	rt.publish(runtime.StatusStarting, runtime.StatusRunning, "runtime is running", nil)
	return nil
}

// Fail moves the runtime straight to STOPPED, recording cause. It does not call the teardown;
// the caller is responsible for any backend cleanup.
func (rt *Runtime) Fail(cause error) error {
	rt.mu.Lock()
	previous := rt.status
	if previous == runtime.StatusStopped {
		rt.mu.Unlock()
		return fmt.Errorf("%w: runtime %s is already stopped", runtime.ErrIllegalTransition, rt.identity.WorkspaceID)
	}
	rt.status = runtime.StatusStopped
	rt.stopErr = cause
	hooks := rt.finishLocked()
	rt.mu.Unlock()

	rt.publish(previous, runtime.StatusStopped, "runtime failed", cause)
	runHooks(rt, hooks)
	return nil
}

// Stop tears a running runtime down. Concurrent calls while the runtime is STOPPING wait for
// the teardown already in progress instead of starting another. Stopping a stopped runtime is
// a no-op. If the teardown does not finish within the stop timeout the runtime is forced to
// STOPPED and the timeout is returned.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	switch rt.status {
	case runtime.StatusStopped:
		rt.mu.Unlock()
		return nil
	case runtime.StatusStopping:
		stopped := rt.stopped
		rt.mu.Unlock()
		select {
		case <-stopped:
			return rt.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	case runtime.StatusStarting:
		rt.mu.Unlock()
		return fmt.Errorf("%w: runtime %s is still starting", runtime.ErrIllegalTransition, rt.identity.WorkspaceID)
	}
	rt.status = runtime.StatusStopping
	rt.mu.Unlock()

	rt.publish(runtime.StatusRunning, runtime.StatusStopping, "stopping runtime", nil)

	err := rt.runTeardown(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("error tearing down runtime %s", rt.identity)
	}

	rt.mu.Lock()
	if rt.status == runtime.StatusStopped {
		// failed while the teardown was running
		rt.mu.Unlock()
		return err
	}
	rt.status = runtime.StatusStopped
	rt.stopErr = err
	hooks := rt.finishLocked()
	rt.mu.Unlock()

	rt.publish(runtime.StatusStopping, runtime.StatusStopped, "runtime stopped", err)
	runHooks(rt, hooks)
	return err
}

func (rt *Runtime) runTeardown(ctx context.Context) error {
	if rt.teardown == nil {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, rt.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rt.teardown(tctx, rt)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return fmt.Errorf("forced stop of runtime %s: %w", rt.identity.WorkspaceID, tctx.Err())
	}
}

// finishLocked closes the stopped channel and hands back the stop hooks. rt.mu must be held.
func (rt *Runtime) finishLocked() []func(*Runtime) {
	close(rt.stopped)
	hooks := rt.afterStop
	rt.afterStop = nil
	return hooks
}

func runHooks(rt *Runtime, hooks []func(*Runtime)) {
	for _, h := range hooks {
		h(rt)
	}
}

func (rt *Runtime) publish(previous, status runtime.Status, msg string, err error) {
	if rt.publisher == nil {
		return
	}
	event := &runtime.Event{
		Identity: rt.identity,
		Status:   status,
		Previous: previous,
		Message:  msg,
		Time:     time.Now().Format(time.RFC3339),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if perr := rt.publisher.PublishEvent(event); perr != nil {
		log.Error().Err(perr).Msgf("error publishing %s event for runtime %s", status, rt.identity)
	}
}
