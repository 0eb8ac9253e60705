package infrastructure

import (
	"context"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/eagraf/habitat-runtime/internal/runtimes"
)

// noopInfrastructure creates no backend resources. Its runtimes are running as soon as they are
// prepared, and it provides no output channel. It is useful for dry runs and for tests.
type noopInfrastructure struct {
	registry  *runtimes.Registry
	publisher pubsub.Publisher[runtime.Event]
	contexts  *Contexts
}

var _ Infrastructure = &noopInfrastructure{}

func NewNoopInfrastructure(registry *runtimes.Registry, publisher pubsub.Publisher[runtime.Event]) Infrastructure {
	return &noopInfrastructure{
		registry:  registry,
		publisher: publisher,
		contexts:  NewContexts(),
	}
}

func (n *noopInfrastructure) Type() string {
	return TypeNoop
}

func (n *noopInfrastructure) Prepare(ctx context.Context, desired *runtime.Environment, id runtime.Identity) (*RuntimeContext, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}

	unlock := n.registry.Lock(id)
	defer unlock()

	if rc, ok := n.contexts.Live(id); ok {
		return rc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	machines := make([]*runtime.Machine, 0, len(desired.Machines))
	for _, name := range desired.MachineNames() {
		machines = append(machines, &runtime.Machine{Name: name})
	}

	rt := runtimes.NewRuntime(id, TypeNoop, runtimes.WithPublisher(n.publisher), runtimes.WithMachines(machines...))
	if err := n.registry.Put(rt); err != nil {
		return nil, runtime.NewInfrastructureError(err, "error registering runtime")
	}
	rc := NewRuntimeContext(desired, id, n, rt, nil)
	n.contexts.Track(rc, nil)

	if err := rt.MarkRunning(); err != nil {
		return nil, err
	}
	return rc, nil
}

func (n *noopInfrastructure) Recover(ctx context.Context) error {
	return nil
}

func (n *noopInfrastructure) Context(id runtime.Identity) (*RuntimeContext, bool) {
	return n.contexts.Live(id)
}
