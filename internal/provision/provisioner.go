// Package provision runs configuration provisioners against a backend environment before a
// workspace runtime is started.
//
// Each provisioner implements one cross-cutting concern (labels, ports, volumes...) and mutates
// the backend environment in place. Provisioners declare the concerns they require and provide,
// and a Pipeline orders them from those declarations instead of from registration order:
//
//	pipeline, err := provision.NewPipeline[*docker.Environment](
//		provision.NewLabelsProvisioner[*docker.Environment](),
//		docker.NewNetworkProvisioner(),
//		docker.NewServersProvisioner(),
//	)
//	err = pipeline.Apply(ctx, desired, backendEnv, identity)
package provision

import (
	"context"

	"github.com/eagraf/habitat-runtime/core/runtime"
)

// Concern names a piece of backend environment state that provisioners read or write.
type Concern string

const (
	ConcernIdentityLabels Concern = "identity-labels"
	ConcernPorts          Concern = "ports"
	ConcernServerLabels   Concern = "server-labels"
	ConcernEnv            Concern = "env"
	ConcernVolumes        Concern = "volumes"
	ConcernNetwork        Concern = "network"
)

// Provisioner mutates a backend environment of type E to add one cross-cutting concern.
//
// Provision must not modify desired, and must be idempotent: applying it twice to the same
// backend environment has the same observable result as applying it once. It returns a
// *runtime.InfrastructureError when the backend environment is inconsistent with desired,
// for example when a declared machine has no backend counterpart.
type Provisioner[E any] interface {
	Name() string
	// Requires lists the concerns that must be provisioned before this provisioner runs.
	Requires() []Concern
	// Provides lists the concerns this provisioner writes.
	Provides() []Concern
	Provision(ctx context.Context, desired *runtime.Environment, backend E, id runtime.Identity) error
}

// LabeledEnvironment is a backend environment whose per-machine resources carry labels.
type LabeledEnvironment interface {
	// ContainerLabels returns the mutable label map of the machine's backend resource, and
	// false if the backend environment has no resource for the machine.
	ContainerLabels(machine string) (map[string]string, bool)
}

func missingMachineError(provisioner, machine string) error {
	return runtime.NewInfrastructureError(nil, "%s provisioner: machine %s is missing from the backend environment", provisioner, machine)
}
