package provision

import (
	"context"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/labels"
)

// LabelsProvisioner writes machine, identity and declared server labels onto every machine of
// the backend environment. Labels are merged into the existing map, so labels written by other
// provisioners are kept.
type LabelsProvisioner[E LabeledEnvironment] struct{}

var _ Provisioner[LabeledEnvironment] = &LabelsProvisioner[LabeledEnvironment]{}

func NewLabelsProvisioner[E LabeledEnvironment]() *LabelsProvisioner[E] {
	return &LabelsProvisioner[E]{}
}

func (p *LabelsProvisioner[E]) Name() string {
	return "labels"
}

func (p *LabelsProvisioner[E]) Requires() []Concern {
	return nil
}

func (p *LabelsProvisioner[E]) Provides() []Concern {
	return []Concern{ConcernIdentityLabels}
}

func (p *LabelsProvisioner[E]) Provision(ctx context.Context, desired *runtime.Environment, backend E, id runtime.Identity) error {
	for _, name := range desired.MachineNames() {
		existing, ok := backend.ContainerLabels(name)
		if !ok {
			return missingMachineError(p.Name(), name)
		}
		serialized := labels.NewSerializer().
			MachineName(name).
			Identity(id).
			Servers(desired.Machines[name].Servers).
			Labels()
		for k, v := range serialized {
			existing[k] = v
		}
	}
	return nil
}
