package docker

import (
	"context"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/labels"
	"github.com/eagraf/habitat-runtime/internal/provision"
)

// AttrHostPort pins a server to a host port instead of allocating one.
const AttrHostPort = "hostPort"

func missingMachine(provisioner, machine string) error {
	return runtime.NewInfrastructureError(nil, "%s provisioner: machine %s is missing from the docker environment", provisioner, machine)
}

func serverPort(server runtime.ServerConfig) nat.Port {
	return nat.Port(server.PortNumber() + "/" + server.Transport())
}

// NetworkProvisioner attaches every container to the runtime's bridge network, and exposes and
// binds the ports of declared servers.
type NetworkProvisioner struct {
	ports       *PortAllocator
	bindAddress string
}

var _ provision.Provisioner[*Environment] = &NetworkProvisioner{}

func NewNetworkProvisioner(ports *PortAllocator, bindAddress string) *NetworkProvisioner {
	return &NetworkProvisioner{
		ports:       ports,
		bindAddress: bindAddress,
	}
}

func (p *NetworkProvisioner) Name() string { return "network" }

func (p *NetworkProvisioner) Requires() []provision.Concern { return nil }

func (p *NetworkProvisioner) Provides() []provision.Concern {
	return []provision.Concern{provision.ConcernNetwork, provision.ConcernPorts}
}

func (p *NetworkProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *Environment, id runtime.Identity) error {
	backend.Network = NetworkName(id)

	for _, name := range desired.MachineNames() {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachine(p.Name(), name)
		}
		if c.ExposedPorts == nil {
			c.ExposedPorts = make(nat.PortSet)
		}
		if c.PortBindings == nil {
			c.PortBindings = make(nat.PortMap)
		}

		for _, ref := range sortedServerRefs(desired.Machines[name].Servers) {
			server := desired.Machines[name].Servers[ref]
			port := serverPort(server)

			hostPort, err := p.hostPort(id, name, ref, server)
			if err != nil {
				return err
			}

			c.ExposedPorts[port] = struct{}{}
			c.PortBindings[port] = []nat.PortBinding{{
				HostIP:   p.bindAddress,
				HostPort: strconv.Itoa(hostPort),
			}}
		}
	}
	return nil
}

func (p *NetworkProvisioner) hostPort(id runtime.Identity, machine, ref string, server runtime.ServerConfig) (int, error) {
	if pinned, ok := server.Attributes[AttrHostPort]; ok {
		port, err := parseHostPort(pinned)
		if err != nil {
			return 0, runtime.NewInfrastructureError(err, "invalid %s attribute on server %s of machine %s", AttrHostPort, ref, machine)
		}
		if err := p.ports.Reserve(id, machine, ref, port); err != nil {
			return 0, runtime.NewInfrastructureError(err, "cannot pin server %s of machine %s", ref, machine)
		}
		return port, nil
	}
	return p.ports.Allocate(id, machine, ref)
}

// ServersProvisioner records the host port each server was bound to as a label, so the binding
// can be recovered from the container. It reads the bindings written by NetworkProvisioner.
type ServersProvisioner struct{}

var _ provision.Provisioner[*Environment] = &ServersProvisioner{}

func NewServersProvisioner() *ServersProvisioner {
	return &ServersProvisioner{}
}

func (p *ServersProvisioner) Name() string { return "servers" }

func (p *ServersProvisioner) Requires() []provision.Concern {
	return []provision.Concern{provision.ConcernPorts}
}

func (p *ServersProvisioner) Provides() []provision.Concern {
	return []provision.Concern{provision.ConcernServerLabels}
}

func (p *ServersProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *Environment, id runtime.Identity) error {
	for _, name := range desired.MachineNames() {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachine(p.Name(), name)
		}
		containerLabels, _ := backend.ContainerLabels(name)
		for ref, server := range desired.Machines[name].Servers {
			bindings := c.PortBindings[serverPort(server)]
			if len(bindings) == 0 || bindings[0].HostPort == "" {
				continue
			}
			containerLabels[labels.ServerHostPortLabel(ref)] = bindings[0].HostPort
		}
	}
	return nil
}

// EnvProvisioner sets the declared environment variables of each machine, plus variables that
// tell a container which runtime it belongs to. The runtime variables win over declared ones.
type EnvProvisioner struct{}

var _ provision.Provisioner[*Environment] = &EnvProvisioner{}

func NewEnvProvisioner() *EnvProvisioner {
	return &EnvProvisioner{}
}

func (p *EnvProvisioner) Name() string { return "env" }

func (p *EnvProvisioner) Requires() []provision.Concern { return nil }

func (p *EnvProvisioner) Provides() []provision.Concern {
	return []provision.Concern{provision.ConcernEnv}
}

func (p *EnvProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *Environment, id runtime.Identity) error {
	for _, name := range desired.MachineNames() {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachine(p.Name(), name)
		}
		if c.Env == nil {
			c.Env = make(map[string]string)
		}
		for k, v := range desired.Machines[name].Env {
			c.Env[k] = v
		}
		c.Env["HABITAT_WORKSPACE_ID"] = id.WorkspaceID
		c.Env["HABITAT_OWNER_ID"] = id.OwnerID
		c.Env["HABITAT_ENV_NAME"] = id.EnvName
		c.Env["HABITAT_MACHINE_NAME"] = name
	}
	return nil
}

// VolumesProvisioner mounts a workspace-scoped named volume for every declared volume.
type VolumesProvisioner struct{}

var _ provision.Provisioner[*Environment] = &VolumesProvisioner{}

func NewVolumesProvisioner() *VolumesProvisioner {
	return &VolumesProvisioner{}
}

func (p *VolumesProvisioner) Name() string { return "volumes" }

func (p *VolumesProvisioner) Requires() []provision.Concern { return nil }

func (p *VolumesProvisioner) Provides() []provision.Concern {
	return []provision.Concern{provision.ConcernVolumes}
}

func (p *VolumesProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *Environment, id runtime.Identity) error {
	for _, name := range desired.MachineNames() {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachine(p.Name(), name)
		}
		volumes := desired.Machines[name].Volumes
		names := make([]string, 0, len(volumes))
		for v := range volumes {
			names = append(names, v)
		}
		sort.Strings(names)

		for _, volume := range names {
			m := mount.Mount{
				Type:   mount.TypeVolume,
				Source: VolumeName(id, volume),
				Target: volumes[volume].Path,
			}
			c.Mounts = upsertMount(c.Mounts, m)
		}
	}
	return nil
}

func upsertMount(mounts []mount.Mount, m mount.Mount) []mount.Mount {
	for i := range mounts {
		if mounts[i].Target == m.Target {
			mounts[i] = m
			return mounts
		}
	}
	return append(mounts, m)
}

func sortedServerRefs(servers map[string]runtime.ServerConfig) []string {
	refs := make([]string, 0, len(servers))
	for ref := range servers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// NewPipeline returns the provisioning pipeline of the docker infrastructure.
func NewPipeline(ports *PortAllocator, bindAddress string) (*provision.Pipeline[*Environment], error) {
	return provision.NewPipeline[*Environment](
		provision.NewLabelsProvisioner[*Environment](),
		NewNetworkProvisioner(ports, bindAddress),
		NewServersProvisioner(),
		NewEnvProvisioner(),
		NewVolumesProvisioner(),
	)
}
