package docker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/provision"
)

// Environment is the docker representation of a workspace environment: one container per
// machine, all attached to one bridge network. Provisioners mutate it in place.
type Environment struct {
	Network    string                      `json:"network"`
	Containers map[string]*ContainerConfig `json:"containers"`
}

type ContainerConfig struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env"`
	ExposedPorts nat.PortSet       `json:"exposed_ports"`
	PortBindings nat.PortMap       `json:"port_bindings"`
	Labels       map[string]string `json:"labels"`
	Mounts       []mount.Mount     `json:"mounts"`
}

var _ provision.LabeledEnvironment = &Environment{}

func (e *Environment) ContainerLabels(machine string) (map[string]string, bool) {
	c, ok := e.Containers[machine]
	if !ok {
		return nil, false
	}
	if c.Labels == nil {
		c.Labels = make(map[string]string)
	}
	return c.Labels, true
}

// NewEnvironment converts a desired environment into an unprovisioned docker environment.
// It fails with a *runtime.ValidationError if desired cannot run on docker.
func NewEnvironment(desired *runtime.Environment, id runtime.Identity) (*Environment, error) {
	if err := desired.Validate(); err != nil {
		return nil, err
	}

	env := &Environment{
		Containers: make(map[string]*ContainerConfig, len(desired.Machines)),
	}
	pinned := make(map[int]string)
	for _, name := range desired.MachineNames() {
		machine := desired.Machines[name]
		if !validName.MatchString(name) {
			return nil, runtime.NewValidationError("machine name %q cannot be used as a container name", name)
		}
		if strings.ContainsAny(machine.ImageRef(), " \t\n") {
			return nil, runtime.NewValidationError("image reference %q of machine %s contains whitespace", machine.ImageRef(), name)
		}
		if err := validateServers(name, machine.Servers, pinned); err != nil {
			return nil, err
		}

		env.Containers[name] = &ContainerConfig{
			Name:         ContainerName(id, name),
			Image:        machine.ImageRef(),
			Command:      append([]string(nil), machine.Command...),
			Env:          make(map[string]string),
			ExposedPorts: make(nat.PortSet),
			PortBindings: make(nat.PortMap),
			Labels:       make(map[string]string),
			Mounts:       make([]mount.Mount, 0),
		}
	}
	return env, nil
}

// validateServers checks that the servers of one machine can be published. Each container port
// maps to a single host binding, and a pinned host port can only be bound once per environment.
func validateServers(machine string, servers map[string]runtime.ServerConfig, pinned map[int]string) error {
	exposed := make(map[nat.Port]string, len(servers))
	for _, ref := range sortedServerRefs(servers) {
		server := servers[ref]
		port, err := nat.NewPort(server.Transport(), server.PortNumber())
		if err != nil {
			return runtime.NewValidationError("server %s of machine %s: %s", ref, machine, err)
		}
		if other, dup := exposed[port]; dup {
			return runtime.NewValidationError("servers %s and %s of machine %s both use container port %s", other, ref, machine, port)
		}
		exposed[port] = ref

		attr, ok := server.Attributes[AttrHostPort]
		if !ok {
			continue
		}
		hostPort, err := parseHostPort(attr)
		if err != nil {
			return runtime.NewValidationError("invalid %s attribute on server %s of machine %s: %s", AttrHostPort, ref, machine, err)
		}
		owner := machine + "/" + ref
		if other, dup := pinned[hostPort]; dup {
			return runtime.NewValidationError("servers %s and %s both pin host port %d", other, owner, hostPort)
		}
		pinned[hostPort] = owner
	}
	return nil
}

var (
	validName        = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)
)

func sanitize(s string) string {
	return strings.Trim(invalidNameChars.ReplaceAllString(s, "-"), "-.")
}

// ContainerName is the deterministic container name of a machine. The readable part may be
// shared by different identities; the suffix is derived from the full identity.
func ContainerName(id runtime.Identity, machine string) string {
	return fmt.Sprintf("habitat-%s-%s-%s-%s", sanitize(id.WorkspaceID), sanitize(id.EnvName), sanitize(machine), shortHash(id.Key()))
}

// NetworkName is the deterministic bridge network name of a runtime.
func NetworkName(id runtime.Identity) string {
	return fmt.Sprintf("habitat-%s-%s-%s", sanitize(id.WorkspaceID), sanitize(id.EnvName), shortHash(id.Key()))
}

// VolumeName is the deterministic named volume of a workspace volume. Volumes are shared by all
// environments and owners of a workspace and outlive its runtimes.
func VolumeName(id runtime.Identity, volume string) string {
	workspace := runtime.NewIdentity(id.WorkspaceID, "", "", id.InfraNamespace)
	return fmt.Sprintf("habitat-%s-%s-%s", sanitize(id.WorkspaceID), sanitize(volume), shortHash(workspace.Key()+"#"+volume))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// envList turns an environment map into the KEY=VALUE list docker expects, sorted by key.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
