package runtime

import (
	"sort"
	"strings"
)

// Environment is the parsed, validated description of a workspace's desired machines.
// It is owned by the caller and read-only to provisioners.
type Environment struct {
	Machines map[string]*MachineConfig `json:"machines" yaml:"machines"`
}

type MachineConfig struct {
	// Image is a container image reference. Recipe is accepted as an alias for backends that
	// build from a recipe; at least one of them must be set.
	Image      string                  `json:"image,omitempty" yaml:"image,omitempty"`
	Recipe     string                  `json:"recipe,omitempty" yaml:"recipe,omitempty"`
	Command    []string                `json:"command,omitempty" yaml:"command,omitempty"`
	Servers    map[string]ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
	Volumes    map[string]VolumeConfig `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Env        map[string]string       `json:"env,omitempty" yaml:"env,omitempty"`
	Attributes map[string]string       `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ServerConfig declares a server exposed by a machine. Port is either "8080" or "8080/tcp".
type ServerConfig struct {
	Port       string            `json:"port" yaml:"port"`
	Protocol   string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Path       string            `json:"path,omitempty" yaml:"path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type VolumeConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ImageRef returns the image reference of the machine, falling back to the recipe.
func (m *MachineConfig) ImageRef() string {
	if m.Image != "" {
		return m.Image
	}
	return m.Recipe
}

// MachineNames returns the machine names in sorted order.
func (e *Environment) MachineNames() []string {
	names := make([]string, 0, len(e.Machines))
	for name := range e.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PortNumber strips a "/proto" suffix from the server port.
func (s ServerConfig) PortNumber() string {
	port, _, _ := strings.Cut(s.Port, "/")
	return port
}

// Transport returns the transport protocol (tcp or udp) of the server port, defaulting to tcp.
func (s ServerConfig) Transport() string {
	if _, proto, ok := strings.Cut(s.Port, "/"); ok && proto != "" {
		return proto
	}
	return "tcp"
}

func (e *Environment) Validate() error {
	if e == nil || len(e.Machines) == 0 {
		return NewValidationError("environment declares no machines")
	}
	for _, name := range e.MachineNames() {
		machine := e.Machines[name]
		if machine == nil {
			return NewValidationError("machine %s has no configuration", name)
		}
		if machine.ImageRef() == "" {
			return NewValidationError("machine %s declares neither an image nor a recipe", name)
		}
		for ref, server := range machine.Servers {
			if server.PortNumber() == "" {
				return NewValidationError("server %s of machine %s has no port", ref, name)
			}
			if ref == "" || strings.ContainsAny(ref, " =.") {
				return NewValidationError("server reference %q of machine %s is not a valid label segment", ref, name)
			}
		}
		for volume, cfg := range machine.Volumes {
			if cfg.Path == "" {
				return NewValidationError("volume %s of machine %s has no path", volume, name)
			}
		}
	}
	return nil
}
