// Package labels encodes runtime identity and server metadata as flat string labels, so that
// backend resources can be associated with their workspace runtime by inspection alone.
package labels

import (
	"sort"
	"strings"

	"github.com/eagraf/habitat-runtime/core/runtime"
)

const (
	Prefix = "habitat."

	LabelMachineName    = Prefix + "machine.name"
	LabelWorkspaceID    = Prefix + "workspace.id"
	LabelOwnerID        = Prefix + "owner.id"
	LabelEnvName        = Prefix + "env.name"
	LabelInfraNamespace = Prefix + "infra.namespace"

	serverPrefix   = Prefix + "server."
	serverPort     = ".port"
	serverProtocol = ".protocol"
	serverPath     = ".path"
	serverHostPort = ".hostport"
	serverAttr     = ".attr."
)

// ServerPortLabel returns the label key that carries the declared port of server ref.
func ServerPortLabel(ref string) string {
	return serverPrefix + ref + serverPort
}

// ServerHostPortLabel returns the label key that carries the host port a server was bound to.
func ServerHostPortLabel(ref string) string {
	return serverPrefix + ref + serverHostPort
}

// Serializer accumulates labels for one machine. The result depends only on the values
// passed to it, so serializing the same inputs twice yields identical maps.
type Serializer struct {
	labels map[string]string
}

func NewSerializer() *Serializer {
	return &Serializer{
		labels: make(map[string]string),
	}
}

func (s *Serializer) MachineName(name string) *Serializer {
	s.labels[LabelMachineName] = name
	return s
}

func (s *Serializer) Identity(id runtime.Identity) *Serializer {
	s.labels[LabelWorkspaceID] = id.WorkspaceID
	s.labels[LabelOwnerID] = id.OwnerID
	s.labels[LabelEnvName] = id.EnvName
	s.labels[LabelInfraNamespace] = id.InfraNamespace
	return s
}

func (s *Serializer) Servers(servers map[string]runtime.ServerConfig) *Serializer {
	for ref, server := range servers {
		s.labels[ServerPortLabel(ref)] = server.PortNumber() + "/" + server.Transport()
		if server.Protocol != "" {
			s.labels[serverPrefix+ref+serverProtocol] = server.Protocol
		}
		if server.Path != "" {
			s.labels[serverPrefix+ref+serverPath] = server.Path
		}
		for k, v := range server.Attributes {
			s.labels[serverPrefix+ref+serverAttr+k] = v
		}
	}
	return s
}

// Labels returns a copy of the accumulated labels.
func (s *Serializer) Labels() map[string]string {
	out := make(map[string]string, len(s.labels))
	for k, v := range s.labels {
		out[k] = v
	}
	return out
}

// Deserializer recovers machine, identity and server metadata from a label map, typically
// one read back from a container.
type Deserializer struct {
	labels map[string]string
}

func NewDeserializer(labels map[string]string) *Deserializer {
	return &Deserializer{labels: labels}
}

func (d *Deserializer) MachineName() string {
	return d.labels[LabelMachineName]
}

// Identity returns the runtime identity encoded in the labels, and false if the labels
// do not belong to a workspace runtime.
func (d *Deserializer) Identity() (runtime.Identity, bool) {
	workspaceID, ok := d.labels[LabelWorkspaceID]
	if !ok || workspaceID == "" {
		return runtime.Identity{}, false
	}
	return runtime.Identity{
		WorkspaceID:    workspaceID,
		OwnerID:        d.labels[LabelOwnerID],
		EnvName:        d.labels[LabelEnvName],
		InfraNamespace: d.labels[LabelInfraNamespace],
	}, true
}

func (d *Deserializer) Servers() map[string]runtime.ServerConfig {
	servers := make(map[string]runtime.ServerConfig)
	for _, key := range sortedKeys(d.labels) {
		rest, ok := strings.CutPrefix(key, serverPrefix)
		if !ok {
			continue
		}
		ref, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		server := servers[ref]
		value := d.labels[key]
		switch {
		case "."+field == serverPort:
			server.Port = value
		case "."+field == serverProtocol:
			server.Protocol = value
		case "."+field == serverPath:
			server.Path = value
		case strings.HasPrefix("."+field, serverAttr):
			if server.Attributes == nil {
				server.Attributes = make(map[string]string)
			}
			server.Attributes[strings.TrimPrefix("."+field, serverAttr)] = value
		default:
			continue
		}
		servers[ref] = server
	}
	return servers
}

// HostPorts returns the host port assigned to each server ref, if any were recorded.
func (d *Deserializer) HostPorts() map[string]string {
	hostPorts := make(map[string]string)
	for key, value := range d.labels {
		rest, ok := strings.CutPrefix(key, serverPrefix)
		if !ok {
			continue
		}
		if ref, ok := strings.CutSuffix(rest, serverHostPort); ok && !strings.Contains(ref, ".") {
			hostPorts[ref] = value
		}
	}
	return hostPorts
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
