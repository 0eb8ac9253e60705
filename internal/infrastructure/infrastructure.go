// Package infrastructure defines the contract between workspace runtimes and the backends that
// execute them, and keeps the closed set of backends a process runs with.
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/eagraf/habitat-runtime/core/runtime"
)

const (
	TypeDocker = "docker"
	TypeNoop   = "noop"
)

var ErrInfrastructureNotFound = errors.New("no infrastructure found")

// Infrastructure turns a desired environment into live backend resources.
type Infrastructure interface {
	Type() string

	// Prepare provisions and starts the runtime of id. It returns a *runtime.ValidationError,
	// before touching the backend, when desired is not valid for this backend, and a
	// *runtime.InfrastructureError for backend failures. If the runtime of id is already
	// starting or running, Prepare returns its context instead of creating new resources.
	// When ctx is cancelled while resources are being created, they are cleaned up before
	// Prepare returns.
	Prepare(ctx context.Context, desired *runtime.Environment, id runtime.Identity) (*RuntimeContext, error)

	// Recover rebuilds the runtimes this backend is still running, typically after a restart.
	Recover(ctx context.Context) error

	// Context returns the context of a runtime started or recovered by this backend.
	Context(id runtime.Identity) (*RuntimeContext, bool)
}

// ChannelAllocator hands out output channel URIs.
type ChannelAllocator interface {
	Allocate(runtime.Identity) (*url.URL, error)
	Restore(runtime.Identity, string) (*url.URL, error)
	Release(runtime.Identity)
}

// Manager holds one Infrastructure per backend type.
type Manager struct {
	infrastructures map[string]Infrastructure
}

func NewManager(infrastructures []Infrastructure) *Manager {
	m := &Manager{
		infrastructures: make(map[string]Infrastructure),
	}
	for _, infra := range infrastructures {
		m.infrastructures[infra.Type()] = infra
	}
	return m
}

func (m *Manager) Get(infraType string) (Infrastructure, error) {
	infra, ok := m.infrastructures[infraType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInfrastructureNotFound, infraType)
	}
	return infra, nil
}

func (m *Manager) Types() []string {
	types := make([]string, 0, len(m.infrastructures))
	for t := range m.infrastructures {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (m *Manager) Prepare(ctx context.Context, infraType string, desired *runtime.Environment, id runtime.Identity) (*RuntimeContext, error) {
	infra, err := m.Get(infraType)
	if err != nil {
		return nil, err
	}
	return infra.Prepare(ctx, desired, id)
}

// Context looks the runtime of id up across every backend.
func (m *Manager) Context(id runtime.Identity) (*RuntimeContext, bool) {
	for _, t := range m.Types() {
		if rc, ok := m.infrastructures[t].Context(id); ok {
			return rc, true
		}
	}
	return nil, false
}

// Recover recovers every backend. A backend that fails to recover does not stop the others;
// the first error is returned.
func (m *Manager) Recover(ctx context.Context) error {
	var first error
	for _, t := range m.Types() {
		if err := m.infrastructures[t].Recover(ctx); err != nil && first == nil {
			first = fmt.Errorf("error recovering %s runtimes: %w", t, err)
		}
	}
	return first
}
