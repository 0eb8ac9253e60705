package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testContainer struct {
	Labels map[string]string `json:"labels"`
	Ports  map[string]string `json:"ports"`
}

type testEnv struct {
	Containers map[string]*testContainer `json:"containers"`
}

func (e *testEnv) ContainerLabels(machine string) (map[string]string, bool) {
	c, ok := e.Containers[machine]
	if !ok {
		return nil, false
	}
	if c.Labels == nil {
		c.Labels = make(map[string]string)
	}
	return c.Labels, true
}

func newTestEnv(machines ...string) *testEnv {
	env := &testEnv{Containers: make(map[string]*testContainer)}
	for _, m := range machines {
		env.Containers[m] = &testContainer{
			Labels: make(map[string]string),
			Ports:  make(map[string]string),
		}
	}
	return env
}

func testDesired() *runtime.Environment {
	return &runtime.Environment{
		Machines: map[string]*runtime.MachineConfig{
			"m": {
				Image: "golang:1.22",
				Servers: map[string]runtime.ServerConfig{
					"s": {Port: "8080"},
				},
			},
		},
	}
}

var testIdentity = runtime.NewIdentity("ws1", "u1", "dev", "")

// portsProvisioner assigns a host port to every declared server.
type portsProvisioner struct{}

func (p *portsProvisioner) Name() string { return "ports" }
func (p *portsProvisioner) Requires() []Concern { return nil }
func (p *portsProvisioner) Provides() []Concern { return []Concern{ConcernPorts} }
func (p *portsProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *testEnv, id runtime.Identity) error {
	for name, machine := range desired.Machines {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachineError(p.Name(), name)
		}
		for ref, server := range machine.Servers {
			c.Ports[ref] = "3" + server.PortNumber()
		}
	}
	return nil
}

// serversProvisioner labels each server with the port assigned by portsProvisioner.
type serversProvisioner struct{}

func (p *serversProvisioner) Name() string { return "servers" }
func (p *serversProvisioner) Requires() []Concern { return []Concern{ConcernPorts} }
func (p *serversProvisioner) Provides() []Concern { return []Concern{ConcernServerLabels} }
func (p *serversProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *testEnv, id runtime.Identity) error {
	for name := range desired.Machines {
		c, ok := backend.Containers[name]
		if !ok {
			return missingMachineError(p.Name(), name)
		}
		for ref, port := range c.Ports {
			c.Labels[labels.ServerHostPortLabel(ref)] = port
		}
	}
	return nil
}

type recordingProvisioner struct {
	name     string
	requires []Concern
	provides []Concern
	err      error
	calls    *[]string
}

func (p *recordingProvisioner) Name() string { return p.name }
func (p *recordingProvisioner) Requires() []Concern { return p.requires }
func (p *recordingProvisioner) Provides() []Concern { return p.provides }
func (p *recordingProvisioner) Provision(ctx context.Context, desired *runtime.Environment, backend *testEnv, id runtime.Identity) error {
	*p.calls = append(*p.calls, p.name)
	return p.err
}

func TestLabelsProvisioner(t *testing.T) {
	env := newTestEnv("m")
	env.Containers["m"].Labels["pre.existing"] = "kept"

	p := NewLabelsProvisioner[*testEnv]()
	err := p.Provision(context.Background(), testDesired(), env, testIdentity)
	require.NoError(t, err)

	got := env.Containers["m"].Labels
	assert.Equal(t, "kept", got["pre.existing"])
	assert.Equal(t, "m", got[labels.LabelMachineName])
	assert.Equal(t, "ws1", got[labels.LabelWorkspaceID])
	assert.Equal(t, "u1", got[labels.LabelOwnerID])
	assert.Equal(t, "dev", got[labels.LabelEnvName])
	assert.Equal(t, "8080/tcp", got[labels.ServerPortLabel("s")])
}

func TestLabelsProvisionerIdempotent(t *testing.T) {
	once := newTestEnv("m")
	twice := newTestEnv("m")
	p := NewLabelsProvisioner[*testEnv]()

	require.NoError(t, p.Provision(context.Background(), testDesired(), once, testIdentity))
	require.NoError(t, p.Provision(context.Background(), testDesired(), twice, testIdentity))
	require.NoError(t, p.Provision(context.Background(), testDesired(), twice, testIdentity))

	assert.Equal(t, once, twice)
}

func TestLabelsProvisionerDoesNotMutateDesired(t *testing.T) {
	desired := testDesired()
	p := NewLabelsProvisioner[*testEnv]()
	require.NoError(t, p.Provision(context.Background(), desired, newTestEnv("m"), testIdentity))
	assert.Equal(t, testDesired(), desired)
}

func TestLabelsProvisionerMissingMachine(t *testing.T) {
	p := NewLabelsProvisioner[*testEnv]()
	err := p.Provision(context.Background(), testDesired(), newTestEnv("other"), testIdentity)
	require.Error(t, err)
	assert.True(t, runtime.IsInfrastructureError(err))
}

func TestPipelineOrderIsDeclared(t *testing.T) {
	a, err := NewPipeline[*testEnv](&serversProvisioner{}, NewLabelsProvisioner[*testEnv](), &portsProvisioner{})
	require.NoError(t, err)
	b, err := NewPipeline[*testEnv](&portsProvisioner{}, &serversProvisioner{}, NewLabelsProvisioner[*testEnv]())
	require.NoError(t, err)

	assert.Equal(t, []string{"labels", "ports", "servers"}, a.Order())
	assert.Equal(t, a.Order(), b.Order())
}

func TestPipelineCommutesWithoutDependencies(t *testing.T) {
	ctx := context.Background()
	first := newTestEnv("m")
	second := newTestEnv("m")

	labelsP := NewLabelsProvisioner[*testEnv]()
	ports := &portsProvisioner{}
	servers := &serversProvisioner{}

	for _, p := range []Provisioner[*testEnv]{ports, labelsP, servers} {
		require.NoError(t, p.Provision(ctx, testDesired(), first, testIdentity))
	}
	for _, p := range []Provisioner[*testEnv]{ports, servers, labelsP} {
		require.NoError(t, p.Provision(ctx, testDesired(), second, testIdentity))
	}
	assert.Equal(t, first, second)
	assert.Equal(t, "38080", first.Containers["m"].Labels[labels.ServerHostPortLabel("s")])
}

func TestDependencyOrderMatters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv("m")

	// servers before ports finds nothing to label
	require.NoError(t, (&serversProvisioner{}).Provision(ctx, testDesired(), env, testIdentity))
	require.NoError(t, (&portsProvisioner{}).Provision(ctx, testDesired(), env, testIdentity))
	_, ok := env.Containers["m"].Labels[labels.ServerHostPortLabel("s")]
	assert.False(t, ok)

	pipeline, err := NewPipeline[*testEnv](&serversProvisioner{}, &portsProvisioner{})
	require.NoError(t, err)
	env = newTestEnv("m")
	require.NoError(t, pipeline.Apply(ctx, testDesired(), env, testIdentity))
	assert.Equal(t, "38080", env.Containers["m"].Labels[labels.ServerHostPortLabel("s")])
}

func TestPipelineFailsFast(t *testing.T) {
	calls := make([]string, 0)
	boom := runtime.NewInfrastructureError(errors.New("boom"), "second provisioner failed")

	pipeline, err := NewPipeline[*testEnv](
		&recordingProvisioner{name: "p1", provides: []Concern{"one"}, calls: &calls},
		&recordingProvisioner{name: "p2", requires: []Concern{"one"}, provides: []Concern{"two"}, err: boom, calls: &calls},
		&recordingProvisioner{name: "p3", requires: []Concern{"two"}, calls: &calls},
	)
	require.NoError(t, err)

	err = pipeline.Apply(context.Background(), testDesired(), newTestEnv("m"), testIdentity)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"p1", "p2"}, calls)
}

func TestPipelineStaticChecks(t *testing.T) {
	calls := make([]string, 0)

	_, err := NewPipeline[*testEnv](&serversProvisioner{})
	assert.ErrorIs(t, err, ErrUnsatisfiedConcern)

	_, err = NewPipeline[*testEnv](&portsProvisioner{}, &portsProvisioner{})
	assert.ErrorIs(t, err, ErrDuplicateProvisioner)

	_, err = NewPipeline[*testEnv](
		&recordingProvisioner{name: "a", requires: []Concern{"b"}, provides: []Concern{"a"}, calls: &calls},
		&recordingProvisioner{name: "b", requires: []Concern{"a"}, provides: []Concern{"b"}, calls: &calls},
	)
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestPipelineHonorsCancellation(t *testing.T) {
	calls := make([]string, 0)
	pipeline, err := NewPipeline[*testEnv](&recordingProvisioner{name: "p1", calls: &calls})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pipeline.Apply(ctx, testDesired(), newTestEnv("m"), testIdentity)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func ExamplePipeline_Order() {
	pipeline, _ := NewPipeline[*testEnv](&serversProvisioner{}, &portsProvisioner{}, NewLabelsProvisioner[*testEnv]())
	fmt.Println(pipeline.Order())
	// Output: [labels ports servers]
}
