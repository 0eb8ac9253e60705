package docker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/errdefs"
	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/infrastructure"
	"github.com/eagraf/habitat-runtime/internal/labels"
	"github.com/eagraf/habitat-runtime/internal/provision"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/eagraf/habitat-runtime/internal/runtimes"
	"github.com/eagraf/habitat-runtime/internal/store"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// RecordStore persists runtime records across restarts.
type RecordStore interface {
	Save(*store.RuntimeRecord) error
	Get(runtime.Identity) (*store.RuntimeRecord, error)
	List(infrastructure string) ([]*store.RuntimeRecord, error)
	Delete(runtime.Identity) error
}

type Config struct {
	// PublicHost is the host name put in server URLs.
	PublicHost string
	// BindAddress is the host address server ports are bound to.
	BindAddress string
	// StopTimeout bounds a runtime teardown before it is forced to STOPPED.
	StopTimeout time.Duration
	// StopGracePeriod is how long a container gets to exit before it is killed.
	StopGracePeriod time.Duration
	// CleanupTimeout bounds the cleanup of a runtime that failed to start.
	CleanupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PublicHost:      "localhost",
		BindAddress:     "0.0.0.0",
		StopTimeout:     runtimes.DefaultStopTimeout,
		StopGracePeriod: 10 * time.Second,
		CleanupTimeout:  time.Minute,
	}
}

// Infrastructure runs workspace runtimes as docker containers.
type Infrastructure struct {
	client    Client
	registry  *runtimes.Registry
	publisher pubsub.Publisher[runtime.Event]
	channels  infrastructure.ChannelAllocator
	records   RecordStore
	ports     *PortAllocator
	pipeline  *provision.Pipeline[*Environment]
	contexts  *infrastructure.Contexts
	config    Config
}

var _ infrastructure.Infrastructure = &Infrastructure{}

type Option func(*Infrastructure)

func WithChannels(channels infrastructure.ChannelAllocator) Option {
	return func(d *Infrastructure) {
		d.channels = channels
	}
}

func WithRecords(records RecordStore) Option {
	return func(d *Infrastructure) {
		d.records = records
	}
}

func WithPublisher(publisher pubsub.Publisher[runtime.Event]) Option {
	return func(d *Infrastructure) {
		d.publisher = publisher
	}
}

func WithConfig(config Config) Option {
	return func(d *Infrastructure) {
		d.config = config
	}
}

func NewInfrastructure(client Client, registry *runtimes.Registry, ports *PortAllocator, opts ...Option) (*Infrastructure, error) {
	d := &Infrastructure{
		client:   client,
		registry: registry,
		ports:    ports,
		contexts: infrastructure.NewContexts(),
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}

	pipeline, err := NewPipeline(ports, d.config.BindAddress)
	if err != nil {
		return nil, err
	}
	d.pipeline = pipeline
	log.Debug().Msgf("docker provisioning order: %v", pipeline.Order())
	return d, nil
}

func (d *Infrastructure) Type() string {
	return infrastructure.TypeDocker
}

func (d *Infrastructure) Context(id runtime.Identity) (*infrastructure.RuntimeContext, bool) {
	return d.contexts.Live(id)
}

func (d *Infrastructure) Prepare(ctx context.Context, desired *runtime.Environment, id runtime.Identity) (*infrastructure.RuntimeContext, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	backend, err := NewEnvironment(desired, id)
	if err != nil {
		return nil, err
	}

	unlock := d.registry.Lock(id)
	defer unlock()

	if rc, ok := d.contexts.Live(id); ok {
		log.Info().Msgf("runtime %s is already %s", id, rc.Runtime().Status())
		return rc, nil
	}

	if err := d.pipeline.Apply(ctx, desired, backend, id); err != nil {
		d.ports.Release(id)
		return nil, err
	}

	var outputChannel *url.URL
	if d.channels != nil {
		outputChannel, err = d.channels.Allocate(id)
		if err != nil {
			d.ports.Release(id)
			return nil, runtime.NewInfrastructureError(err, "error allocating output channel for runtime %s", id)
		}
	}

	network := backend.Network
	rt := runtimes.NewRuntime(id, d.Type(),
		runtimes.WithPublisher(d.publisher),
		runtimes.WithStopTimeout(d.config.StopTimeout),
		runtimes.WithTeardown(func(ctx context.Context, rt *runtimes.Runtime) error {
			return d.removeResources(ctx, rt.Machines(), network)
		}),
	)
	if err := d.registry.Put(rt); err != nil {
		d.release(id)
		return nil, runtime.NewInfrastructureError(err, "error registering runtime")
	}
	rc := infrastructure.NewRuntimeContext(desired, id, d, rt, outputChannel)
	d.contexts.Track(rc, func() { d.release(id) })

	d.saveRecord(rt, outputChannel)
	rt.Announce("starting runtime")

	if err := d.start(ctx, rt, backend); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CleanupTimeout)
		defer cancel()
		if cerr := d.removeResources(cleanupCtx, rt.Machines(), network); cerr != nil {
			log.Error().Err(cerr).Msgf("error cleaning up runtime %s after failed start", id)
		}
		if ferr := rt.Fail(err); ferr != nil {
			log.Error().Err(ferr).Msgf("error failing runtime %s", id)
		}
		return nil, err
	}

	if err := rt.MarkRunning(); err != nil {
		return nil, runtime.NewInfrastructureError(err, "runtime %s changed state while starting", id)
	}
	d.saveRecord(rt, outputChannel)
	log.Info().Msgf("started runtime %s", id)
	return rc, nil
}

func (d *Infrastructure) start(ctx context.Context, rt *runtimes.Runtime, backend *Environment) error {
	id := rt.Identity()

	if err := d.ensureNetwork(ctx, backend.Network, id); err != nil {
		return err
	}
	if err := d.removeOrphans(ctx, id); err != nil {
		return err
	}

	names := make([]string, 0, len(backend.Containers))
	for name := range backend.Containers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := backend.Containers[name]

		rt.Announce(fmt.Sprintf("pulling image %s for machine %s", c.Image, name))
		if err := d.client.PullImage(ctx, c.Image); err != nil {
			return infraError(ctx, err, "error pulling image %s for machine %s", c.Image, name)
		}

		containerID, err := d.client.CreateContainer(ctx, containerSpec(c, backend.Network, name))
		if err != nil {
			return infraError(ctx, err, "error creating container for machine %s", name)
		}
		rt.SetMachine(&runtime.Machine{
			Name:        name,
			ContainerID: containerID,
			Servers:     d.servers(c.Labels),
		})

		if err := d.client.StartContainer(ctx, containerID); err != nil {
			return infraError(ctx, err, "error starting container for machine %s", name)
		}
		log.Info().Msgf("Started docker container %s for machine %s", containerID, name)
	}

	for name, m := range rt.Machines() {
		info, err := d.client.InspectContainer(ctx, m.ContainerID)
		if err != nil {
			return infraError(ctx, err, "error inspecting container for machine %s", name)
		}
		if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
			exitCode := -1
			if info.ContainerJSONBase != nil && info.State != nil {
				exitCode = info.State.ExitCode
			}
			return runtime.NewInfrastructureError(nil, "container for machine %s is not running (exit code %d)", name, exitCode)
		}
	}
	return nil
}

func (d *Infrastructure) ensureNetwork(ctx context.Context, name string, id runtime.Identity) error {
	_, found, err := d.client.FindNetwork(ctx, name)
	if err != nil {
		return infraError(ctx, err, "error looking up network %s", name)
	}
	if found {
		return nil
	}
	networkLabels := labels.NewSerializer().Identity(id).Labels()
	if _, err := d.client.CreateNetwork(ctx, name, networkLabels); err != nil {
		return infraError(ctx, err, "error creating network %s", name)
	}
	return nil
}

// removeOrphans removes containers of id left behind by an earlier start that was not cleaned up.
func (d *Infrastructure) removeOrphans(ctx context.Context, id runtime.Identity) error {
	containers, err := d.client.ListContainers(ctx, map[string]string{
		labels.LabelWorkspaceID: id.WorkspaceID,
		labels.LabelEnvName:     id.EnvName,
	})
	if err != nil {
		return infraError(ctx, err, "error listing containers of runtime %s", id)
	}
	for _, c := range containers {
		owner, ok := labels.NewDeserializer(c.Labels).Identity()
		if !ok || owner != id {
			continue
		}
		log.Warn().Msgf("removing orphaned container %s of runtime %s", c.ID, id)
		if err := d.client.RemoveContainer(ctx, c.ID); err != nil && !errdefs.IsNotFound(err) {
			return infraError(ctx, err, "error removing orphaned container %s", c.ID)
		}
	}
	return nil
}

// removeResources is best effort: it attempts every removal and returns the combined errors.
func (d *Infrastructure) removeResources(ctx context.Context, machines map[string]runtime.Machine, network string) error {
	names := make([]string, 0, len(machines))
	for name := range machines {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	grace := int(d.config.StopGracePeriod / time.Second)
	for _, name := range names {
		containerID := machines[name].ContainerID
		if containerID == "" {
			continue
		}
		if serr := d.client.StopContainer(ctx, containerID, grace); serr != nil && !errdefs.IsNotFound(serr) {
			log.Warn().Err(serr).Msgf("error stopping container %s of machine %s, removing it anyway", containerID, name)
		}
		if rerr := d.client.RemoveContainer(ctx, containerID); rerr != nil && !errdefs.IsNotFound(rerr) {
			err = multierr.Append(err, fmt.Errorf("error removing container %s of machine %s: %w", containerID, name, rerr))
		}
	}
	if network != "" {
		if nerr := d.client.RemoveNetwork(ctx, network); nerr != nil && !errdefs.IsNotFound(nerr) {
			err = multierr.Append(err, fmt.Errorf("error removing network %s: %w", network, nerr))
		}
	}
	if err != nil {
		return runtime.NewInfrastructureError(err, "error removing docker resources")
	}
	return nil
}

func (d *Infrastructure) release(id runtime.Identity) {
	d.ports.Release(id)
	if d.channels != nil {
		d.channels.Release(id)
	}
}

func (d *Infrastructure) saveRecord(rt *runtimes.Runtime, outputChannel *url.URL) {
	if d.records == nil {
		return
	}
	rec := store.NewRecord(rt.Identity(), d.Type(), rt.Status())
	if outputChannel != nil {
		rec.OutputChannel = outputChannel.String()
	}
	rec.Machines = rt.Machines()
	if err := d.records.Save(rec); err != nil {
		log.Error().Err(err).Msgf("error saving record of runtime %s", rt.Identity())
	}
}

// servers resolves the address of every server of a container from its labels.
func (d *Infrastructure) servers(containerLabels map[string]string) map[string]runtime.Server {
	deserializer := labels.NewDeserializer(containerLabels)
	hostPorts := deserializer.HostPorts()

	servers := make(map[string]runtime.Server)
	for ref, server := range deserializer.Servers() {
		s := runtime.Server{
			Ref:      ref,
			Port:     server.Port,
			Protocol: server.Protocol,
			HostPort: hostPorts[ref],
		}
		if s.HostPort != "" {
			scheme := server.Protocol
			if scheme == "" {
				scheme = "tcp"
			}
			u := url.URL{
				Scheme: scheme,
				Host:   d.config.PublicHost + ":" + s.HostPort,
				Path:   server.Path,
			}
			s.URL = u.String()
		}
		servers[ref] = s
	}
	return servers
}

func containerSpec(c *ContainerConfig, network, machine string) ContainerSpec {
	return ContainerSpec{
		Name: c.Name,
		Config: &container.Config{
			Image:        c.Image,
			Cmd:          c.Command,
			Env:          envList(c.Env),
			ExposedPorts: c.ExposedPorts,
			Labels:       c.Labels,
		},
		HostConfig: &container.HostConfig{
			PortBindings:  c.PortBindings,
			Mounts:        append([]mount.Mount(nil), c.Mounts...),
			NetworkMode:   container.NetworkMode(network),
			RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		},
		Network: network,
		Aliases: []string{machine},
	}
}

// infraError wraps a backend error. If the failure was caused by ctx being cancelled, the
// context error is kept in the chain so callers can tell.
func infraError(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return runtime.NewInfrastructureError(err, format, args...)
}

