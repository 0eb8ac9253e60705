package docker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/infrastructure"
	"github.com/eagraf/habitat-runtime/internal/labels"
	"github.com/eagraf/habitat-runtime/internal/runtimes"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type recoveredRuntime struct {
	id         runtime.Identity
	containers []types.Container
}

// Recover rebuilds the runtimes of the workspace containers found on the docker host. A runtime
// with at least one running container is registered as RUNNING with its previous output channel.
// The containers of a runtime that has none running are removed. Records of runtimes that have
// no containers left are deleted.
func (d *Infrastructure) Recover(ctx context.Context) error {
	containers, err := d.client.ListContainers(ctx, map[string]string{
		labels.LabelWorkspaceID: "",
	})
	if err != nil {
		return runtime.NewInfrastructureError(err, "error listing workspace containers")
	}

	groups := make(map[string]*recoveredRuntime)
	for _, c := range containers {
		id, ok := labels.NewDeserializer(c.Labels).Identity()
		if !ok {
			continue
		}
		group, ok := groups[id.Key()]
		if !ok {
			group = &recoveredRuntime{id: id}
			groups[id.Key()] = group
		}
		group.containers = append(group.containers, c)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	recovered := make(map[string]bool)
	var errs error
	for _, key := range keys {
		ok, err := d.recoverRuntime(ctx, groups[key])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error recovering runtime %s: %w", groups[key].id, err))
		}
		if ok {
			recovered[key] = true
		}
	}

	if d.records != nil {
		records, err := d.records.List(d.Type())
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("error listing runtime records: %w", err))
		}
		for _, rec := range records {
			if recovered[rec.RuntimeKey] {
				continue
			}
			if _, live := d.contexts.Live(rec.Identity()); live {
				continue
			}
			log.Info().Msgf("deleting record of runtime %s, which has no containers left", rec.RuntimeKey)
			if err := d.records.Delete(rec.Identity()); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (d *Infrastructure) recoverRuntime(ctx context.Context, group *recoveredRuntime) (bool, error) {
	id := group.id

	unlock := d.registry.Lock(id)
	defer unlock()

	if _, ok := d.contexts.Live(id); ok {
		return true, nil
	}

	desired := &runtime.Environment{
		Machines: make(map[string]*runtime.MachineConfig),
	}
	machines := make([]*runtime.Machine, 0, len(group.containers))
	byName := make(map[string]runtime.Machine)
	running := false
	for _, c := range group.containers {
		deserializer := labels.NewDeserializer(c.Labels)
		name := deserializer.MachineName()
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if c.State == "running" {
			running = true
		}

		m := &runtime.Machine{
			Name:        name,
			ContainerID: c.ID,
			Servers:     d.servers(c.Labels),
		}
		machines = append(machines, m)
		byName[name] = *m
		desired.Machines[name] = &runtime.MachineConfig{
			Image:   c.Image,
			Servers: deserializer.Servers(),
		}
	}

	network := NetworkName(id)
	if !running {
		log.Info().Msgf("removing containers of runtime %s, none of which are running", id)
		err := d.removeResources(ctx, byName, network)
		if d.records != nil {
			err = multierr.Append(err, d.records.Delete(id))
		}
		return false, err
	}

	for _, m := range machines {
		for ref, server := range m.Servers {
			port, err := strconv.Atoi(server.HostPort)
			if err != nil {
				continue
			}
			if err := d.ports.Reserve(id, m.Name, ref, port); err != nil {
				log.Warn().Err(err).Msgf("could not reserve host port of server %s of machine %s", ref, m.Name)
			}
		}
	}

	outputChannel, err := d.restoreChannel(id)
	if err != nil {
		d.ports.Release(id)
		return false, err
	}

	rt := runtimes.NewRuntime(id, d.Type(),
		runtimes.WithStatus(runtime.StatusRunning),
		runtimes.WithMachines(machines...),
		runtimes.WithPublisher(d.publisher),
		runtimes.WithStopTimeout(d.config.StopTimeout),
		runtimes.WithTeardown(func(ctx context.Context, rt *runtimes.Runtime) error {
			return d.removeResources(ctx, rt.Machines(), network)
		}),
	)
	if err := d.registry.Put(rt); err != nil {
		d.release(id)
		return false, err
	}
	rc := infrastructure.NewRuntimeContext(desired, id, d, rt, outputChannel)
	d.contexts.Track(rc, func() { d.release(id) })
	d.saveRecord(rt, outputChannel)

	log.Info().Msgf("recovered runtime %s with %d machines", id, len(machines))
	return true, nil
}

// restoreChannel reattaches the output channel persisted for id, or allocates a new one if
// none was persisted.
func (d *Infrastructure) restoreChannel(id runtime.Identity) (*url.URL, error) {
	if d.channels == nil {
		return nil, nil
	}
	if d.records != nil {
		rec, err := d.records.Get(id)
		if err == nil && rec.OutputChannel != "" {
			return d.channels.Restore(id, rec.OutputChannel)
		}
	}
	return d.channels.Allocate(id)
}
