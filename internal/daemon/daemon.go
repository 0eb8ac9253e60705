// Package daemon wires the runtime infrastructures, their persistence and the output channel
// server into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/channel"
	"github.com/eagraf/habitat-runtime/internal/config"
	"github.com/eagraf/habitat-runtime/internal/docker"
	"github.com/eagraf/habitat-runtime/internal/environment"
	"github.com/eagraf/habitat-runtime/internal/infrastructure"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/eagraf/habitat-runtime/internal/runtimes"
	"github.com/eagraf/habitat-runtime/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	config   *config.RuntimeConfig
	registry *runtimes.Registry
	manager  *infrastructure.Manager
	records  *store.Store
	server   *channel.Server
}

// New opens the record store and sets up every enabled infrastructure. The docker
// infrastructure is skipped when docker is disabled in the config.
func New(cfg *config.RuntimeConfig) (*Daemon, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0o755); err != nil {
		return nil, fmt.Errorf("error creating runtime directory: %w", err)
	}
	records, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	channels, err := channel.NewAllocator(cfg.ChannelBaseURL())
	if err != nil {
		records.Close()
		return nil, err
	}
	server := channel.NewServer(channels)

	publisher := pubsub.NewSimplePublisher[runtime.Event]()
	publisher.AddSubscriber(server)
	publisher.AddSubscriber(pubsub.SubscriberFunc[runtime.Event](logEvent))
	publisher.AddSubscriber(records)

	registry := runtimes.NewRegistry()
	infrastructures := []infrastructure.Infrastructure{
		infrastructure.NewNoopInfrastructure(registry, publisher),
	}

	if cfg.DockerEnabled() {
		client, err := docker.NewClient(cfg.DockerHost())
		if err != nil {
			records.Close()
			return nil, fmt.Errorf("error connecting to docker: %w", err)
		}
		ports, err := docker.NewPortAllocator(cfg.PortRangeMin(), cfg.PortRangeMax())
		if err != nil {
			records.Close()
			return nil, err
		}
		dockerInfra, err := docker.NewInfrastructure(client, registry, ports,
			docker.WithChannels(channels),
			docker.WithRecords(records),
			docker.WithPublisher(publisher),
			docker.WithConfig(docker.Config{
				PublicHost:      cfg.PublicHost(),
				BindAddress:     cfg.BindAddress(),
				StopTimeout:     cfg.StopTimeout(),
				StopGracePeriod: cfg.StopGracePeriod(),
				CleanupTimeout:  cfg.CleanupTimeout(),
			}),
		)
		if err != nil {
			records.Close()
			return nil, err
		}
		infrastructures = append(infrastructures, dockerInfra)
	} else {
		log.Warn().Msg("docker is disabled, only the noop infrastructure is available")
	}

	return &Daemon{
		config:   cfg,
		registry: registry,
		manager:  infrastructure.NewManager(infrastructures),
		records:  records,
		server:   server,
	}, nil
}

func (d *Daemon) Manager() *infrastructure.Manager {
	return d.manager
}

func (d *Daemon) Registry() *runtimes.Registry {
	return d.registry
}

func (d *Daemon) ChannelHandler() http.Handler {
	return d.server.Handler()
}

// PrepareFile parses the environment file at path and prepares it on the given infrastructure.
func (d *Daemon) PrepareFile(ctx context.Context, infraType, path string, id runtime.Identity) (*infrastructure.RuntimeContext, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := environment.Parse(raw)
	if err != nil {
		return nil, err
	}
	return d.manager.Prepare(ctx, infraType, env, id)
}

// Run recovers runtimes left by a previous process, prepares the configured autostart runtimes
// and serves output channels until ctx is done. Running runtimes are then drained.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.manager.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("error recovering runtimes")
	}
	d.autostart(ctx)

	// egCtx is cancelled if any function called with eg.Go() returns an error.
	eg, egCtx := errgroup.WithContext(ctx)
	channelServer := &http.Server{
		Addr:    d.config.ChannelListenAddress(),
		Handler: d.ChannelHandler(),
	}
	eg.Go(serveFn(channelServer, "output-channels"))

	select {
	case <-egCtx.Done():
		log.Error().Err(egCtx.Err()).Msg("sub-service errored: shutting down")
	case <-ctx.Done():
		log.Info().Msg("Interrupt signal received; stopping runtimes")
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.DrainTimeout())
	defer cancel()
	if err := d.registry.Drain(drainCtx); err != nil {
		log.Error().Err(err).Msg("error draining runtimes")
	}

	if err := channelServer.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("error on output channel server shutdown")
	}
	return eg.Wait()
}

func (d *Daemon) autostart(ctx context.Context) {
	entries, err := d.config.Autostart()
	if err != nil {
		log.Error().Err(err).Msg("error reading autostart runtimes")
		return
	}
	for _, entry := range entries {
		infraType := entry.Infrastructure
		if infraType == "" {
			infraType = infrastructure.TypeDocker
		}
		id := runtime.NewIdentity(entry.WorkspaceID, entry.OwnerID, entry.EnvName, entry.InfraNamespace)
		rc, err := d.PrepareFile(ctx, infraType, entry.File, id)
		if err != nil {
			log.Error().Err(err).Msgf("error starting runtime %s from %s", id, entry.File)
			continue
		}
		logContext(rc)
	}
}

func (d *Daemon) Close() error {
	return d.records.Close()
}

func logEvent(e *runtime.Event) error {
	ev := log.Info()
	if e.Error != "" {
		ev = log.Warn().Str("error", e.Error)
	}
	ev.Str("runtime", e.Identity.String()).Str("status", string(e.Status)).Msg(e.Message)
	return nil
}

func logContext(rc *infrastructure.RuntimeContext) {
	outputChannel, err := rc.OutputChannel()
	switch {
	case errors.Is(err, runtime.ErrUnsupported):
		log.Info().Msgf("runtime %s has no output channel", rc.Identity())
	case err != nil:
		log.Error().Err(err).Msgf("error reading output channel of runtime %s", rc.Identity())
	default:
		log.Info().Msgf("runtime %s streams its output on %s", rc.Identity(), outputChannel)
	}
}

// serveFn returns a callback that serves srv until it is shut down, for use with errgroup.
func serveFn(srv *http.Server, name string) func() error {
	return func() error {
		log.Info().Msgf("Starting server[%s] at %s", name, srv.Addr)
		err := srv.ListenAndServe()
		if err != http.ErrServerClosed {
			log.Err(err).Msgf("server[%s] closed with abnormal error", name)
			return err
		}
		return nil
	}
}
