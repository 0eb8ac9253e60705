package docker

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// ContainerSpec is everything needed to create one container.
type ContainerSpec struct {
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
	Network    string
	Aliases    []string
}

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . Client

// Client is the subset of the Docker API the infrastructure uses.
type Client interface {
	PullImage(ctx context.Context, ref string) error
	FindNetwork(ctx context.Context, name string) (string, bool, error)
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	// ListContainers lists containers, stopped ones included, that carry every given label.
	// An empty label value matches any value.
	ListContainers(ctx context.Context, labels map[string]string) ([]types.Container, error)
}

type sdkClient struct {
	client *client.Client
}

var _ Client = &sdkClient{}

// NewClient connects to the Docker daemon configured by the environment (DOCKER_HOST and friends),
// or to host when it is not empty.
func NewClient(host string) (Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &sdkClient{
		client: dockerClient,
	}, nil
}

func (c *sdkClient) PullImage(ctx context.Context, ref string) error {
	rc, err := c.client.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (c *sdkClient) FindNetwork(ctx context.Context, name string) (string, bool, error) {
	networks, err := c.client.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, err
	}
	// the name filter matches substrings
	for _, n := range networks {
		if n.Name == name {
			return n.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *sdkClient) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := c.client.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *sdkClient) RemoveNetwork(ctx context.Context, id string) error {
	return c.client.NetworkRemove(ctx, id)
}

func (c *sdkClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var networkingConfig *network.NetworkingConfig
	if spec.Network != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {
					Aliases: spec.Aliases,
				},
			},
		}
	}
	resp, err := c.client.ContainerCreate(ctx, spec.Config, spec.HostConfig, networkingConfig, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *sdkClient) StartContainer(ctx context.Context, id string) error {
	return c.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *sdkClient) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	return c.client.ContainerInspect(ctx, id)
}

func (c *sdkClient) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return c.client.ContainerStop(ctx, id, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
}

func (c *sdkClient) RemoveContainer(ctx context.Context, id string) error {
	return c.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: true,
	})
}

func (c *sdkClient) ListContainers(ctx context.Context, labels map[string]string) ([]types.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			args.Add("label", k)
		} else {
			args.Add("label", k+"="+v)
		}
	}
	return c.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
}
