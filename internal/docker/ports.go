package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerInfo captures minimal runtime details about a running container.
type ContainerInfo struct {
	ID          string
	Name        string
	Running     bool
	PortBinding nat.PortMap
}

// HostPorts returns the host ports bound to the container's internal TCP port.
func (i ContainerInfo) HostPorts(internal int) []int {
	port, err := nat.NewPort("tcp", strconv.Itoa(internal))
	if err != nil {
		return nil
	}
	var out []int
	for _, binding := range i.PortBinding[port] {
		if p, err := strconv.Atoi(strings.TrimSpace(binding.HostPort)); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// PublishedPorts lists host ports published by running containers. The port
// allocator treats every returned port as taken.
func (c *Client) PublishedPorts(ctx context.Context) (map[int]string, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return publishedPorts(list), nil
}

func publishedPorts(list []types.Container) map[int]string {
	out := make(map[int]string)
	for _, ctr := range list {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		for _, p := range ctr.Ports {
			if p.PublicPort == 0 {
				continue
			}
			out[int(p.PublicPort)] = name
		}
	}
	return out
}

// PortInUse reports whether any running container publishes port.
func (c *Client) PortInUse(ctx context.Context, port int) (bool, error) {
	ports, err := c.PublishedPorts(ctx)
	if err != nil {
		return false, err
	}
	_, ok := ports[port]
	return ok, nil
}

// InspectContainer returns the port bindings of the named container, polling
// briefly until the engine reports a host port.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerInfo, error) {
	if c == nil || c.inner == nil {
		return ContainerInfo{}, fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}

	var inspect types.ContainerJSON
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, name)
		if err != nil {
			if client.IsErrNotFound(err) {
				return ContainerInfo{}, fmt.Errorf("%w: container %s", ErrNotFound, name)
			}
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) || attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	info := ContainerInfo{PortBinding: nat.PortMap{}}
	if base := inspect.ContainerJSONBase; base != nil {
		info.ID = base.ID
		info.Name = strings.TrimPrefix(base.Name, "/")
		info.Running = base.State != nil && base.State.Running
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		info.PortBinding = inspect.NetworkSettings.Ports
	}
	return info, nil
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
