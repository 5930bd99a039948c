package runner

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"stackctl/pkg/logging"
)

const labelPrefix = "stackctl"

// DockerRunner drives services as containers via the Docker Engine API.
// It implements both Runner and ResourceManager.
type DockerRunner struct {
	client     *client.Client
	deployment string // deployment ID, used for labels and resource scoping
}

// NewDockerRunner initializes the docker backend from the environment
// (DOCKER_HOST and friends).
func NewDockerRunner(deploymentID string) (*DockerRunner, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{client: c, deployment: deploymentID}, nil
}

// Start creates and starts a container for the service. A stale container
// with the same name from a previous run is removed first.
func (r *DockerRunner) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	name := r.scopedName(spec.Service)

	// Remove any leftover container from an earlier run of this service.
	if _, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{}); err == nil {
		_, _ = r.client.ContainerStop(ctx, name, client.ContainerStopOptions{})
		if _, err := r.client.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true}); err != nil {
			return Handle{}, &ProcessError{Op: "start", Service: spec.Service,
				Err: fmt.Errorf("remove stale container %q: %w", name, err)}
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	exposed, portMap, err := parsePorts(spec.Ports)
	if err != nil {
		return Handle{}, &ProcessError{Op: "start", Service: spec.Service, Err: err}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.Name,
			Target:   m.Path,
			ReadOnly: m.ReadOnly,
		})
	}

	labels := map[string]string{
		labelPrefix + ".deployment": r.deployment,
		labelPrefix + ".service":    spec.Service,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	endpoints := make(map[string]*network.EndpointSettings, len(spec.Networks))
	for _, n := range spec.Networks {
		endpoints[n] = &network.EndpointSettings{Aliases: []string{spec.Service}}
	}

	created, err := r.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  name,
		Image: spec.Image,
		Config: &container.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Env:          env,
			Labels:       labels,
			ExposedPorts: exposed,
		},
		HostConfig: &container.HostConfig{
			Mounts:       mounts,
			PortBindings: portMap,
			// Restart decisions belong to the supervisor, never the engine.
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		},
		NetworkingConfig: &network.NetworkingConfig{EndpointsConfig: endpoints},
	})
	if err != nil {
		return Handle{}, &ProcessError{Op: "start", Service: spec.Service,
			Err: fmt.Errorf("create container %q: %w", name, err)}
	}

	if _, err := r.client.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		return Handle{}, &ProcessError{Op: "start", Service: spec.Service,
			Err: fmt.Errorf("start container %q: %w", name, err)}
	}

	logging.Debug("DockerRunner", "Started container %s for service %s", created.ID[:12], spec.Service)
	return Handle{ID: created.ID, Service: spec.Service}, nil
}

// Stop stops the container within grace, then removes it. The engine
// escalates to SIGKILL once the grace period elapses.
func (r *DockerRunner) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	secs := int(grace.Seconds())
	if _, err := r.client.ContainerStop(ctx, h.ID, client.ContainerStopOptions{Timeout: &secs}); err != nil {
		if !errdefs.IsNotFound(err) {
			return &ProcessError{Op: "stop", Service: h.Service,
				Err: fmt.Errorf("stop container %q: %w", h.ID, err)}
		}
	}
	if _, err := r.client.ContainerRemove(ctx, h.ID, client.ContainerRemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return &ProcessError{Op: "stop", Service: h.Service,
				Err: fmt.Errorf("remove container %q: %w", h.ID, err)}
		}
	}
	return nil
}

// Wait delivers the container's exit status on the returned channel.
func (r *DockerRunner) Wait(h Handle) <-chan ExitStatus {
	out := make(chan ExitStatus, 1)
	go func() {
		waitC := r.client.ContainerWait(context.Background(), h.ID, client.ContainerWaitOptions{})
		select {
		case err := <-waitC.Error:
			out <- ExitStatus{Err: fmt.Errorf("wait for container %q: %w", h.ID, err)}
		case res := <-waitC.Result:
			out <- ExitStatus{Code: int(res.StatusCode)}
		}
	}()
	return out
}

// EnsureVolume creates the volume if it does not exist. Creation races
// resolve by re-inspecting rather than matching error strings.
func (r *DockerRunner) EnsureVolume(ctx context.Context, name string) error {
	_, err := r.client.VolumeInspect(ctx, name, client.VolumeInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect volume %q: %w", name, err)
	}

	_, err = r.client.VolumeCreate(ctx, client.VolumeCreateOptions{
		Name:   name,
		Labels: map[string]string{labelPrefix + ".deployment": r.deployment},
	})
	if err != nil {
		if _, ie := r.client.VolumeInspect(ctx, name, client.VolumeInspectOptions{}); ie == nil {
			return nil
		}
		return fmt.Errorf("create volume %q: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether the named volume is present.
func (r *DockerRunner) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.VolumeInspect(ctx, name, client.VolumeInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect volume %q: %w", name, err)
}

// RemoveVolume destroys the named volume.
func (r *DockerRunner) RemoveVolume(ctx context.Context, name string) error {
	if _, err := r.client.VolumeRemove(ctx, name, client.VolumeRemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %q: %w", name, err)
	}
	return nil
}

// EnsureNetwork creates the network if it does not exist.
func (r *DockerRunner) EnsureNetwork(ctx context.Context, name string) error {
	_, err := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %q: %w", name, err)
	}

	_, err = r.client.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Labels: map[string]string{labelPrefix + ".deployment": r.deployment},
	})
	if err != nil {
		if _, ie := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{}); ie == nil {
			return nil
		}
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// NetworkExists reports whether the named network is present.
func (r *DockerRunner) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect network %q: %w", name, err)
}

// RemoveNetwork destroys the named network.
func (r *DockerRunner) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := r.client.NetworkRemove(ctx, name, client.NetworkRemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove network %q: %w", name, err)
	}
	return nil
}

// ContainerStatus describes one deployment container for status
// listings.
type ContainerStatus struct {
	Service     string
	Deployment  string
	ContainerID string
	State       string
	Status      string
}

// ListContainers returns every stackctl-labelled container known to the
// engine, optionally filtered to one deployment ID.
func ListContainers(ctx context.Context, deployment string) ([]ContainerStatus, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	defer c.Close()

	f := make(client.Filters).Add("label", labelPrefix+".service")
	if deployment != "" {
		f = f.Add("label", labelPrefix+".deployment="+deployment)
	}

	containers, err := c.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerStatus, 0, len(containers.Items))
	for _, item := range containers.Items {
		out = append(out, ContainerStatus{
			Service:     item.Labels[labelPrefix+".service"],
			Deployment:  item.Labels[labelPrefix+".deployment"],
			ContainerID: item.ID,
			State:       string(item.State),
			Status:      item.Status,
		})
	}
	return out, nil
}

// RemovedResources summarizes a label-scoped teardown.
type RemovedResources struct {
	Containers int
	Volumes    int
	Networks   int
}

// RemoveDeployment force-removes every container, volume, and network
// labelled with the given deployment ID. It cleans up after a supervisor
// process that died without tearing its deployment down; external
// resources never carry the label and are left untouched.
func RemoveDeployment(ctx context.Context, deployment string) (RemovedResources, error) {
	var removed RemovedResources

	c, err := client.New(client.FromEnv)
	if err != nil {
		return removed, fmt.Errorf("failed to create docker client: %w", err)
	}
	defer c.Close()

	f := make(client.Filters).Add("label", labelPrefix+".deployment="+deployment)

	containers, err := c.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return removed, fmt.Errorf("list deployment containers: %w", err)
	}
	for _, item := range containers.Items {
		_, _ = c.ContainerStop(ctx, item.ID, client.ContainerStopOptions{})
		if _, err := c.ContainerRemove(ctx, item.ID, client.ContainerRemoveOptions{Force: true}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return removed, fmt.Errorf("remove container %q: %w", item.ID, err)
		}
		removed.Containers++
	}

	// Containers must be gone before their volumes can be removed.
	vols, err := c.VolumeList(ctx, client.VolumeListOptions{Filters: f})
	if err != nil {
		return removed, fmt.Errorf("list deployment volumes: %w", err)
	}
	for _, v := range vols.Items {
		if _, err := c.VolumeRemove(ctx, v.Name, client.VolumeRemoveOptions{}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return removed, fmt.Errorf("remove volume %q: %w", v.Name, err)
		}
		removed.Volumes++
	}

	nets, err := c.NetworkList(ctx, client.NetworkListOptions{Filters: f})
	if err != nil {
		return removed, fmt.Errorf("list deployment networks: %w", err)
	}
	for _, n := range nets.Items {
		if _, err := c.NetworkRemove(ctx, n.ID, client.NetworkRemoveOptions{}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return removed, fmt.Errorf("remove network %q: %w", n.Name, err)
		}
		removed.Networks++
	}

	return removed, nil
}

func (r *DockerRunner) scopedName(service string) string {
	return fmt.Sprintf("%s-%s", r.deployment, service)
}

// parsePorts converts "host:container" publish specs into the engine's
// exposed-port set and binding map. Parsing is delegated to
// go-connections, the same grammar docker compose files use.
func parsePorts(specs []string) (network.PortSet, network.PortMap, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}

	natExposed, natBindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse port specs: %w", err)
	}

	exposed := network.PortSet{}
	for natPort := range natExposed {
		port, ok := network.PortFrom(uint16(natPort.Int()), network.IPProtocol(natPort.Proto()))
		if !ok {
			return nil, nil, fmt.Errorf("invalid port %q", natPort)
		}
		exposed[port] = struct{}{}
	}

	portMap := network.PortMap{}
	for natPort, bindings := range natBindings {
		port, ok := network.PortFrom(uint16(natPort.Int()), network.IPProtocol(natPort.Proto()))
		if !ok {
			return nil, nil, fmt.Errorf("invalid port %q", natPort)
		}
		for _, b := range bindings {
			hostIP := b.HostIP
			if hostIP == "" {
				hostIP = "0.0.0.0"
			}
			addr, err := netip.ParseAddr(hostIP)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid host ip %q: %w", b.HostIP, err)
			}
			portMap[port] = append(portMap[port], network.PortBinding{
				HostIP:   addr,
				HostPort: b.HostPort,
			})
		}
	}

	return exposed, portMap, nil
}
