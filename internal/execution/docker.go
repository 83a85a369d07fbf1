package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/logging"
)

const (
	containerPrefix = "appgate-"
	cpuPeriod       = 100000
	labelInvocation = "appgate.invocation"
	labelRuntime    = "appgate.runtime"
)

// DockerSandbox runs sandboxes as docker containers.
type DockerSandbox struct {
	client *docker.Client
}

// NewDockerSandbox connects to endpoint, or to the environment's
// DOCKER_HOST when endpoint is empty.
func NewDockerSandbox(endpoint string) (*DockerSandbox, error) {
	var (
		client *docker.Client
		err    error
	)
	if endpoint == "" {
		client, err = docker.NewClientFromEnv()
	} else {
		client, err = docker.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSandbox{client: client}, nil
}

// Ping checks that the docker daemon is reachable.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	return d.client.PingWithContext(ctx)
}

func containerName(id string) string {
	return containerPrefix + id
}

// Run creates, starts and waits for the container. The container is
// removed once it exits.
func (d *DockerSandbox) Run(ctx context.Context, spec SandboxSpec) (int, error) {
	opts := d.createOptions(ctx, spec)

	container, err := d.client.CreateContainer(opts)
	if errors.Is(err, docker.ErrNoSuchImage) {
		if err := d.pull(ctx, spec.Image); err != nil {
			return 0, err
		}
		container, err = d.client.CreateContainer(opts)
	}
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	defer d.remove(container.ID)

	if err := d.client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		var already *docker.ContainerAlreadyRunning
		if !errors.As(err, &already) {
			return 0, fmt.Errorf("start container: %w", err)
		}
	}

	exitCode, err := d.client.WaitContainerWithContext(container.ID, ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("wait container: %w", err)
	}
	if exitCode == 137 {
		logging.Warn("sandbox killed, possibly out of memory",
			zap.String("sandbox_id", spec.ID),
			zap.Int64("memory_mb", spec.MemoryMB),
		)
	}
	return exitCode, nil
}

func (d *DockerSandbox) createOptions(ctx context.Context, spec SandboxSpec) docker.CreateContainerOptions {
	host := &docker.HostConfig{
		Binds:          []string{spec.HostDir + ":/sandbox"},
		NetworkMode:    spec.Network,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Init:           true,
	}
	if spec.MemoryMB > 0 {
		host.Memory = spec.MemoryMB << 20
		host.MemorySwap = host.Memory // disables swap
	}
	if spec.CPUs > 0 {
		host.CPUPeriod = cpuPeriod
		host.CPUQuota = int64(spec.CPUs * cpuPeriod)
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		host.PidsLimit = &pids
	}

	return docker.CreateContainerOptions{
		Name: containerName(spec.ID),
		Config: &docker.Config{
			Image:           spec.Image,
			Cmd:             spec.Command,
			Env:             spec.Env,
			WorkingDir:      "/sandbox",
			NetworkDisabled: spec.Network == "none",
			Labels: map[string]string{
				labelInvocation: spec.ID,
				labelRuntime:    spec.Runtime,
			},
		},
		HostConfig: host,
		Context:    ctx,
	}
}

func (d *DockerSandbox) pull(ctx context.Context, image string) error {
	repo, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}
	logging.Info("pulling sandbox image", zap.String("image", image))
	err := d.client.PullImage(docker.PullImageOptions{
		Repository: repo,
		Tag:        tag,
		Context:    ctx,
	}, docker.AuthConfiguration{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

func (d *DockerSandbox) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	err := d.client.RemoveContainer(docker.RemoveContainerOptions{
		ID: containerID, Force: true, RemoveVolumes: true, Context: ctx,
	})
	if err != nil && !isNoSuchContainer(err) {
		logging.Warn("error removing container", zap.String("container", containerID), zap.Error(err))
	}
}

// Kill stops the sandbox and force-removes its container.
func (d *DockerSandbox) Kill(ctx context.Context, id string) error {
	name := containerName(id)
	err := d.client.KillContainer(docker.KillContainerOptions{ID: name, Context: ctx})
	if err != nil && !isNoSuchContainer(err) && !isNotRunning(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	err = d.client.RemoveContainer(docker.RemoveContainerOptions{
		ID: name, Force: true, RemoveVolumes: true, Context: ctx,
	})
	if err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func isNoSuchContainer(err error) bool {
	var nsc *docker.NoSuchContainer
	return errors.As(err, &nsc)
}

func isNotRunning(err error) bool {
	var nr *docker.ContainerNotRunning
	return errors.As(err, &nr) || strings.Contains(err.Error(), "is not running")
}
