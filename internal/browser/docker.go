package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const cdpPort = nat.Port("3000/tcp")

// DockerOptions configures the container launcher
type DockerOptions struct {
	Image        string        // default browserless/chrome:latest
	Host         string        // host the published port is reachable on, default localhost
	ReadyTimeout time.Duration // default 30s
	Logger       *slog.Logger
}

// DockerLauncher runs each browser in its own browserless container
type DockerLauncher struct {
	client *client.Client
	http   *http.Client
	opts   DockerOptions
}

// NewDockerLauncher connects to the Docker daemon from the environment
func NewDockerLauncher(opts DockerOptions) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if opts.Image == "" {
		opts.Image = "browserless/chrome:latest"
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &DockerLauncher{
		client: cli,
		http:   &http.Client{Timeout: 2 * time.Second},
		opts:   opts,
	}, nil
}

// EnsureImage pulls the browser image if it is not present locally
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.opts.Image {
				return nil
			}
		}
	}

	l.opts.Logger.Info("pulling browser image", "image", l.opts.Image)
	reader, err := l.client.ImagePull(ctx, l.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Launch starts a container for runID and waits for its DevTools endpoint
func (l *DockerLauncher) Launch(ctx context.Context, runID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: l.opts.Image,
		Labels: map[string]string{
			"run-id":     runID,
			"managed-by": "examflow",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",     // runs may wait on a human for a long time
			"MAX_CONCURRENT_SESSIONS=1", // one run per container
			"PREBOOT_CHROME=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{cdpPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst := &Instance{RunID: runID, ContainerID: resp.ID}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(inst)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.remove(inst)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		l.remove(inst)
		return nil, fmt.Errorf("container %s has no published CDP port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	readyCtx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
	defer cancel()
	if err := waitForBrowserReady(readyCtx, l.http, fmt.Sprintf("http://%s:%s", l.opts.Host, port)); err != nil {
		l.remove(inst)
		return nil, err
	}

	inst.ConnectURL = fmt.Sprintf("ws://%s:%s", l.opts.Host, port)
	l.opts.Logger.Info("browser container ready", "run_id", runID, "container", resp.ID[:12], "port", port)
	return inst, nil
}

// Stop stops and removes the run's container
func (l *DockerLauncher) Stop(ctx context.Context, inst *Instance) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, inst.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// remove force-removes a container that never became usable
func (l *DockerLauncher) remove(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		l.opts.Logger.Warn("failed to remove container", "container", inst.ContainerID, "error", err)
	}
}

// Close releases the Docker client
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func containerName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "examflow-run-" + runID
}
