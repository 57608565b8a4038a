package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"gpumux/pkg/types"
)

// DockerAdapter runs a model as a managed container. For this backend
// ModelPath is the image reference; additional_parameters may carry env
// ("env": "K=V,K2=V2") and a bind mount ("volume": "/host:/ctr").
type DockerAdapter struct {
	opts Options
	mu   sync.Mutex
	cli  *client.Client
	// model id -> container id, for idempotent stop of re-issued handles
	containers map[string]string
}

func NewDockerAdapter(opts Options) *DockerAdapter {
	if opts.StopGraceS <= 0 {
		opts.StopGraceS = 5
	}
	return &DockerAdapter{opts: opts, containers: make(map[string]string)}
}

// ensureClient dials the Docker daemon on first use.
func (a *DockerAdapter) ensureClient() (*client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cli != nil {
		return a.cli, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	a.cli = cli
	return cli, nil
}

func (a *DockerAdapter) ValidateConfig(cfg types.ModelConfig) error {
	if cfg.Framework != types.FrameworkDocker {
		return fmt.Errorf("docker adapter does not serve framework %q", cfg.Framework)
	}
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return errors.New("docker backend: image reference is required in model_path")
	}
	return nil
}

func (a *DockerAdapter) Start(ctx context.Context, cfg types.ModelConfig, devices []string) (*Handle, error) {
	cli, err := a.ensureClient()
	if err != nil {
		return nil, err
	}

	env := []string{"NVIDIA_VISIBLE_DEVICES=" + strings.Join(devices, ",")}
	if raw := cfg.Parameters["env"]; raw != "" {
		for _, kv := range strings.Split(raw, ",") {
			if kv = strings.TrimSpace(kv); kv != "" {
				env = append(env, kv)
			}
		}
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{{
				Driver:       "nvidia",
				DeviceIDs:    devices,
				Capabilities: [][]string{{"gpu"}},
			}},
		},
	}
	if vol := strings.TrimSpace(cfg.Parameters["volume"]); vol != "" {
		hostCfg.Binds = []string{vol}
	}

	name := "gpumux-" + cfg.ID
	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image: cfg.ModelPath,
		Env:   env,
	}, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	a.mu.Lock()
	a.containers[cfg.ID] = created.ID
	a.mu.Unlock()

	h := &Handle{ModelID: cfg.ID, ContainerID: created.ID}
	// Wait until the container reports running (or healthy, when the image
	// defines a HEALTHCHECK).
	for {
		select {
		case <-ctx.Done():
			_ = a.Stop(context.Background(), h)
			return nil, fmt.Errorf("container %s not ready in time", name)
		case <-time.After(200 * time.Millisecond):
		}
		info, err := cli.ContainerInspect(ctx, created.ID)
		if err != nil {
			continue
		}
		if info.State == nil {
			continue
		}
		if info.State.Dead || info.State.OOMKilled || (!info.State.Running && info.State.ExitCode != 0) {
			_ = a.Stop(context.Background(), h)
			return nil, fmt.Errorf("container %s exited early (code %d)", name, info.State.ExitCode)
		}
		if info.State.Health != nil {
			if info.State.Health.Status == "healthy" {
				return h, nil
			}
			continue
		}
		if info.State.Running {
			return h, nil
		}
	}
}

func (a *DockerAdapter) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	id := h.ContainerID
	if id == "" {
		a.mu.Lock()
		id = a.containers[h.ModelID]
		a.mu.Unlock()
	}
	if id == "" {
		return nil
	}
	cli, err := a.ensureClient()
	if err != nil {
		return err
	}
	grace := a.opts.StopGraceS
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	a.mu.Lock()
	delete(a.containers, h.ModelID)
	a.mu.Unlock()
	return nil
}

func (a *DockerAdapter) HealthCheck(ctx context.Context, h *Handle) bool {
	if h == nil || h.ContainerID == "" {
		return false
	}
	cli, err := a.ensureClient()
	if err != nil {
		return false
	}
	info, err := cli.ContainerInspect(ctx, h.ContainerID)
	if err != nil || info.State == nil {
		return false
	}
	if info.State.Health != nil {
		return info.State.Health.Status == "healthy"
	}
	return info.State.Running
}

func (a *DockerAdapter) Logs(ctx context.Context, h *Handle) (io.ReadCloser, error) {
	if h == nil || h.ContainerID == "" {
		return nil, errors.New("nil handle")
	}
	cli, err := a.ensureClient()
	if err != nil {
		return nil, err
	}
	return cli.ContainerLogs(ctx, h.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "500",
	})
}
