package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"Armada/internal/config"
	"Armada/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	labelPrefix     = "armada.worker"
	labelInstanceID = labelPrefix + ".id"
	labelName       = labelPrefix + ".name"
	labelManagedBy  = labelPrefix + ".managed-by"
)

type DockerProvider struct {
	client *client.Client
	config config.DockerConfig
	logger *slog.Logger
	mu     sync.RWMutex
}

// New creates a new Docker provider
func New(cfg config.DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		client: cli,
		config: cfg,
		logger: logger.With("provider", "docker"),
	}, nil
}

func (p *DockerProvider) Name() string {
	return "docker"
}

func (p *DockerProvider) Provision(ctx context.Context, spec *provider.ProvisionSpec) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instanceID := uuid.New().String()
	containerName := fmt.Sprintf("armada-worker-%s", instanceID[:8])

	p.logger.Info("creating container", "id", instanceID, "name", spec.Name)

	if p.config.PullPolicy == "always" || p.config.PullPolicy == "if-not-present" {
		if err := p.pullImage(ctx); err != nil {
			return nil, &provider.ProvisionError{Provider: "docker", Op: "pull", Err: err}
		}
	}

	labels := p.buildLabels(instanceID, spec)

	// The container starts idle; the worker process is installed and
	// started later via RunCommand so no credential enters its config.
	containerConfig := &container.Config{
		Image:  p.config.Image,
		Cmd:    []string{"sleep", "infinity"},
		Labels: labels,
		Env: []string{
			fmt.Sprintf("WORKER_NAME=%s", spec.Name),
			fmt.Sprintf("WORKER_WORKDIR=%s", p.config.WorkDir),
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
	}

	if len(p.config.Volumes) > 0 {
		hostConfig.Binds = p.config.Volumes
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		containerName,
	)
	if err != nil {
		return nil, &provider.ProvisionError{Provider: "docker", Op: "create", Err: err}
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up container on start failure
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &provider.ProvisionError{Provider: "docker", Op: "start", Err: err}
	}

	p.logger.Info("container started",
		"id", instanceID,
		"container_id", resp.ID,
		"name", spec.Name,
	)

	return &provider.Instance{
		ID:         instanceID,
		Name:       spec.Name,
		Provider:   "docker",
		ProviderID: resp.ID,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"container_id": resp.ID,
			"image":        p.config.Image,
		},
	}, nil
}

func (p *DockerProvider) Destroy(ctx context.Context, inst *provider.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("removing container", "id", inst.ID, "container_id", inst.ProviderID)

	stopTimeout := 30
	if err := p.client.ContainerStop(ctx, inst.ProviderID, container.StopOptions{
		Timeout: &stopTimeout,
	}); err != nil {
		p.logger.Warn("graceful stop failed, forcing removal", "id", inst.ID, "error", err)
	}

	if err := p.client.ContainerRemove(ctx, inst.ProviderID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return &provider.ProvisionError{Provider: "docker", Op: "remove", Err: err}
	}

	p.logger.Info("container removed", "id", inst.ID)
	return nil
}

func (p *DockerProvider) RunCommand(ctx context.Context, inst *provider.Instance, script string) (*provider.CommandResult, error) {
	execResp, err := p.client.ContainerExecCreate(ctx, inst.ProviderID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &provider.CommandResult{
		ExitCode: inspect.ExitCode,
		Output:   string(output),
	}, nil
}

func (p *DockerProvider) List(ctx context.Context) ([]*provider.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var instances []*provider.Instance
	for _, c := range containers {
		if c.Labels[labelManagedBy] != "armada" {
			continue
		}

		instances = append(instances, &provider.Instance{
			ID:         c.Labels[labelInstanceID],
			Name:       c.Labels[labelName],
			Provider:   "docker",
			ProviderID: c.ID,
			CreatedAt:  time.Unix(c.Created, 0),
			Metadata: map[string]string{
				"container_id": c.ID,
				"image":        c.Image,
				"state":        c.State,
			},
		})
	}

	return instances, nil
}

func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker health check failed: %w", err)
	}
	return nil
}

func (p *DockerProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *DockerProvider) pullImage(ctx context.Context) error {
	p.logger.Info("pulling image", "image", p.config.Image)

	reader, err := p.client.ImagePull(ctx, p.config.Image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the output to ensure pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) buildLabels(instanceID string, spec *provider.ProvisionSpec) map[string]string {
	labels := map[string]string{
		labelInstanceID: instanceID,
		labelName:       spec.Name,
		labelManagedBy:  "armada",
	}

	// Merge custom labels from config
	for k, v := range p.config.Labels {
		labels[k] = v
	}

	for k, v := range spec.Tags {
		labels[labelPrefix+"."+k] = v
	}

	return labels
}
