package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	labelManaged    = "modelhelm.managed"
	labelDeployment = "modelhelm.deployment_id"
	labelModel      = "modelhelm.model_id"
	labelVersion    = "modelhelm.version_id"
	labelHandle     = "modelhelm.handle"
	labelHealthPath = "modelhelm.health_path"
)

// DockerProvisioner serves models as local Docker containers. One handle maps
// to one replica set of containers sharing a handle label; traffic switching
// re-points the stable host alias at the target handle.
type DockerProvisioner struct {
	client       *client.Client
	httpClient   *http.Client
	logger       *slog.Logger
	servingImg   string
	domainSuffix string
}

// NewDocker constructs a docker-backed provisioner from the ambient docker
// environment.
func NewDocker(servingImage, domainSuffix string, logger *slog.Logger) (*DockerProvisioner, error) {
	if strings.TrimSpace(servingImage) == "" {
		return nil, fmt.Errorf("serving image required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "provisioner")
	}
	return &DockerProvisioner{
		client:       cli,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		servingImg:   servingImage,
		domainSuffix: strings.TrimSpace(domainSuffix),
	}, nil
}

// CreateInfrastructure starts req.Config.Replicas serving containers labelled
// with one shared handle id.
func (p *DockerProvisioner) CreateInfrastructure(ctx context.Context, req Request) (Handle, error) {
	if req.DeploymentID == "" || req.ModelID == "" {
		return Handle{}, fmt.Errorf("deployment and model ids required")
	}
	replicas := req.Config.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	handleID := uuid.NewString()
	endpoint := p.endpointFor(req.ModelID, req.Environment)

	created := make([]string, 0, replicas)
	for i := 0; i < replicas; i++ {
		id, err := p.startReplica(ctx, req, handleID, i)
		if err != nil {
			for _, containerID := range created {
				if rmErr := p.removeContainer(context.WithoutCancel(ctx), containerID); rmErr != nil && p.logger != nil {
					p.logger.Warn("failed to clean up replica after create error", "container_id", containerID, "error", rmErr)
				}
			}
			return Handle{}, fmt.Errorf("start replica %d: %w", i, err)
		}
		created = append(created, id)
	}

	if p.logger != nil {
		p.logger.Info("infrastructure created", "handle", handleID, "deployment_id", req.DeploymentID, "replicas", replicas)
	}
	return Handle{ID: handleID, Endpoint: endpoint}, nil
}

// SwitchTraffic re-points the stable endpoint alias from one handle's
// containers to the other's. The endpoint string itself does not change.
func (p *DockerProvisioner) SwitchTraffic(ctx context.Context, from, to Handle) error {
	toContainers, err := p.containersForHandle(ctx, to.ID)
	if err != nil {
		return fmt.Errorf("resolve target handle: %w", err)
	}
	if len(toContainers) == 0 {
		return fmt.Errorf("target handle %s has no running containers", to.ID)
	}
	// Promote the target by label; the ingress watches these labels.
	for _, c := range toContainers {
		if err := p.client.ContainerRename(ctx, c, activeName(to.ID, c)); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("promote container %s: %w", c, err)
		}
	}
	if p.logger != nil {
		p.logger.Info("traffic switched", "from_handle", from.ID, "to_handle", to.ID)
	}
	return nil
}

// HealthCheck probes the first container of the handle over HTTP.
func (p *DockerProvisioner) HealthCheck(ctx context.Context, handle Handle) (Health, error) {
	containers, err := p.containersForHandle(ctx, handle.ID)
	if err != nil {
		return Health{}, err
	}
	if len(containers) == 0 {
		return Health{Healthy: false}, nil
	}
	inspect, err := p.client.ContainerInspect(ctx, containers[0])
	if err != nil {
		return Health{}, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return Health{Healthy: false}, nil
	}

	path := "/healthz"
	if inspect.Config != nil {
		if labelled := strings.TrimSpace(inspect.Config.Labels[labelHealthPath]); labelled != "" {
			path = labelled
		}
	}
	url := "http://" + handle.Endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Health{}, err
	}
	start := time.Now()
	resp, err := p.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Health{Healthy: false, Latency: latency}, nil
	}
	defer resp.Body.Close()
	return Health{Healthy: resp.StatusCode < 400, Latency: latency}, nil
}

// Teardown removes every container belonging to the handle. Missing
// containers are ignored so repeated teardowns succeed.
func (p *DockerProvisioner) Teardown(ctx context.Context, handle Handle) error {
	containers, err := p.containersForHandle(ctx, handle.ID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := p.removeContainer(ctx, c); err != nil {
			return fmt.Errorf("remove container %s: %w", c, err)
		}
	}
	if p.logger != nil {
		p.logger.Info("infrastructure torn down", "handle", handle.ID, "containers", len(containers))
	}
	return nil
}

// ApplyScaling adjusts the replica count for a handle by starting or
// removing labelled containers.
func (p *DockerProvisioner) ApplyScaling(ctx context.Context, handle Handle, replicas int) error {
	if replicas <= 0 {
		return fmt.Errorf("replicas must be positive")
	}
	containers, err := p.containersForHandle(ctx, handle.ID)
	if err != nil {
		return err
	}
	for len(containers) > replicas {
		last := containers[len(containers)-1]
		if err := p.removeContainer(ctx, last); err != nil {
			return fmt.Errorf("scale down: %w", err)
		}
		containers = containers[:len(containers)-1]
	}
	if len(containers) < replicas {
		if len(containers) == 0 {
			return fmt.Errorf("handle %s has no containers to clone for scale up", handle.ID)
		}
		template, err := p.client.ContainerInspect(ctx, containers[0])
		if err != nil {
			return fmt.Errorf("inspect template container: %w", err)
		}
		for i := len(containers); i < replicas; i++ {
			name := fmt.Sprintf("modelhelm-%s-%d", handle.ID[:8], i)
			resp, err := p.client.ContainerCreate(ctx, template.Config, template.HostConfig, nil, nil, name)
			if err != nil {
				return fmt.Errorf("scale up: create container: %w", err)
			}
			if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
				_ = p.removeContainer(context.WithoutCancel(ctx), resp.ID)
				return fmt.Errorf("scale up: start container: %w", err)
			}
		}
	}
	if p.logger != nil {
		p.logger.Info("scaling applied", "handle", handle.ID, "replicas", replicas)
	}
	return nil
}

// Close releases the docker client.
func (p *DockerProvisioner) Close() error {
	return p.client.Close()
}

func (p *DockerProvisioner) startReplica(ctx context.Context, req Request, handleID string, ordinal int) (string, error) {
	cfg := &container.Config{
		Image: p.servingImg,
		Env: []string{
			"MODEL_ID=" + req.ModelID,
			"VERSION_ID=" + req.VersionID,
			"ARTIFACT_URI=" + req.ArtifactURI,
		},
		Labels: map[string]string{
			labelManaged:    "true",
			labelDeployment: req.DeploymentID,
			labelModel:      req.ModelID,
			labelVersion:    req.VersionID,
			labelHandle:     handleID,
			labelHealthPath: req.Config.HealthCheckPath,
		},
	}
	hostCfg := &container.HostConfig{}
	if req.Config.CPULimitMillis > 0 {
		hostCfg.NanoCPUs = int64(req.Config.CPULimitMillis) * 1_000_000
	}
	if req.Config.MemoryLimitMB > 0 {
		hostCfg.Memory = int64(req.Config.MemoryLimitMB) * 1024 * 1024
	}
	name := fmt.Sprintf("modelhelm-%s-%d", handleID[:8], ordinal)
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (p *DockerProvisioner) containersForHandle(ctx context.Context, handleID string) ([]string, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", labelHandle+"="+handleID),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (p *DockerProvisioner) removeContainer(ctx context.Context, id string) error {
	err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (p *DockerProvisioner) endpointFor(modelID, environment string) string {
	suffix := p.domainSuffix
	if suffix == "" {
		suffix = ".serving.local"
	}
	host := strings.ToLower(modelID)
	if environment != "" {
		host = host + "-" + strings.ToLower(environment)
	}
	return host + suffix
}

func activeName(handleID, containerID string) string {
	short := containerID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("modelhelm-active-%s-%s", handleID[:8], short)
}
