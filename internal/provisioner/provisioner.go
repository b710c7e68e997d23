package provisioner

import (
	"context"
	"time"

	"github.com/modelhelm/modelhelm/internal/domain"
)

// Handle identifies provisioned serving capacity. The orchestrator treats it
// as opaque.
type Handle struct {
	ID       string
	Endpoint string
}

// Health is the result of probing a handle.
type Health struct {
	Healthy bool
	Latency time.Duration
}

// Request describes the capacity to create for one deployment.
type Request struct {
	DeploymentID string
	ModelID      string
	VersionID    string
	Environment  string
	ArtifactURI  string
	Config       domain.DeploymentConfig
}

// Provisioner creates and destroys serving capacity, switches traffic and
// scales replicas. Implementations must honor ctx cancellation on every call;
// the orchestrator supplies timeouts.
type Provisioner interface {
	CreateInfrastructure(ctx context.Context, req Request) (Handle, error)
	SwitchTraffic(ctx context.Context, from, to Handle) error
	HealthCheck(ctx context.Context, handle Handle) (Health, error)
	Teardown(ctx context.Context, handle Handle) error
	ApplyScaling(ctx context.Context, handle Handle, replicas int) error
}
