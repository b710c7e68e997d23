package repository

import (
	"context"
	"time"

	"github.com/modelhelm/modelhelm/internal/domain"
)

// StateTransition describes a compare-and-set write against a deployment
// record. The write succeeds only when the stored state equals From; the
// store is the source of truth, not in-memory state.
type StateTransition struct {
	DeploymentID string
	From         domain.DeploymentState
	To           domain.DeploymentState

	// Optional fields stamped together with the transition.
	Endpoint      string
	InfraHandle   string
	FailureReason string
	At            time.Time
}

// DeploymentRepository stores deployment lifecycle records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// CompareAndSetState applies a transition; ErrStaleState when the
	// record is no longer in the expected predecessor state.
	CompareAndSetState(ctx context.Context, transition StateTransition) error
	UpdateDeploymentLinkage(ctx context.Context, id string, rollbackFromID, supersededByID *string) error
	UpdateDeploymentScaling(ctx context.Context, id string, replicas int) error
	ListActiveDeployments(ctx context.Context, modelID, environment string) ([]domain.Deployment, error)
	ListDeploymentHistory(ctx context.Context, modelID, environment string, limit int) ([]domain.Deployment, error)
	ListDeploymentsInStateBefore(ctx context.Context, state domain.DeploymentState, updatedBefore time.Time) ([]domain.Deployment, error)
}

// ModelVersionRepository reads version metadata owned by the model registry.
type ModelVersionRepository interface {
	GetModelVersion(ctx context.Context, versionID string) (*domain.ModelVersion, error)
}

// ObservationRepository reads the append-only production observation series.
type ObservationRepository interface {
	GetRecentObservations(ctx context.Context, modelID string, limit int) ([]domain.Observation, error)
	GetMetricWindow(ctx context.Context, modelID, metric string, since time.Time) ([]domain.PerformanceSample, error)
	ListTrackedMetrics(ctx context.Context, modelID string) ([]string, error)
}

// BaselineRepository reads reference distributions captured at training time.
type BaselineRepository interface {
	GetBaseline(ctx context.Context, modelID string) (*domain.Baseline, error)
}

// AssessmentRepository appends immutable drift assessments.
type AssessmentRepository interface {
	AppendAssessment(ctx context.Context, assessment *domain.DriftAssessment) error
	GetLatestAssessment(ctx context.Context, modelID string) (*domain.DriftAssessment, error)
	ListAssessedModelIDs(ctx context.Context) ([]string, error)
}
