package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/lease"
	"github.com/modelhelm/modelhelm/internal/metrics"
	"github.com/modelhelm/modelhelm/internal/provisioner"
	"github.com/modelhelm/modelhelm/internal/repository"
)

const (
	defaultProvisionTimeout = 2 * time.Minute
	defaultHealthTimeout    = 30 * time.Second
)

// DeployRequest describes a new deployment. Config is snapshotted onto the
// record at creation time.
type DeployRequest struct {
	ModelID     string
	VersionID   string
	Environment string
	Config      domain.DeploymentConfig
	Force       bool
}

// Service drives deployments through their lifecycle and executes zero-
// downtime rollbacks between two of them.
type Service struct {
	deployments repository.DeploymentRepository
	versions    repository.ModelVersionRepository
	leases      lease.Manager
	infra       provisioner.Provisioner
	bus         eventbus.Bus
	logger      *slog.Logger
	collector   *metrics.Collector

	provisionTimeout time.Duration
	healthTimeout    time.Duration
	now              func() time.Time
}

// New returns a deployment orchestrator.
func New(
	deployments repository.DeploymentRepository,
	versions repository.ModelVersionRepository,
	leases lease.Manager,
	infra provisioner.Provisioner,
	bus eventbus.Bus,
	logger *slog.Logger,
	collector *metrics.Collector,
	provisionTimeout, healthTimeout time.Duration,
) *Service {
	if provisionTimeout <= 0 {
		provisionTimeout = defaultProvisionTimeout
	}
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "orchestrator")
	return &Service{
		deployments:      deployments,
		versions:         versions,
		leases:           leases,
		infra:            infra,
		bus:              bus,
		logger:           logger,
		collector:        collector,
		provisionTimeout: provisionTimeout,
		healthTimeout:    healthTimeout,
		now:              time.Now,
	}
}

// Deploy takes a trained model version to traffic in the given environment.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, error) {
	if req.ModelID == "" || req.VersionID == "" || req.Environment == "" {
		return nil, fmt.Errorf("%w: model id, version id and environment are required", ErrValidation)
	}
	if req.Config.Replicas <= 0 {
		req.Config.Replicas = 1
	}

	held, err := s.leases.Acquire(ctx, req.ModelID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("%w: deployment in progress for model %s", ErrConflict, req.ModelID)
		}
		return nil, err
	}
	defer s.release(held)

	version, err := s.versions.GetModelVersion(ctx, req.VersionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: version %s not found", ErrValidation, req.VersionID)
		}
		return nil, err
	}
	if !version.Status.Deployable() {
		return nil, fmt.Errorf("%w: version %s is %s, not deployable", ErrValidation, req.VersionID, version.Status)
	}
	if version.ModelID != req.ModelID {
		return nil, fmt.Errorf("%w: version %s does not belong to model %s", ErrValidation, req.VersionID, req.ModelID)
	}

	actives, err := s.deployments.ListActiveDeployments(ctx, req.ModelID, req.Environment)
	if err != nil {
		return nil, err
	}
	if len(actives) > 0 && !req.Force {
		return nil, fmt.Errorf("%w: model %s already active in %s", ErrConflict, req.ModelID, req.Environment)
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:          uuid.NewString(),
		ModelID:     req.ModelID,
		VersionID:   req.VersionID,
		Environment: req.Environment,
		State:       domain.StatePending,
		Config:      req.Config,
		Force:       req.Force,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, deployment, domain.StateDeploying, repository.StateTransition{}); err != nil {
		return nil, err
	}
	s.publish(ctx, eventbus.TopicDeploymentStarted, deployment, nil)

	// Last point where cancellation aborts cleanly: no capacity exists yet.
	if err := ctx.Err(); err != nil {
		s.markFailed(ctx, deployment, "cancelled before provisioning: "+err.Error())
		return nil, err
	}

	handle, err := s.provision(ctx, version, deployment)
	if err != nil {
		s.markFailed(ctx, deployment, err.Error())
		s.publish(ctx, eventbus.TopicDeploymentFailed, deployment, map[string]any{"reason": err.Error()})
		s.collector.RecordDeployment("deploy", "failed")
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	// A forced deploy supersedes whatever was active; demote before
	// promoting so the store never holds two actives.
	for i := range actives {
		prior := actives[i]
		err := s.deployments.CompareAndSetState(ctx, repository.StateTransition{
			DeploymentID: prior.ID,
			From:         domain.StateActive,
			To:           domain.StateInactive,
			At:           s.now().UTC(),
		})
		if err != nil && !errors.Is(err, repository.ErrStaleState) {
			s.teardownQuietly(ctx, handle)
			s.markFailed(ctx, deployment, "demote prior active: "+err.Error())
			return nil, err
		}
	}

	if err := s.transition(ctx, deployment, domain.StateActive, repository.StateTransition{
		Endpoint:    handle.Endpoint,
		InfraHandle: handle.ID,
	}); err != nil {
		s.teardownQuietly(ctx, handle)
		return nil, err
	}
	s.publish(ctx, eventbus.TopicDeploymentCompleted, deployment, map[string]any{"endpoint": handle.Endpoint})
	s.collector.RecordDeployment("deploy", "completed")
	s.logger.Info("deployment active",
		"deployment_id", deployment.ID, "model_id", deployment.ModelID,
		"version_id", deployment.VersionID, "endpoint", deployment.Endpoint)
	return deployment, nil
}

// RollbackTo executes a blue/green cutover from the current deployment to the
// target version. On any cutover failure the current deployment keeps
// serving; that recovery path is not a retry.
func (s *Service) RollbackTo(ctx context.Context, currentDeploymentID, targetVersionID string) (*domain.Deployment, error) {
	// The first read only resolves the model so its lease can be taken;
	// every guard runs against a re-read under the lease, otherwise a
	// concurrent operation could retire blue between check and cutover.
	blue, err := s.deployments.GetDeployment(ctx, currentDeploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: deployment %s not found", ErrValidation, currentDeploymentID)
		}
		return nil, err
	}

	held, err := s.leases.Acquire(ctx, blue.ModelID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("%w: deployment in progress for model %s", ErrConflict, blue.ModelID)
		}
		return nil, err
	}
	defer s.release(held)

	blue, err = s.deployments.GetDeployment(ctx, currentDeploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: deployment %s not found", ErrValidation, currentDeploymentID)
		}
		return nil, err
	}
	if blue.State != domain.StateActive {
		return nil, fmt.Errorf("%w: deployment %s is %s, rollback requires active", ErrValidation, blue.ID, blue.State)
	}
	if targetVersionID == blue.VersionID {
		return nil, fmt.Errorf("%w: target version equals the currently deployed version", ErrValidation)
	}

	target, err := s.versions.GetModelVersion(ctx, targetVersionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: version %s not found", ErrValidation, targetVersionID)
		}
		return nil, err
	}
	if !target.Status.Deployable() {
		return nil, fmt.Errorf("%w: version %s is %s, not deployable", ErrValidation, targetVersionID, target.Status)
	}

	// The green record starts in deploying: it carries blue's config and
	// environment but the target version.
	now := s.now().UTC()
	blueID := blue.ID
	green := &domain.Deployment{
		ID:             uuid.NewString(),
		ModelID:        blue.ModelID,
		VersionID:      targetVersionID,
		Environment:    blue.Environment,
		State:          domain.StateDeploying,
		Config:         blue.Config,
		IsRollback:     true,
		RollbackFromID: &blueID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.CreateDeployment(ctx, green); err != nil {
		return nil, err
	}
	s.publish(ctx, eventbus.TopicDeploymentStarted, green, map[string]any{"rollback_from": blue.ID})

	if err := ctx.Err(); err != nil {
		s.markFailed(ctx, green, "cancelled before provisioning: "+err.Error())
		return nil, err
	}

	// Green comes up alongside the still-serving blue.
	handle, err := s.provision(ctx, target, green)
	if err != nil {
		return nil, s.recoverCutover(ctx, blue, green, handle, err)
	}

	blueHandle := provisioner.Handle{ID: blue.InfraHandle, Endpoint: blue.Endpoint}
	if err := s.switchTraffic(ctx, blueHandle, handle); err != nil {
		return nil, s.recoverCutover(ctx, blue, green, handle, err)
	}

	// Past this point traffic is on green. Blue is drained, not torn down,
	// so an operator can still inspect it.
	if err := s.transition(ctx, blue, domain.StateInactive, repository.StateTransition{}); err != nil {
		s.alertRecovery(ctx, blue, green, fmt.Errorf("demote blue after cutover: %w", err))
		return nil, fmt.Errorf("%w: traffic switched but blue not demoted: %v", ErrRecoveryFailed, err)
	}
	if err := s.transition(ctx, green, domain.StateActive, repository.StateTransition{
		Endpoint:    blue.Endpoint,
		InfraHandle: handle.ID,
	}); err != nil {
		s.alertRecovery(ctx, blue, green, fmt.Errorf("promote green after cutover: %w", err))
		return nil, fmt.Errorf("%w: traffic switched but green not promoted: %v", ErrRecoveryFailed, err)
	}
	greenID := green.ID
	if err := s.deployments.UpdateDeploymentLinkage(ctx, blue.ID, nil, &greenID); err != nil {
		s.logger.Warn("failed to link superseded deployment", "deployment_id", blue.ID, "error", err)
	}

	s.publish(ctx, eventbus.TopicRollbackCompleted, green, map[string]any{
		"rollback_from": blue.ID,
		"endpoint":      green.Endpoint,
	})
	s.collector.RecordRollback("completed")
	s.logger.Info("rollback cutover complete",
		"model_id", green.ModelID, "from_deployment", blue.ID, "to_deployment", green.ID,
		"from_version", blue.VersionID, "to_version", green.VersionID)
	return green, nil
}

// Scale changes the replica count of an active deployment.
func (s *Service) Scale(ctx context.Context, deploymentID string, replicas int) error {
	deployment, err := s.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: deployment %s not found", ErrValidation, deploymentID)
		}
		return err
	}
	if deployment.State != domain.StateActive {
		return fmt.Errorf("%w: scaling requires active, deployment is %s", ErrValidation, deployment.State)
	}
	if replicas < deployment.Config.MinReplicas || (deployment.Config.MaxReplicas > 0 && replicas > deployment.Config.MaxReplicas) {
		return fmt.Errorf("%w: replicas %d outside bounds [%d, %d]",
			ErrValidation, replicas, deployment.Config.MinReplicas, deployment.Config.MaxReplicas)
	}

	held, err := s.leases.Acquire(ctx, deployment.ModelID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("%w: deployment in progress for model %s", ErrConflict, deployment.ModelID)
		}
		return err
	}
	defer s.release(held)

	opCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()
	handle := provisioner.Handle{ID: deployment.InfraHandle, Endpoint: deployment.Endpoint}
	if err := s.infra.ApplyScaling(opCtx, handle, replicas); err != nil {
		s.collector.RecordDeployment("scale", "failed")
		return fmt.Errorf("%w: apply scaling: %v", ErrProvisioning, err)
	}
	if err := s.deployments.UpdateDeploymentScaling(ctx, deployment.ID, replicas); err != nil {
		return err
	}
	s.collector.RecordDeployment("scale", "completed")
	s.logger.Info("deployment scaled", "deployment_id", deployment.ID, "replicas", replicas)
	return nil
}

// Undeploy tears down a deployment's capacity. Calling it on an already
// undeployed record is a no-op success.
func (s *Service) Undeploy(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: deployment %s not found", ErrValidation, deploymentID)
		}
		return err
	}
	if deployment.State == domain.StateUndeployed {
		return nil
	}
	if deployment.State != domain.StateActive && deployment.State != domain.StateFailed {
		return fmt.Errorf("%w: undeploy requires active or failed, deployment is %s", ErrValidation, deployment.State)
	}

	held, err := s.leases.Acquire(ctx, deployment.ModelID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("%w: deployment in progress for model %s", ErrConflict, deployment.ModelID)
		}
		return err
	}
	defer s.release(held)

	if deployment.InfraHandle != "" {
		opCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
		defer cancel()
		handle := provisioner.Handle{ID: deployment.InfraHandle, Endpoint: deployment.Endpoint}
		if err := s.infra.Teardown(opCtx, handle); err != nil {
			s.collector.RecordDeployment("undeploy", "failed")
			return fmt.Errorf("%w: teardown: %v", ErrProvisioning, err)
		}
	}
	if err := s.transition(ctx, deployment, domain.StateUndeployed, repository.StateTransition{}); err != nil {
		return err
	}
	s.collector.RecordDeployment("undeploy", "completed")
	s.logger.Info("deployment undeployed", "deployment_id", deployment.ID, "model_id", deployment.ModelID)
	return nil
}

// PreviousActiveVersion walks the deployment history for the newest version
// that served before the current one. It is the rollback target used by
// drift remediation.
func (s *Service) PreviousActiveVersion(ctx context.Context, modelID, environment, currentVersionID string) (string, string, error) {
	history, err := s.deployments.ListDeploymentHistory(ctx, modelID, environment, 50)
	if err != nil {
		return "", "", err
	}
	for _, d := range history {
		if d.VersionID == currentVersionID {
			continue
		}
		// Inactive and rolled-back records were active once; their
		// version is a proven serving candidate.
		if d.State == domain.StateInactive || d.State == domain.StateRolledBack {
			return d.VersionID, d.ID, nil
		}
	}
	return "", "", fmt.Errorf("%w: no previously active version for model %s", repository.ErrNotFound, modelID)
}

// provision creates capacity for a deployment and verifies it is healthy.
// It returns the handle of healthy infrastructure, or tears down whatever
// came up and reports the first error.
func (s *Service) provision(ctx context.Context, version *domain.ModelVersion, deployment *domain.Deployment) (provisioner.Handle, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()

	start := s.now()
	handle, err := s.infra.CreateInfrastructure(opCtx, provisioner.Request{
		DeploymentID: deployment.ID,
		ModelID:      deployment.ModelID,
		VersionID:    deployment.VersionID,
		Environment:  deployment.Environment,
		ArtifactURI:  version.ArtifactURI,
		Config:       deployment.Config,
	})
	s.collector.ObserveProvisioning("create", s.now().Sub(start))
	if err != nil {
		return provisioner.Handle{}, fmt.Errorf("create infrastructure: %w", err)
	}

	healthCtx, cancelHealth := context.WithTimeout(ctx, s.healthTimeout)
	defer cancelHealth()
	health, err := s.infra.HealthCheck(healthCtx, handle)
	if err != nil {
		s.teardownQuietly(ctx, handle)
		return handle, fmt.Errorf("health check: %w", err)
	}
	if !health.Healthy {
		s.teardownQuietly(ctx, handle)
		return handle, fmt.Errorf("instance unhealthy after provisioning (latency %s)", health.Latency)
	}
	return handle, nil
}

func (s *Service) switchTraffic(ctx context.Context, from, to provisioner.Handle) error {
	opCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	start := s.now()
	err := s.infra.SwitchTraffic(opCtx, from, to)
	s.collector.ObserveProvisioning("switch", s.now().Sub(start))
	if err != nil {
		return fmt.Errorf("switch traffic: %w", err)
	}
	return nil
}

// recoverCutover is the rollback recovery path: green failed before traffic
// moved, so blue keeps serving. Recovery runs even when ctx is already
// cancelled or expired.
func (s *Service) recoverCutover(ctx context.Context, blue, green *domain.Deployment, handle provisioner.Handle, cause error) error {
	recoveryCtx := context.WithoutCancel(ctx)

	s.markFailed(recoveryCtx, green, cause.Error())
	if handle.ID != "" {
		s.teardownQuietly(recoveryCtx, handle)
	}

	// Blue was never demoted; re-read to confirm it still serves.
	confirmed, err := s.deployments.GetDeployment(recoveryCtx, blue.ID)
	if err != nil || confirmed.State != domain.StateActive {
		s.alertRecovery(recoveryCtx, blue, green, cause)
		s.collector.RecordRollback("recovery_failed")
		return fmt.Errorf("%w: cutover failed (%v) and blue %s is no longer active", ErrRecoveryFailed, cause, blue.ID)
	}

	s.publish(recoveryCtx, eventbus.TopicDeploymentFailed, green, map[string]any{
		"reason":        cause.Error(),
		"rollback_from": blue.ID,
	})
	s.collector.RecordRollback("recovered")
	s.logger.Warn("rollback cutover failed, prior deployment still serving",
		"model_id", blue.ModelID, "blue_deployment", blue.ID, "green_deployment", green.ID, "error", cause)
	return fmt.Errorf("%w: %v", ErrProvisioning, cause)
}

func (s *Service) transition(ctx context.Context, deployment *domain.Deployment, to domain.DeploymentState, extra repository.StateTransition) error {
	if !deployment.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrValidation, deployment.State, to)
	}
	at := s.now().UTC()
	err := s.deployments.CompareAndSetState(ctx, repository.StateTransition{
		DeploymentID:  deployment.ID,
		From:          deployment.State,
		To:            to,
		Endpoint:      extra.Endpoint,
		InfraHandle:   extra.InfraHandle,
		FailureReason: extra.FailureReason,
		At:            at,
	})
	if err != nil {
		return err
	}
	deployment.State = to
	deployment.UpdatedAt = at
	if extra.Endpoint != "" {
		deployment.Endpoint = extra.Endpoint
	}
	if extra.InfraHandle != "" {
		deployment.InfraHandle = extra.InfraHandle
	}
	switch to {
	case domain.StateActive:
		deployment.DeployedAt = &at
		deployment.ActivatedAt = &at
	case domain.StateInactive, domain.StateRolledBack:
		deployment.RolledBackAt = &at
	case domain.StateUndeployed:
		deployment.UndeployedAt = &at
	case domain.StateFailed:
		deployment.FailureReason = extra.FailureReason
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, deployment *domain.Deployment, reason string) {
	err := s.transition(context.WithoutCancel(ctx), deployment, domain.StateFailed, repository.StateTransition{
		FailureReason: reason,
	})
	if err != nil {
		s.logger.Error("failed to mark deployment failed",
			"deployment_id", deployment.ID, "reason", reason, "error", err)
	}
}

func (s *Service) teardownQuietly(ctx context.Context, handle provisioner.Handle) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.provisionTimeout)
	defer cancel()
	if err := s.infra.Teardown(opCtx, handle); err != nil {
		s.logger.Warn("best-effort teardown failed", "handle", handle.ID, "error", err)
	}
}

func (s *Service) alertRecovery(ctx context.Context, blue, green *domain.Deployment, cause error) {
	s.publish(context.WithoutCancel(ctx), eventbus.TopicRemediationAlert, green, map[string]any{
		"reason":          "rollback recovery failed",
		"error":           cause.Error(),
		"blue_deployment": blue.ID,
	})
	s.logger.Error("rollback recovery failed, model may be unserved",
		"model_id", blue.ModelID, "blue_deployment", blue.ID, "green_deployment", green.ID, "error", cause)
}

func (s *Service) publish(ctx context.Context, topic string, deployment *domain.Deployment, payload map[string]any) {
	if s.bus == nil {
		return
	}
	event := eventbus.Event{
		Topic:        topic,
		ModelID:      deployment.ModelID,
		DeploymentID: deployment.ID,
		Timestamp:    s.now().UTC(),
		Payload:      payload,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "deployment_id", deployment.ID, "error", err)
	}
}

func (s *Service) release(held lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := held.Release(ctx); err != nil {
		s.logger.Warn("failed to release lease", "error", err)
	}
}
