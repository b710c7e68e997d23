package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/repository"
)

const (
	defaultSweepInterval = 30 * time.Second
	sweepTimeout         = 15 * time.Second
)

// Sweeper fails deployments stuck in deploying past their TTL: an
// orchestrator that died mid-provisioning must not leave records in
// deploying forever.
type Sweeper struct {
	deployments repository.DeploymentRepository
	bus         eventbus.Bus
	logger      *slog.Logger

	interval     time.Duration
	deployingTTL time.Duration
	now          func() time.Time
}

// NewSweeper constructs a sweeper. It returns nil when the TTL guard is
// disabled.
func NewSweeper(deployments repository.DeploymentRepository, bus eventbus.Bus, logger *slog.Logger, interval, deployingTTL time.Duration) *Sweeper {
	if deployments == nil || deployingTTL <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "sweeper")
	return &Sweeper{
		deployments:  deployments,
		bus:          bus,
		logger:       logger,
		interval:     interval,
		deployingTTL: deployingTTL,
		now:          time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("deployment sweeper started", "interval", s.interval, "deploying_ttl", s.deployingTTL)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("deployment sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(parent context.Context) {
	timeout := sweepTimeout
	if s.interval > 0 && s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := s.now().UTC().Add(-s.deployingTTL)
	stuck, err := s.deployments.ListDeploymentsInStateBefore(ctx, domain.StateDeploying, cutoff)
	if err != nil {
		s.logger.Warn("failed to list stuck deployments", "error", err)
		return
	}

	for _, d := range stuck {
		reason := fmt.Sprintf("deployment timed out after %s in deploying", s.deployingTTL)
		err := s.deployments.CompareAndSetState(ctx, repository.StateTransition{
			DeploymentID:  d.ID,
			From:          domain.StateDeploying,
			To:            domain.StateFailed,
			FailureReason: reason,
			At:            s.now().UTC(),
		})
		if err != nil {
			// A concurrent transition won; the record is no longer stuck.
			if errors.Is(err, repository.ErrStaleState) {
				continue
			}
			s.logger.Warn("failed to time out deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		s.logger.Info("deployment marked failed after deploying timeout", "deployment_id", d.ID, "model_id", d.ModelID)
		if s.bus != nil {
			event := eventbus.Event{
				Topic:        eventbus.TopicDeploymentFailed,
				ModelID:      d.ModelID,
				DeploymentID: d.ID,
				Timestamp:    s.now().UTC(),
				Payload:      map[string]any{"reason": reason},
			}
			if err := s.bus.Publish(ctx, event); err != nil {
				s.logger.Warn("failed to publish sweep event", "deployment_id", d.ID, "error", err)
			}
		}
	}
}
