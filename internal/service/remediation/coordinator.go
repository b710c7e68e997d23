package remediation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/metrics"
	"github.com/modelhelm/modelhelm/internal/repository"
	"github.com/modelhelm/modelhelm/internal/service/orchestrator"
)

// Orchestrator is the slice of the deployment orchestrator remediation needs.
type Orchestrator interface {
	RollbackTo(ctx context.Context, currentDeploymentID, targetVersionID string) (*domain.Deployment, error)
	PreviousActiveVersion(ctx context.Context, modelID, environment, currentVersionID string) (string, string, error)
}

// Coordinator reacts to scoring-engine events. Critical drift rolls the model
// back to its last proven version; high drift raises a retrain signal; lower
// severities are only logged. Remediation never auto-acts below the top
// severity, so a flapping score cannot thrash deployments.
type Coordinator struct {
	orch        Orchestrator
	deployments repository.DeploymentRepository
	bus         eventbus.Bus
	collector   *metrics.Collector
	logger      *slog.Logger
	environment string
	now         func() time.Time

	// Delivery is at-least-once and assessments may arrive out of order;
	// a per-(topic,model) high-water timestamp drops both duplicates and
	// stale events.
	mu   sync.Mutex
	seen map[string]time.Time
}

// New constructs a remediation coordinator scoped to one environment.
func New(
	orch Orchestrator,
	deployments repository.DeploymentRepository,
	bus eventbus.Bus,
	collector *metrics.Collector,
	environment string,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "remediation")
	return &Coordinator{
		orch:        orch,
		deployments: deployments,
		bus:         bus,
		collector:   collector,
		logger:      logger,
		environment: environment,
		now:         time.Now,
		seen:        make(map[string]time.Time),
	}
}

// Run consumes drift and decay events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	events, err := c.bus.Subscribe(ctx, eventbus.TopicDriftDetected, eventbus.TopicPerformanceDecay)
	if err != nil {
		return err
	}
	c.logger.Info("remediation coordinator started", "environment", c.environment)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("remediation coordinator stopped")
			return nil
		case event, ok := <-events:
			if !ok {
				c.logger.Info("remediation coordinator stopped", "reason", "subscription closed")
				return nil
			}
			c.Handle(ctx, event)
		}
	}
}

// Handle applies the remediation policy to one event. Errors are published
// as alert events, never returned: there is no synchronous caller.
func (c *Coordinator) Handle(ctx context.Context, event eventbus.Event) {
	if event.ModelID == "" {
		return
	}
	if !c.advance(event.Topic, event.ModelID, event.Timestamp) {
		c.logger.Info("event ignored", "topic", event.Topic, "model_id", event.ModelID, "timestamp", event.Timestamp)
		return
	}

	switch event.Topic {
	case eventbus.TopicDriftDetected:
		c.handleDrift(ctx, event)
	case eventbus.TopicPerformanceDecay:
		c.handleDecay(ctx, event)
	}
}

func (c *Coordinator) handleDrift(ctx context.Context, event eventbus.Event) {
	severity := domain.Severity(payloadString(event.Payload, "severity"))
	switch {
	case severity == domain.SeverityCritical:
		c.rollback(ctx, event)
	case severity == domain.SeverityHigh:
		c.collector.RecordRemediation("retrain")
		c.publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicRetrainRequired,
			ModelID:   event.ModelID,
			Timestamp: event.Timestamp,
			Payload: map[string]any{
				"reason": "drift severity high",
			},
		})
	default:
		c.collector.RecordRemediation("log")
		c.logger.Info("drift noted, no action", "model_id", event.ModelID, "severity", severity)
	}
}

func (c *Coordinator) handleDecay(ctx context.Context, event eventbus.Event) {
	c.collector.RecordRemediation("retrain")
	c.publish(ctx, eventbus.Event{
		Topic:     eventbus.TopicRetrainRequired,
		ModelID:   event.ModelID,
		Timestamp: event.Timestamp,
		Payload: map[string]any{
			"reason":      "performance decay",
			"decay_score": event.Payload["decay_score"],
		},
	})
}

// rollback rolls the model back to its most recent previously active
// version. With no active deployment or no prior version there is nothing
// safe to do automatically, so it alerts instead.
func (c *Coordinator) rollback(ctx context.Context, event eventbus.Event) {
	actives, err := c.deployments.ListActiveDeployments(ctx, event.ModelID, c.environment)
	if err != nil {
		c.alert(ctx, event.ModelID, "failed to resolve active deployment", err)
		return
	}
	if len(actives) == 0 {
		c.alert(ctx, event.ModelID, "critical drift with no active deployment", nil)
		return
	}
	current := actives[0]

	targetVersion, _, err := c.orch.PreviousActiveVersion(ctx, event.ModelID, c.environment, current.VersionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.alert(ctx, event.ModelID, "critical drift with no rollback target", nil)
			return
		}
		c.alert(ctx, event.ModelID, "failed to resolve rollback target", err)
		return
	}

	rolled, err := c.orch.RollbackTo(ctx, current.ID, targetVersion)
	if err != nil {
		// Lease conflicts mean a deployment-mutating operation is already
		// in flight for this model; the in-flight operation wins.
		if errors.Is(err, orchestrator.ErrConflict) {
			c.logger.Info("rollback suppressed, operation in progress", "model_id", event.ModelID)
			return
		}
		c.alert(ctx, event.ModelID, "automatic rollback failed", err)
		return
	}
	c.collector.RecordRemediation("rollback")
	c.logger.Info("automatic rollback completed",
		"model_id", event.ModelID,
		"from_deployment_id", current.ID,
		"to_deployment_id", rolled.ID,
		"target_version_id", targetVersion)
}

// advance records the event timestamp and reports whether it is newer than
// everything already handled for that (topic, model).
func (c *Coordinator) advance(topic, modelID string, ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := topic + "|" + modelID
	if last, ok := c.seen[key]; ok && !ts.After(last) {
		return false
	}
	c.seen[key] = ts
	return true
}

func (c *Coordinator) alert(ctx context.Context, modelID, reason string, cause error) {
	c.collector.RecordRemediation("alert")
	if cause != nil {
		c.logger.Error("remediation alert", "model_id", modelID, "reason", reason, "error", cause)
	} else {
		c.logger.Warn("remediation alert", "model_id", modelID, "reason", reason)
	}
	payload := map[string]any{"reason": reason}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	c.publish(ctx, eventbus.Event{
		Topic:     eventbus.TopicRemediationAlert,
		ModelID:   modelID,
		Timestamp: c.now().UTC(),
		Payload:   payload,
	})
}

func (c *Coordinator) publish(ctx context.Context, event eventbus.Event) {
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish event", "topic", event.Topic, "model_id", event.ModelID, "error", err)
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
