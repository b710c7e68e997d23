package eventbus

import (
	"context"
	"time"
)

// Topics carried on the bus. Delivery is at-least-once; consumers must be
// idempotent on (topic, model id, timestamp).
const (
	TopicDeploymentStarted   = "deployment.started"
	TopicDeploymentCompleted = "deployment.completed"
	TopicDeploymentFailed    = "deployment.failed"
	TopicRollbackCompleted   = "deployment.rollback.completed"
	TopicDriftDetected       = "model.drift.detected"
	TopicRetrainRequired     = "model.retrain.required"
	TopicPerformanceDecay    = "model.performance.decay"
	TopicRemediationAlert    = "model.remediation.alert"
)

// Event is a structured record published on a topic. Payload carries
// topic-specific fields (assessment scores, decay score, reason).
type Event struct {
	Topic        string         `json:"topic"`
	ModelID      string         `json:"model_id"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Bus publishes and subscribes to structured events.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel delivering events for the given topics
	// until ctx is cancelled.
	Subscribe(ctx context.Context, topics ...string) (<-chan Event, error)
	Close() error
}
