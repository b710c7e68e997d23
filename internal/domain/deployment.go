package domain

import "time"

// DeploymentState is the lifecycle state of a deployment record.
type DeploymentState string

// Deployment lifecycle states. Pending is initial; Undeployed, Inactive and
// RolledBack are terminal for the record, the history chain continues through
// RollbackFromID/SupersededByID.
const (
	StatePending    DeploymentState = "pending"
	StateDeploying  DeploymentState = "deploying"
	StateActive     DeploymentState = "active"
	StateFailed     DeploymentState = "failed"
	StateRolledBack DeploymentState = "rolled_back"
	StateUndeployed DeploymentState = "undeployed"
	StateInactive   DeploymentState = "inactive"
)

// CanTransitionTo reports whether next is a legal successor state.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	switch s {
	case StatePending:
		return next == StateDeploying
	case StateDeploying:
		return next == StateActive || next == StateFailed
	case StateActive:
		return next == StateInactive || next == StateUndeployed || next == StateRolledBack
	case StateFailed:
		return next == StateUndeployed
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s DeploymentState) Terminal() bool {
	switch s {
	case StateUndeployed, StateInactive, StateRolledBack:
		return true
	default:
		return false
	}
}

// DeploymentConfig is the resource shape of a deployment. It is copied from
// the request at creation time and never live-reloaded.
type DeploymentConfig struct {
	Replicas            int
	MinReplicas         int
	MaxReplicas         int
	CPULimitMillis      int
	MemoryLimitMB       int
	HealthCheckPath     string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// Deployment is one serving instance of a (model, version) pair in one
// environment.
type Deployment struct {
	ID          string
	ModelID     string
	VersionID   string
	Environment string
	State       DeploymentState
	Config      DeploymentConfig

	// Endpoint is assigned once provisioning succeeds and stays stable
	// across rollbacks.
	Endpoint       string
	InfraHandle    string
	IsRollback     bool
	Force          bool
	RollbackFromID *string
	SupersededByID *string
	FailureReason  string

	CreatedAt    time.Time
	DeployedAt   *time.Time
	ActivatedAt  *time.Time
	RolledBackAt *time.Time
	UndeployedAt *time.Time
	UpdatedAt    time.Time
}
