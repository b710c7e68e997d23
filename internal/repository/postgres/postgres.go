package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.ModelVersionRepository = (*Repository)(nil)
	_ repository.ObservationRepository  = (*Repository)(nil)
	_ repository.BaselineRepository     = (*Repository)(nil)
	_ repository.AssessmentRepository   = (*Repository)(nil)
)

const deploymentColumns = `id, model_id, version_id, environment, state,
	replicas, min_replicas, max_replicas, cpu_limit_millis, memory_limit_mb,
	health_check_path, health_check_interval_ms, health_check_timeout_ms,
	endpoint, infra_handle, is_rollback, force_deploy, rollback_from_id, superseded_by_id,
	failure_reason, created_at, deployed_at, activated_at, rolled_back_at, undeployed_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO deployments (id, model_id, version_id, environment, state,
			replicas, min_replicas, max_replicas, cpu_limit_millis, memory_limit_mb,
			health_check_path, health_check_interval_ms, health_check_timeout_ms,
			endpoint, infra_handle, is_rollback, force_deploy, rollback_from_id, superseded_by_id,
			failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.ModelID,
		d.VersionID,
		d.Environment,
		d.State,
		d.Config.Replicas,
		d.Config.MinReplicas,
		d.Config.MaxReplicas,
		d.Config.CPULimitMillis,
		d.Config.MemoryLimitMB,
		d.Config.HealthCheckPath,
		d.Config.HealthCheckInterval.Milliseconds(),
		d.Config.HealthCheckTimeout.Milliseconds(),
		d.Endpoint,
		d.InfraHandle,
		d.IsRollback,
		d.Force,
		stringPtrToNil(d.RollbackFromID),
		stringPtrToNil(d.SupersededByID),
		d.FailureReason,
		d.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// CompareAndSetState transitions a deployment only when it is still in the
// expected predecessor state. Timestamps are stamped once, based on the
// target state.
func (r *Repository) CompareAndSetState(ctx context.Context, t repository.StateTransition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const query = `UPDATE deployments SET
			state = $3,
			endpoint = COALESCE(NULLIF($4, ''), endpoint),
			infra_handle = COALESCE(NULLIF($5, ''), infra_handle),
			failure_reason = CASE WHEN $3 = 'failed' THEN $6 ELSE failure_reason END,
			deployed_at = CASE WHEN $3 = 'active' AND deployed_at IS NULL THEN $7 ELSE deployed_at END,
			activated_at = CASE WHEN $3 = 'active' AND activated_at IS NULL THEN $7 ELSE activated_at END,
			rolled_back_at = CASE WHEN $3 IN ('rolled_back', 'inactive') AND rolled_back_at IS NULL THEN $7 ELSE rolled_back_at END,
			undeployed_at = CASE WHEN $3 = 'undeployed' AND undeployed_at IS NULL THEN $7 ELSE undeployed_at END,
			updated_at = $7
		WHERE id = $1 AND state = $2`
	tag, err := r.pool.Exec(ctx, query,
		t.DeploymentID,
		t.From,
		t.To,
		t.Endpoint,
		t.InfraHandle,
		t.FailureReason,
		at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetDeployment(ctx, t.DeploymentID); errors.Is(getErr, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return repository.ErrStaleState
	}
	return nil
}

// UpdateDeploymentLinkage sets the rollback history chain pointers.
func (r *Repository) UpdateDeploymentLinkage(ctx context.Context, id string, rollbackFromID, supersededByID *string) error {
	const query = `UPDATE deployments SET
			rollback_from_id = COALESCE($2, rollback_from_id),
			superseded_by_id = COALESCE($3, superseded_by_id),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, stringPtrToNil(rollbackFromID), stringPtrToNil(supersededByID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateDeploymentScaling persists a new replica count.
func (r *Repository) UpdateDeploymentScaling(ctx context.Context, id string, replicas int) error {
	const query = `UPDATE deployments SET replicas = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, replicas)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActiveDeployments returns active deployments for a model, optionally
// scoped to one environment.
func (r *Repository) ListActiveDeployments(ctx context.Context, modelID, environment string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE model_id = $1 AND state = 'active' AND ($2 = '' OR environment = $2)
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, modelID, strings.TrimSpace(environment))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentHistory returns recent deployments for a (model, environment)
// newest first.
func (r *Repository) ListDeploymentHistory(ctx context.Context, modelID, environment string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE model_id = $1 AND environment = $2
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, modelID, environment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsInStateBefore finds deployments stuck in a state since
// before the cutoff.
func (r *Repository) ListDeploymentsInStateBefore(ctx context.Context, state domain.DeploymentState, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE state = $1 AND updated_at < $2`
	rows, err := r.pool.Query(ctx, query, state, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// GetModelVersion reads registry-owned version metadata.
func (r *Repository) GetModelVersion(ctx context.Context, versionID string) (*domain.ModelVersion, error) {
	const query = `SELECT id, model_id, status, artifact_uri, created_at
		FROM model_versions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, versionID)
	var v domain.ModelVersion
	if err := row.Scan(&v.ID, &v.ModelID, &v.Status, &v.ArtifactURI, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d              domain.Deployment
		intervalMS     int64
		timeoutMS      int64
		rollbackFromID *string
		supersededByID *string
		deployedAt     *time.Time
		activatedAt    *time.Time
		rolledBackAt   *time.Time
		undeployedAt   *time.Time
	)
	if err := row.Scan(
		&d.ID,
		&d.ModelID,
		&d.VersionID,
		&d.Environment,
		&d.State,
		&d.Config.Replicas,
		&d.Config.MinReplicas,
		&d.Config.MaxReplicas,
		&d.Config.CPULimitMillis,
		&d.Config.MemoryLimitMB,
		&d.Config.HealthCheckPath,
		&intervalMS,
		&timeoutMS,
		&d.Endpoint,
		&d.InfraHandle,
		&d.IsRollback,
		&d.Force,
		&rollbackFromID,
		&supersededByID,
		&d.FailureReason,
		&d.CreatedAt,
		&deployedAt,
		&activatedAt,
		&rolledBackAt,
		&undeployedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Config.HealthCheckInterval = time.Duration(intervalMS) * time.Millisecond
	d.Config.HealthCheckTimeout = time.Duration(timeoutMS) * time.Millisecond
	d.RollbackFromID = rollbackFromID
	d.SupersededByID = supersededByID
	d.DeployedAt = utcPtr(deployedAt)
	d.ActivatedAt = utcPtr(activatedAt)
	d.RolledBackAt = utcPtr(rolledBackAt)
	d.UndeployedAt = utcPtr(undeployedAt)
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
