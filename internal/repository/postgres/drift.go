package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/repository"
)

// GetRecentObservations returns the newest production observations for a
// model, newest first.
func (r *Repository) GetRecentObservations(ctx context.Context, modelID string, limit int) ([]domain.Observation, error) {
	if limit <= 0 {
		limit = 1000
	}
	const query = `SELECT model_id, features, prediction, label, recorded_at
		FROM observations WHERE model_id = $1 ORDER BY recorded_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observations := make([]domain.Observation, 0)
	for rows.Next() {
		var (
			o        domain.Observation
			features []byte
		)
		if err := rows.Scan(&o.ModelID, &features, &o.Prediction, &o.Label, &o.RecordedAt); err != nil {
			return nil, err
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &o.Features); err != nil {
				return nil, fmt.Errorf("decode observation features: %w", err)
			}
		}
		o.RecordedAt = o.RecordedAt.UTC()
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// GetMetricWindow returns samples for one metric recorded at or after since.
func (r *Repository) GetMetricWindow(ctx context.Context, modelID, metric string, since time.Time) ([]domain.PerformanceSample, error) {
	const query = `SELECT model_id, metric, value, metadata, recorded_at
		FROM performance_samples
		WHERE model_id = $1 AND metric = $2 AND recorded_at >= $3
		ORDER BY recorded_at ASC`
	rows, err := r.pool.Query(ctx, query, modelID, metric, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.PerformanceSample, 0)
	for rows.Next() {
		var (
			s        domain.PerformanceSample
			metadata []byte
		)
		if err := rows.Scan(&s.ModelID, &s.Metric, &s.Value, &metadata, &s.RecordedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, fmt.Errorf("decode sample metadata: %w", err)
			}
		}
		s.RecordedAt = s.RecordedAt.UTC()
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ListTrackedMetrics returns the distinct metric names recorded for a model.
func (r *Repository) ListTrackedMetrics(ctx context.Context, modelID string) ([]string, error) {
	const query = `SELECT DISTINCT metric FROM performance_samples WHERE model_id = $1 ORDER BY metric`
	rows, err := r.pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]string, 0)
	for rows.Next() {
		var metric string
		if err := rows.Scan(&metric); err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}

// GetBaseline loads the training-time reference snapshot for a model.
func (r *Repository) GetBaseline(ctx context.Context, modelID string) (*domain.Baseline, error) {
	const query = `SELECT model_id, features, label_mean, label_stddev, metrics, captured_at
		FROM baselines WHERE model_id = $1`
	row := r.pool.QueryRow(ctx, query, modelID)
	var (
		b        domain.Baseline
		features []byte
		metrics  []byte
	)
	if err := row.Scan(&b.ModelID, &features, &b.Label.Mean, &b.Label.StdDev, &metrics, &b.CapturedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &b.Features); err != nil {
			return nil, fmt.Errorf("decode baseline features: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &b.Metrics); err != nil {
			return nil, fmt.Errorf("decode baseline metrics: %w", err)
		}
	}
	b.CapturedAt = b.CapturedAt.UTC()
	return &b, nil
}

// AppendAssessment writes an immutable drift assessment.
func (r *Repository) AppendAssessment(ctx context.Context, a *domain.DriftAssessment) error {
	if a == nil {
		return fmt.Errorf("assessment required")
	}
	const query = `INSERT INTO drift_assessments (id, model_id, assessed_at,
			feature_drift, label_drift, concept_drift, data_quality_drift,
			overall_score, severity, no_data, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.ModelID,
		a.Timestamp,
		a.FeatureDrift,
		a.LabelDrift,
		a.ConceptDrift,
		a.DataQualityDrift,
		a.OverallScore,
		a.Severity,
		a.NoData,
		a.SampleCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetLatestAssessment returns the newest assessment for a model by assessed
// timestamp.
func (r *Repository) GetLatestAssessment(ctx context.Context, modelID string) (*domain.DriftAssessment, error) {
	const query = `SELECT id, model_id, assessed_at,
			feature_drift, label_drift, concept_drift, data_quality_drift,
			overall_score, severity, no_data, sample_count
		FROM drift_assessments WHERE model_id = $1
		ORDER BY assessed_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, modelID)
	var a domain.DriftAssessment
	if err := row.Scan(
		&a.ID,
		&a.ModelID,
		&a.Timestamp,
		&a.FeatureDrift,
		&a.LabelDrift,
		&a.ConceptDrift,
		&a.DataQualityDrift,
		&a.OverallScore,
		&a.Severity,
		&a.NoData,
		&a.SampleCount,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

// ListAssessedModelIDs returns the models with a stored baseline, the set the
// drift scheduler cycles over.
func (r *Repository) ListAssessedModelIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT model_id FROM baselines ORDER BY model_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
