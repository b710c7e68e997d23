package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/metrics"
	"github.com/modelhelm/modelhelm/internal/repository"
	"github.com/modelhelm/modelhelm/pkg/config"
)

const (
	defaultObservationLimit = 1000
	defaultMinSampleCount   = 30
	defaultDecayWindow      = 7 * 24 * time.Hour
)

// Engine computes drift and decay scores for one model at a time. Every
// evaluation is appended as an immutable assessment; publication only happens
// for scored (non-NoData) results above the configured thresholds.
type Engine struct {
	observations repository.ObservationRepository
	baselines    repository.BaselineRepository
	assessments  repository.AssessmentRepository
	bus          eventbus.Bus
	collector    *metrics.Collector
	logger       *slog.Logger

	weights    config.DriftWeights
	thresholds config.DriftThresholds

	observationLimit int
	minSampleCount   int
	decayWindow      time.Duration
	decayThreshold   float64
	now              func() time.Time
}

// NewEngine constructs a scoring engine. Weights must sum to 1 so the overall
// score stays in [0,1].
func NewEngine(
	observations repository.ObservationRepository,
	baselines repository.BaselineRepository,
	assessments repository.AssessmentRepository,
	bus eventbus.Bus,
	collector *metrics.Collector,
	cfg config.OrchestratorConfig,
	logger *slog.Logger,
) (*Engine, error) {
	if observations == nil || baselines == nil || assessments == nil {
		return nil, fmt.Errorf("observation, baseline and assessment repositories are required")
	}
	if sum := cfg.DriftWeights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return nil, fmt.Errorf("drift weights must sum to 1.0, got %.4f", sum)
	}
	t := cfg.DriftThresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return nil, fmt.Errorf("drift thresholds must be strictly ascending")
	}
	e := &Engine{
		observations:     observations,
		baselines:        baselines,
		assessments:      assessments,
		bus:              bus,
		collector:        collector,
		logger:           logger,
		weights:          cfg.DriftWeights,
		thresholds:       t,
		observationLimit: cfg.ObservationLimit,
		minSampleCount:   cfg.MinSampleCount,
		decayWindow:      cfg.DecayWindow,
		decayThreshold:   cfg.DecayThreshold,
		now:              time.Now,
	}
	if e.observationLimit <= 0 {
		e.observationLimit = defaultObservationLimit
	}
	if e.minSampleCount <= 0 {
		e.minSampleCount = defaultMinSampleCount
	}
	if e.decayWindow <= 0 {
		e.decayWindow = defaultDecayWindow
	}
	if e.logger != nil {
		e.logger = e.logger.With("component", "drift")
	}
	return e, nil
}

// Classify maps an overall score onto a severity band. Threshold values are
// exclusive lower bounds.
func Classify(score float64, t config.DriftThresholds) domain.Severity {
	switch {
	case score > t.Critical:
		return domain.SeverityCritical
	case score > t.High:
		return domain.SeverityHigh
	case score > t.Medium:
		return domain.SeverityMedium
	case score > t.Low:
		return domain.SeverityLow
	default:
		return domain.SeverityNone
	}
}

// Assess evaluates the four drift signals for the model against its stored
// baseline and persists the result. With too few observations, or no baseline,
// the result is NoData: nothing is classified and nothing is published, since
// absence of signal is not absence of drift.
func (e *Engine) Assess(ctx context.Context, modelID string) (*domain.DriftAssessment, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model id is required")
	}

	observations, err := e.observations.GetRecentObservations(ctx, modelID, e.observationLimit)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	if len(observations) < e.minSampleCount {
		return e.noData(ctx, modelID, len(observations), "insufficient observations")
	}

	baseline, err := e.baselines.GetBaseline(ctx, modelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.noData(ctx, modelID, len(observations), "no baseline")
		}
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	assessment := &domain.DriftAssessment{
		ID:               uuid.NewString(),
		ModelID:          modelID,
		Timestamp:        e.now().UTC(),
		FeatureDrift:     e.featureDrift(observations, baseline),
		LabelDrift:       e.labelDrift(observations, baseline),
		ConceptDrift:     e.conceptDrift(ctx, modelID, baseline),
		DataQualityDrift: e.qualityDrift(observations, baseline),
		SampleCount:      len(observations),
	}
	assessment.OverallScore = clamp01(e.weights.Feature*assessment.FeatureDrift +
		e.weights.Label*assessment.LabelDrift +
		e.weights.Concept*assessment.ConceptDrift +
		e.weights.Quality*assessment.DataQualityDrift)
	assessment.Severity = Classify(assessment.OverallScore, e.thresholds)

	if err := e.assessments.AppendAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("persist assessment: %w", err)
	}
	e.collector.RecordAssessment(string(assessment.Severity))
	if e.logger != nil {
		e.logger.Info("model assessed",
			"model_id", modelID,
			"overall_score", assessment.OverallScore,
			"severity", assessment.Severity,
			"samples", assessment.SampleCount)
	}

	if assessment.OverallScore > e.thresholds.Medium {
		e.publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicDriftDetected,
			ModelID:   modelID,
			Timestamp: assessment.Timestamp,
			Payload: map[string]any{
				"assessment_id": assessment.ID,
				"overall_score": assessment.OverallScore,
				"severity":      string(assessment.Severity),
			},
		})
	}
	if assessment.Severity.AtLeast(domain.SeverityHigh) {
		e.publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicRetrainRequired,
			ModelID:   modelID,
			Timestamp: assessment.Timestamp,
			Payload: map[string]any{
				"reason":        "drift severity " + string(assessment.Severity),
				"overall_score": assessment.OverallScore,
			},
		})
	}
	return assessment, nil
}

// PerformanceDecay compares the trailing-window mean of each tracked metric
// against its training baseline. Decay above the configured threshold raises
// a decay alert independently of drift severity.
func (e *Engine) PerformanceDecay(ctx context.Context, modelID string) (float64, error) {
	if modelID == "" {
		return 0, fmt.Errorf("model id is required")
	}
	baseline, err := e.baselines.GetBaseline(ctx, modelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load baseline: %w", err)
	}

	since := e.now().UTC().Add(-e.decayWindow)
	total := 0.0
	counted := 0
	for metric, reference := range baseline.Metrics {
		if reference <= 0 {
			continue
		}
		samples, err := e.observations.GetMetricWindow(ctx, modelID, metric, since)
		if err != nil {
			return 0, fmt.Errorf("load metric window %s: %w", metric, err)
		}
		if len(samples) == 0 {
			continue
		}
		current := 0.0
		for _, s := range samples {
			current += s.Value
		}
		current /= float64(len(samples))
		total += math.Max(0, (reference-current)/reference)
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	decay := total / float64(counted)

	if decay > e.decayThreshold {
		if e.logger != nil {
			e.logger.Warn("performance decay detected", "model_id", modelID, "decay_score", decay)
		}
		e.publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicPerformanceDecay,
			ModelID:   modelID,
			Timestamp: e.now().UTC(),
			Payload:   map[string]any{"decay_score": decay},
		})
	}
	return decay, nil
}

func (e *Engine) noData(ctx context.Context, modelID string, samples int, reason string) (*domain.DriftAssessment, error) {
	assessment := &domain.DriftAssessment{
		ID:          uuid.NewString(),
		ModelID:     modelID,
		Timestamp:   e.now().UTC(),
		Severity:    domain.SeverityNone,
		NoData:      true,
		SampleCount: samples,
	}
	if err := e.assessments.AppendAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("persist assessment: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("model not assessed", "model_id", modelID, "reason", reason, "samples", samples)
	}
	return assessment, nil
}

// featureDrift averages the standardized mean and spread shift of every
// baselined feature over the observation window.
func (e *Engine) featureDrift(observations []domain.Observation, baseline *domain.Baseline) float64 {
	if len(baseline.Features) == 0 {
		return 0
	}
	total := 0.0
	counted := 0
	for name, reference := range baseline.Features {
		values := make([]float64, 0, len(observations))
		for _, o := range observations {
			if v, ok := o.Features[name]; ok && isFinite(v) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		total += standardizedShift(values, reference)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return clamp01(total / float64(counted))
}

// labelDrift measures the same shift over observed labels. Unlabelled windows
// score zero rather than guessing.
func (e *Engine) labelDrift(observations []domain.Observation, baseline *domain.Baseline) float64 {
	values := make([]float64, 0, len(observations))
	for _, o := range observations {
		if o.Label != nil && isFinite(*o.Label) {
			values = append(values, *o.Label)
		}
	}
	if len(values) == 0 {
		return 0
	}
	return clamp01(standardizedShift(values, baseline.Label))
}

// conceptDrift is the trailing performance delta against the metric
// baselines, the same statistic decay alerting uses.
func (e *Engine) conceptDrift(ctx context.Context, modelID string, baseline *domain.Baseline) float64 {
	since := e.now().UTC().Add(-e.decayWindow)
	total := 0.0
	counted := 0
	for metric, reference := range baseline.Metrics {
		if reference <= 0 {
			continue
		}
		samples, err := e.observations.GetMetricWindow(ctx, modelID, metric, since)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("metric window unavailable for concept drift", "model_id", modelID, "metric", metric, "error", err)
			}
			continue
		}
		if len(samples) == 0 {
			continue
		}
		current := 0.0
		for _, s := range samples {
			current += s.Value
		}
		current /= float64(len(samples))
		total += math.Max(0, (reference-current)/reference)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return clamp01(total / float64(counted))
}

// qualityDrift scores completeness and type validity: the fraction of
// expected feature values that are missing or non-finite across the window.
func (e *Engine) qualityDrift(observations []domain.Observation, baseline *domain.Baseline) float64 {
	if len(baseline.Features) == 0 || len(observations) == 0 {
		return 0
	}
	expected := len(baseline.Features) * len(observations)
	bad := 0
	for _, o := range observations {
		for name := range baseline.Features {
			v, ok := o.Features[name]
			if !ok || !isFinite(v) {
				bad++
			}
		}
	}
	return clamp01(float64(bad) / float64(expected))
}

func (e *Engine) publish(ctx context.Context, event eventbus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil && e.logger != nil {
		e.logger.Warn("failed to publish event", "topic", event.Topic, "model_id", event.ModelID, "error", err)
	}
}

// standardizedShift is the mean of the standardized mean shift and spread
// shift between the window and the baseline stats. A baseline with zero
// spread compares means directly.
func standardizedShift(values []float64, reference domain.FeatureStats) float64 {
	m := mean(values)
	sd := stddev(values, m)
	scale := reference.StdDev
	if scale <= 0 {
		scale = math.Max(math.Abs(reference.Mean), 1)
	}
	meanShift := math.Abs(m-reference.Mean) / scale
	spreadShift := math.Abs(sd-reference.StdDev) / scale
	return (meanShift + spreadShift) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
