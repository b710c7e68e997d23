package drift

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/modelhelm/modelhelm/internal/repository"
)

const defaultAssessInterval = 5 * time.Minute

// Scheduler runs periodic assessments for every model that has a baseline.
// Each model is evaluated independently; one failing model never blocks the
// rest of the sweep.
type Scheduler struct {
	engine      *Engine
	assessments repository.AssessmentRepository
	logger      *slog.Logger
	interval    time.Duration
}

// NewScheduler constructs the periodic assessment loop.
func NewScheduler(engine *Engine, assessments repository.AssessmentRepository, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultAssessInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "drift-scheduler")
	return &Scheduler{
		engine:      engine,
		assessments: assessments,
		logger:      logger,
		interval:    interval,
	}
}

// Run assesses all tracked models on a ticker until ctx is cancelled. The
// first sweep runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("drift scheduler started", "interval", s.interval)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("drift scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	modelIDs, err := s.assessments.ListAssessedModelIDs(ctx)
	if err != nil {
		s.logger.Warn("failed to list tracked models", "error", err)
		return
	}

	for _, modelID := range modelIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.Assess(ctx, modelID); err != nil {
			s.logger.Warn("assessment failed", "model_id", modelID, "error", err)
		}
		if _, err := s.engine.PerformanceDecay(ctx, modelID); err != nil {
			s.logger.Warn("decay evaluation failed", "model_id", modelID, "error", err)
		}
	}
}
