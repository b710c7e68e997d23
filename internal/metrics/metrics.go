package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var provisionBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector exposes the orchestration and drift counters.
type Collector struct {
	deployments   *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	assessments   *prometheus.CounterVec
	remediations  *prometheus.CounterVec
	provisionTime *prometheus.HistogramVec
}

// New registers and returns the collector. Registration is idempotent so
// repeated construction in tests reuses the existing collectors.
func New() *Collector {
	c := &Collector{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhelm",
			Subsystem: "orchestrator",
			Name:      "deployments_total",
			Help:      "Count of deployment operations by outcome",
		}, []string{"operation", "outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhelm",
			Subsystem: "orchestrator",
			Name:      "rollbacks_total",
			Help:      "Count of rollback cutovers by outcome",
		}, []string{"outcome"}),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhelm",
			Subsystem: "drift",
			Name:      "assessments_total",
			Help:      "Count of drift assessments by severity",
		}, []string{"severity"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhelm",
			Subsystem: "remediation",
			Name:      "actions_total",
			Help:      "Count of remediation actions by kind",
		}, []string{"action"}),
		provisionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelhelm",
			Subsystem: "orchestrator",
			Name:      "provision_duration_seconds",
			Help:      "Latency distribution of infrastructure provisioning",
			Buckets:   provisionBuckets,
		}, []string{"operation"}),
	}

	c.deployments = registerCounterVec(c.deployments)
	c.rollbacks = registerCounterVec(c.rollbacks)
	c.assessments = registerCounterVec(c.assessments)
	c.remediations = registerCounterVec(c.remediations)
	c.provisionTime = registerHistogramVec(c.provisionTime)
	return c
}

// RecordDeployment counts one deployment-mutating operation.
func (c *Collector) RecordDeployment(operation, outcome string) {
	if c == nil {
		return
	}
	c.deployments.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}

// RecordRollback counts one rollback cutover attempt.
func (c *Collector) RecordRollback(outcome string) {
	if c == nil {
		return
	}
	c.rollbacks.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordAssessment counts one drift assessment.
func (c *Collector) RecordAssessment(severity string) {
	if c == nil {
		return
	}
	c.assessments.With(prometheus.Labels{"severity": severity}).Inc()
}

// RecordRemediation counts one remediation decision.
func (c *Collector) RecordRemediation(action string) {
	if c == nil {
		return
	}
	c.remediations.With(prometheus.Labels{"action": action}).Inc()
}

// ObserveProvisioning records how long a provisioning step took.
func (c *Collector) ObserveProvisioning(operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.provisionTime.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			if logger != nil {
				logger.Warn("metrics listener shutdown failed", "error", err)
			}
		}
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func registerCounterVec(vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func registerHistogramVec(vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return vec
}
