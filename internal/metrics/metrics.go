// Package metrics records run results as Prometheus collectors and pushes
// them to a Pushgateway, since a run is too short-lived to be scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/kuitang/sitecheck/internal/harness"
)

const namespace = "sitecheck"

// Recorder holds the run collectors.
type Recorder struct {
	registry *prometheus.Registry

	scenarios *prometheus.CounterVec
	steps     *prometheus.CounterVec
	duration  prometheus.Histogram
	lastRun   prometheus.Gauge
	lastOK    prometheus.Gauge
}

// NewRecorder registers the collectors on a fresh registry so repeated
// runs in one process never collide.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		scenarios: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Scenarios finished, by outcome.",
		}, []string{"outcome"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps finished, by status and failure kind.",
		}, []string{"status", "kind"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of each scenario run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		lastOK: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 when no scenario failed in the last run.",
		}),
	}
}

// Registry exposes the collectors for Push or tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe records one finished scenario. It is safe for concurrent use.
func (r *Recorder) Observe(res harness.ScenarioResult) {
	r.scenarios.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != harness.OutcomeSkipped || res.Duration > 0 {
		r.duration.Observe(res.Duration.Seconds())
	}
	for _, s := range res.Steps {
		kind := string(s.Kind)
		if kind == "" {
			kind = "none"
		}
		r.steps.WithLabelValues(string(s.Status), kind).Inc()
	}
}

// Finish records batch-level gauges.
func (r *Recorder) Finish(b harness.Batch) {
	r.lastRun.Set(float64(b.Started.Add(b.Duration).Unix()))
	if b.Failed() {
		r.lastOK.Set(0)
	} else {
		r.lastOK.Set(1)
	}
}

// Push sends every collector to the Pushgateway at url under job, replacing
// the previous push for the same grouping.
func (r *Recorder) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).Gatherer(r.registry)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pusher.PushContext(pushCtx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
