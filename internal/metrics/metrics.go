// Package metrics records ingestion run metrics and pushes them to a
// Prometheus Pushgateway. The job is short-lived, so nothing is scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusBusy    = "busy"
)

// Run summarizes one finished ingestion run.
type Run struct {
	Status           string
	Duration         time.Duration
	ListensInserted  int
	ListensRefreshed int
	Dropped          int
	Watermark        *time.Time // nil before the first successful run
	FinishedAt       time.Time
}

// Recorder holds the run metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	listens     *prometheus.CounterVec
	dropped     prometheus.Counter
	duration    prometheus.Histogram
	watermark   prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewRecorder creates a Recorder with all metrics registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// Labels:
		//   - status: "success", "failure", "busy"
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotify_ingest_runs_total",
				Help: "Total number of ingestion runs by outcome",
			},
			[]string{"status"},
		),

		// Labels:
		//   - result: "inserted", "refreshed"
		listens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotify_ingest_listens_total",
				Help: "Listens written by committed runs",
			},
			[]string{"result"},
		),

		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "spotify_ingest_events_dropped_total",
			Help: "Play events dropped because they could not be normalized",
		}),

		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spotify_ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		watermark: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotify_ingest_watermark_timestamp_seconds",
			Help: "Played-at instant of the newest ingested listen",
		}),

		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotify_ingest_last_success_timestamp_seconds",
			Help: "Finish time of the last successful run",
		}),
	}
}

// Registry returns the registry holding the run metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRun records one run. Listen and watermark metrics only move on success.
func (r *Recorder) ObserveRun(run Run) {
	r.runs.WithLabelValues(run.Status).Inc()
	r.duration.Observe(run.Duration.Seconds())

	if run.Status != StatusSuccess {
		return
	}

	r.listens.WithLabelValues("inserted").Add(float64(run.ListensInserted))
	r.listens.WithLabelValues("refreshed").Add(float64(run.ListensRefreshed))
	r.dropped.Add(float64(run.Dropped))
	if run.Watermark != nil {
		r.watermark.Set(float64(run.Watermark.Unix()))
	}
	r.lastSuccess.Set(float64(run.FinishedAt.Unix()))
}

// Push sends the current metrics to the Pushgateway at url under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}
