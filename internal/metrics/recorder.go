// Package metrics turns pipeline events into Prometheus series and can push
// them to a Pushgateway once a run ends.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/splax/forge/internal/pipeline"
)

const jobName = "forge"

var histogramBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Recorder implements pipeline.Observer.
type Recorder struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	bundleBytes  prometheus.Gauge
	logger       *slog.Logger
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "deploy",
			Name:      "step_duration_seconds",
			Help:      "Duration of deployment pipeline steps",
			Buckets:   histogramBuckets,
		}, []string{"step", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "deploy",
			Name:      "retries_total",
			Help:      "Number of retried build and upload attempts",
		}, []string{"operation"}),
		bundleBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "deploy",
			Name:      "bundle_bytes",
			Help:      "Compressed size of the uploaded bundle",
		}),
		logger: logger,
	}
	for _, collector := range []prometheus.Collector{r.stepDuration, r.retries, r.bundleBytes} {
		if err := r.registry.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				logger.Warn("metric registration failed", "error", err)
			}
		}
	}
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements pipeline.Observer.
func (r *Recorder) Observe(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.StepCompleted:
		r.stepDuration.With(prometheus.Labels{"step": string(ev.Step), "outcome": "completed"}).Observe(ev.Elapsed.Seconds())
	case pipeline.StepFailed:
		r.stepDuration.With(prometheus.Labels{"step": string(ev.Step), "outcome": "failed"}).Observe(ev.Elapsed.Seconds())
	case pipeline.Retrying:
		op := ev.Operation
		if op == "" {
			op = string(ev.Step)
		}
		r.retries.With(prometheus.Labels{"operation": op}).Inc()
	case pipeline.BundleReady:
		r.bundleBytes.Set(float64(ev.Bytes))
	}
}

// Push sends every gathered series to the Pushgateway at url. An empty url
// is a no-op.
func (r *Recorder) Push(ctx context.Context, url string, grouping map[string]string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	pusher := push.New(url, jobName).Gatherer(r.registry)
	for name, value := range grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	r.logger.Debug("metrics pushed", "url", url)
	return nil
}
