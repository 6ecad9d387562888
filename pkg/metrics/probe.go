// Package metrics exports probe outcomes and Temporal SDK metrics to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dev/bravebird/scene-verifier/pkg/models"
)

const namespace = "scene_verifier"

var (
	metricProbeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_runs_total",
		Help:      "Number of finished probe runs by outcome (success or fault kind).",
	}, []string{"outcome"})
	metricProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_duration_seconds",
		Help:      "Wall-clock duration of finished probe runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
	})
	metricScreenshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "screenshot_bytes",
		Help:      "Size of the last screenshot written.",
	})
)

// Outcome is the label a finished run is counted under
func Outcome(result models.ProbeResult) string {
	if result.Status == models.StatusSuccess {
		return "success"
	}
	if result.FaultKind != models.FaultNone {
		return string(result.FaultKind)
	}
	return string(result.Status)
}

// RecordProbe records a finished run
func RecordProbe(result models.ProbeResult) {
	metricProbeRuns.WithLabelValues(Outcome(result)).Inc()
	if result.TotalDuration > 0 {
		metricProbeDuration.Observe(float64(result.TotalDuration) / 1000)
	}
	if result.ScreenshotBytes > 0 {
		metricScreenshotBytes.Set(float64(result.ScreenshotBytes))
	}
}
