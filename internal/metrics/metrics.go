// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScrapeDuration observes per-strategy scrape latency.
	ScrapeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "domainintel",
		Subsystem: "scrape",
		Name:      "duration_seconds",
		Help:      "Scrape duration by strategy.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"strategy"})

	// PhaseRuns counts pipeline phase executions by outcome.
	PhaseRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domainintel",
		Subsystem: "pipeline",
		Name:      "phase_runs_total",
		Help:      "Phase executions by phase and outcome.",
	}, []string{"phase", "outcome"})

	// EventsEmitted counts events written to session streams.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "domainintel",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Events emitted by type.",
	}, []string{"type"})

	// ActiveStreams gauges currently connected SSE clients.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "domainintel",
		Subsystem: "events",
		Name:      "active_streams",
		Help:      "Currently connected event stream clients.",
	})

	// DedupEntries gauges the size of the content dedup cache.
	DedupEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "domainintel",
		Subsystem: "dedup",
		Name:      "entries",
		Help:      "Entries currently held by the deduplicator.",
	})
)

// ObserveScrape records one scrape duration. Shaped to plug into the
// strategy selector's performance hook.
func ObserveScrape(strategy string, durationMs int64) {
	ScrapeDuration.WithLabelValues(strategy).Observe(float64(durationMs) / 1000)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
