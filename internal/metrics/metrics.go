// Package metrics exposes dispatcher, queue, connectivity and update state as
// Prometheus metrics for the innkeep daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/queue"
	syncsvc "github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

const namespace = "innkeep"

var updatePhases = []update.Phase{
	update.PhaseIdle,
	update.PhaseChecking,
	update.PhaseAvailable,
	update.PhaseDownloading,
	update.PhaseReady,
	update.PhaseError,
}

// Collector records innkeep metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	invokeLatency *prometheus.HistogramVec
	replays       *prometheus.CounterVec
	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram

	queueActions   *prometheus.GaugeVec
	online         prometheus.Gauge
	hardOffline    prometheus.Gauge
	updatePhase    *prometheus.GaugeVec
	updateProgress prometheus.Gauge
}

// NewCollector creates a collector with the Go runtime and process collectors
// registered alongside innkeep's own metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Operations handled by the dispatcher, by outcome",
		}, []string{"operation", "outcome"}),
		invokeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "Dispatcher latency in seconds, by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Queued actions replayed against the backend, by outcome",
		}, []string{"operation", "outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Completed drain passes",
		}, []string{"sync_type", "interrupted"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Drain pass duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		queueActions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "actions",
			Help:      "Queued actions by status",
		}, []string{"status"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the platform reports network connectivity",
		}),
		hardOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "hard_offline",
			Help:      "1 when the last backend probe failed",
		}),
		updatePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "phase",
			Help:      "1 for the current self-update phase",
		}, []string{"phase"}),
		updateProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "download_progress_percent",
			Help:      "Download progress of the staged update",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.invocations,
		c.invokeLatency,
		c.replays,
		c.passes,
		c.passDuration,
		c.queueActions,
		c.online,
		c.hardOffline,
		c.updatePhase,
		c.updateProgress,
	)

	// start from a consistent picture before the first notification arrives
	c.ObserveConnectivity(connectivity.State{Online: true})
	c.ObserveCounts(queue.Counts{})
	c.ObserveUpdate(update.Status{Phase: update.PhaseIdle})

	return c
}

// Registry returns the registry metrics are recorded on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveInvoke records one dispatcher call
func (c *Collector) ObserveInvoke(operation, outcome string, elapsed time.Duration) {
	c.invocations.WithLabelValues(operation, outcome).Inc()
	c.invokeLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveReplay records one replayed action
func (c *Collector) ObserveReplay(operation, outcome string) {
	c.replays.WithLabelValues(operation, outcome).Inc()
}

// ObservePass records a finished drain pass
func (c *Collector) ObservePass(result *syncsvc.SyncResult) {
	if result == nil {
		return
	}
	c.passes.WithLabelValues(string(result.SyncType), strconv.FormatBool(result.Interrupted)).Inc()
	c.passDuration.Observe(result.Duration.Seconds())
}

// ObserveCounts mirrors queue counts. It matches the synchronizer's counts listener.
func (c *Collector) ObserveCounts(counts queue.Counts) {
	c.queueActions.WithLabelValues(string(queue.StatusPending)).Set(float64(counts.Pending))
	c.queueActions.WithLabelValues(string(queue.StatusSyncing)).Set(float64(counts.Syncing))
	c.queueActions.WithLabelValues(string(queue.StatusFailed)).Set(float64(counts.Failed))
}

// ObserveConnectivity mirrors the monitor state
func (c *Collector) ObserveConnectivity(state connectivity.State) {
	c.online.Set(boolGauge(state.Online))
	c.hardOffline.Set(boolGauge(state.HardOffline))
}

// ObserveUpdate mirrors the update phase and download progress
func (c *Collector) ObserveUpdate(status update.Status) {
	for _, p := range updatePhases {
		c.updatePhase.WithLabelValues(string(p)).Set(boolGauge(p == status.Phase))
	}
	if status.Phase == update.PhaseDownloading || status.Phase == update.PhaseReady {
		progress := status.ProgressPercent
		if status.Phase == update.PhaseReady {
			progress = 100
		}
		c.updateProgress.Set(progress)
		return
	}
	c.updateProgress.Set(0)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
