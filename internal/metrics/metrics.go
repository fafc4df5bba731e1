package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "examflow"

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	// WebSocket metrics
	Connections prometheus.Gauge
	Frames      *prometheus.CounterVec

	// Run metrics
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	InputRequests *prometheus.CounterVec

	RateLimited prometheus.Counter
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_connections_active",
			Help:      "Number of open workflow WebSocket connections",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_frames_total",
			Help:      "Workflow frames by type and direction",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Automation runs started",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Automation runs by final status",
		}, []string{"status"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of automation runs, including time spent waiting for input",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		InputRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_requests_total",
			Help:      "Human input requests by kind",
		}, []string{"kind"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limit",
		}),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns collectors registered with the global registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
