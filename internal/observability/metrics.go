package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the delivery service.
type Metrics struct {
	ActiveDeliveries prometheus.Gauge
	DeliveryEvents   *prometheus.CounterVec
	ChunksDelivered  prometheus.Counter
	DispatchRetries  prometheus.Counter
	DispatchErrors   *prometheus.CounterVec
	InterChunkGap    prometheus.Histogram

	pacing *pacingWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveDeliveries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_deliveries",
			Help:      "Number of delivery sessions currently releasing chunks.",
		}),
		DeliveryEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_events_total",
			Help:      "Delivery lifecycle events by type.",
		}, []string{"event"}),
		ChunksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_delivered_total",
			Help:      "Chunks dispatched successfully to the sink.",
		}),
		DispatchRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Chunk dispatch attempts retried after a transient failure.",
		}),
		DispatchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Sink dispatch errors by kind.",
		}, []string{"kind"}),
		InterChunkGap: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inter_chunk_gap_ms",
			Help:      "Gap between consecutive chunk dispatches in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		pacing: newPacingWindow(256),
	}
}

func (m *Metrics) ObserveInterChunkGap(d time.Duration) {
	m.InterChunkGap.Observe(float64(d.Milliseconds()))
}

// ObservePacingStage records a stage duration into the rolling window used
// by the perf endpoint.
func (m *Metrics) ObservePacingStage(stage string, d time.Duration) {
	if m == nil || m.pacing == nil {
		return
	}
	m.pacing.Observe(stage, float64(d.Milliseconds()))
}

// ObservePacingIndicator bumps a named occurrence counter in the rolling
// window.
func (m *Metrics) ObservePacingIndicator(name string) {
	if m == nil || m.pacing == nil {
		return
	}
	m.pacing.ObserveIndicator(name)
}

// SnapshotPacing returns percentile stats over the recent pacing stages.
func (m *Metrics) SnapshotPacing() PacingSnapshot {
	if m == nil || m.pacing == nil {
		return PacingSnapshot{}
	}
	return m.pacing.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
