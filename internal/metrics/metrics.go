// Package metrics holds the Prometheus instruments shared by the messaging
// subsystem. Instruments are constructed once at startup and injected, never
// registered from package-level state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the instrument set for the websocket and persistence paths.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	FramesIn          *prometheus.CounterVec
	FramesDelivered   prometheus.Counter
	FramesDropped     prometheus.Counter
	RateLimited       prometheus.Counter
	BufferScheduled   prometheus.Counter
	BufferFlushes     prometheus.Counter
	BufferFlushFails  prometheus.Counter
	ReceiptsDrained   prometheus.Counter
	Notifications     prometheus.Counter
}

// New constructs and registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_active_connections",
			Help: "Currently registered websocket connections.",
		}),
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_frames_in_total",
			Help: "Inbound frames by message type.",
		}, []string{"type"}),
		FramesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_frames_delivered_total",
			Help: "Frames enqueued onto a live connection.",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_frames_dropped_total",
			Help: "Frames dropped due to backpressure or closed clients.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_rate_limited_total",
			Help: "Inbound frames rejected by the rate limiter.",
		}),
		BufferScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_buffer_scheduled_total",
			Help: "Message documents scheduled into the write buffer.",
		}),
		BufferFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_buffer_flushes_total",
			Help: "Write buffer flushes attempted.",
		}),
		BufferFlushFails: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_buffer_flush_failures_total",
			Help: "Write buffer flushes that failed and were requeued.",
		}),
		ReceiptsDrained: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_read_receipts_drained_total",
			Help: "Read events consumed by the receipt aggregator.",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_push_notifications_total",
			Help: "Push notifications handed to the notifier.",
		}),
	}
}

// NewForTest returns an instrument set on a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
