// Package metrics holds the prometheus instruments of the stream service and
// the /metrics + /healthz server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus instruments. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation in tests.
type Metrics struct {
	TicksPublished *prometheus.CounterVec // labels: data_type
	EMAMessages    prometheus.Counter
	CacheErrors    *prometheus.CounterVec // labels: op
	PollErrors     prometheus.Counter
	Evictions      prometheus.Counter
	SessionStarts  prometheus.Counter
	Subscribers    prometheus.Gauge
	StreamState    prometheus.Gauge // 0=idle, 1=replaying, 2=tailing
	Watermark      prometheus.Gauge
	EMAComputeDur  prometheus.Histogram
	BroadcastDur   prometheus.Histogram
	BreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips   prometheus.Counter
	MirrorFailures prometheus.Counter
}

// NewMetrics creates the instruments and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstream_ticks_published_total",
			Help: "Tick messages broadcast, by data type",
		}, []string{"data_type"}),
		EMAMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_ema_messages_total",
			Help: "EMA messages broadcast",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstream_cache_errors_total",
			Help: "History cache failures, by operation",
		}, []string{"op"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_poll_errors_total",
			Help: "Tail poll cycles that failed against the tick store",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_subscriber_evictions_total",
			Help: "Subscribers removed after a failed write",
		}),
		SessionStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_session_starts_total",
			Help: "Stream sessions started",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstream_subscribers",
			Help: "Currently connected subscribers",
		}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstream_stream_state",
			Help: "Stream controller state (0=idle, 1=replaying, 2=tailing)",
		}),
		Watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstream_watermark_feed_time",
			Help: "Last published index tick feed time (unix seconds)",
		}),
		EMAComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickstream_ema_compute_duration_seconds",
			Help:    "Time to read the cache window and compute both EMAs",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		BroadcastDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickstream_broadcast_duration_seconds",
			Help:    "Fan-out time of one message to all subscribers",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstream_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_redis_circuit_breaker_trips_total",
			Help: "Times the redis circuit breaker tripped open",
		}),
		MirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstream_mirror_publish_failures_total",
			Help: "Failed redis mirror publishes",
		}),
	}

	reg.MustRegister(
		m.TicksPublished,
		m.EMAMessages,
		m.CacheErrors,
		m.PollErrors,
		m.Evictions,
		m.SessionStarts,
		m.Subscribers,
		m.StreamState,
		m.Watermark,
		m.EMAComputeDur,
		m.BroadcastDur,
		m.BreakerState,
		m.BreakerTrips,
		m.MirrorFailures,
	)
	return m
}

func (m *Metrics) TickPublished(dataType string) {
	if m != nil {
		m.TicksPublished.WithLabelValues(dataType).Inc()
	}
}

func (m *Metrics) EMAPublished() {
	if m != nil {
		m.EMAMessages.Inc()
	}
}

func (m *Metrics) CacheError(op string) {
	if m != nil {
		m.CacheErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.PollErrors.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.Evictions.Add(float64(n))
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionStarts.Inc()
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

func (m *Metrics) SetStreamState(s int) {
	if m != nil {
		m.StreamState.Set(float64(s))
	}
}

func (m *Metrics) SetWatermark(ft int64) {
	if m != nil {
		m.Watermark.Set(float64(ft))
	}
}

func (m *Metrics) ObserveEMACompute(d time.Duration) {
	if m != nil {
		m.EMAComputeDur.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	if m != nil {
		m.BroadcastDur.Observe(d.Seconds())
	}
}

// SetBreakerState records a breaker transition; entering open (1) counts a trip.
func (m *Metrics) SetBreakerState(s int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(s))
	if s == 1 {
		m.BreakerTrips.Inc()
	}
}

func (m *Metrics) MirrorFailed() {
	if m != nil {
		m.MirrorFailures.Inc()
	}
}
