// Package metrics exposes Prometheus metrics for the bot manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records bot manager activity. A nil *Collector is valid and
// records nothing, so components can run without metrics in tests.
type Collector struct {
	sessionsActive  prometheus.Gauge
	sessionStarts   *prometheus.CounterVec
	inboundEvents   *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	tasksDropped    prometheus.Counter
	tasksFailed     prometheus.Counter

	reg        prometheus.Registerer
	queueDepth prometheus.GaugeFunc
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinicbot_sessions_active",
			Help: "Live bot sessions (one per distinct token).",
		}),
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbot_session_starts_total",
			Help: "Session connection attempts by result.",
		}, []string{"result"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbot_inbound_events_total",
			Help: "Inbound bot events by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbot_deliveries_total",
			Help: "Outbound delivery attempts by category and status.",
		}, []string{"category", "status"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinicbot_delivery_latency_seconds",
			Help:    "Telegram send latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinicbot_queue_dropped_total",
			Help: "Fire-and-forget notifications dropped because the queue was full.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinicbot_queue_failed_total",
			Help: "Fire-and-forget notifications that returned an error.",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionStarts,
		c.inboundEvents,
		c.deliveries,
		c.deliveryLatency,
		c.tasksDropped,
		c.tasksFailed,
	)
	return c
}

// QueueDepth reports depth() as the number of queued notifications.
func (c *Collector) QueueDepth(depth func() int) {
	if c == nil {
		return
	}
	c.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "clinicbot_queue_depth",
		Help: "Fire-and-forget notifications waiting for a worker.",
	}, func() float64 { return float64(depth()) })
	c.reg.MustRegister(c.queueDepth)
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
	c.sessionStarts.WithLabelValues("ok").Inc()
}

func (c *Collector) SessionStartFailed() {
	if c == nil {
		return
	}
	c.sessionStarts.WithLabelValues("error").Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) InboundEvent(kind string) {
	if c == nil {
		return
	}
	c.inboundEvents.WithLabelValues(kind).Inc()
}

func (c *Collector) Delivery(category, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(category, status).Inc()
	c.deliveryLatency.Observe(took.Seconds())
}

func (c *Collector) TaskDropped() {
	if c == nil {
		return
	}
	c.tasksDropped.Inc()
}

func (c *Collector) TaskFailed() {
	if c == nil {
		return
	}
	c.tasksFailed.Inc()
}

// Handler serves the gatherer in Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
