// Package metrics exposes Prometheus collectors for the sync engine.
// All recording methods are safe to call on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convsync"

// Collector aggregates the engine's counters, gauges and histograms.
type Collector struct {
	registry *prometheus.Registry
	start    time.Time

	messagesApplied prometheus.Counter
	messagesDropped prometheus.Counter
	flushBatch      prometheus.Histogram
	notifications   *prometheus.CounterVec
	unreadTotal     prometheus.Gauge
	connected       *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	joins           *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	fetchTimeouts   prometheus.Counter
	storageErrors   prometheus.Counter
	toastsShown     prometheus.Counter
	sendsTotal      *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),

		messagesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_applied_total",
			Help: "Messages merged into the store",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Inbound messages discarded as unusable or stale",
		}),
		flushBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_batch_size",
			Help:    "Messages per coalesced store flush",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications received by outcome",
		}, []string{"outcome"}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unread_total",
			Help: "Sum of unread counters across conversations",
		}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected",
			Help: "1 while the namespace transport is connected",
		}, []string{"namespace"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Transport reconnections per namespace",
		}, []string{"namespace"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "joins_total",
			Help: "Room join attempts by result",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fetch_latency_seconds",
			Help:    "Time from page request to response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		fetchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_timeouts_total",
			Help: "Page requests that hit the timeout ceiling",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_errors_total",
			Help: "Failed durable writes",
		}),
		toastsShown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "toasts_shown_total",
			Help: "Toasts displayed",
		}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Outbound sends by result",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.messagesApplied, c.messagesDropped, c.flushBatch,
		c.notifications, c.unreadTotal, c.connected, c.reconnects,
		c.joins, c.fetchLatency, c.fetchTimeouts, c.storageErrors,
		c.toastsShown, c.sendsTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help: "Time since start in seconds",
		}, func() float64 { return time.Since(c.start).Seconds() }),
	)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler renders the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Flushed records one coalesced flush that applied n messages.
func (c *Collector) Flushed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.messagesApplied.Add(float64(n))
	c.flushBatch.Observe(float64(n))
}

// Dropped records n discarded inbound messages.
func (c *Collector) Dropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.messagesDropped.Add(float64(n))
}

// Notification records a notification outcome: delivered, suppressed or malformed.
func (c *Collector) Notification(outcome string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(outcome).Inc()
}

// Unread sets the unread total.
func (c *Collector) Unread(total int) {
	if c == nil {
		return
	}
	c.unreadTotal.Set(float64(total))
}

// Connection records a transport status change.
func (c *Collector) Connection(ns string, up, reconnected bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.connected.WithLabelValues(ns).Set(v)
	if reconnected {
		c.reconnects.WithLabelValues(ns).Inc()
	}
}

// Join records a join attempt result.
func (c *Collector) Join(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.joins.WithLabelValues("ok").Inc()
	} else {
		c.joins.WithLabelValues("error").Inc()
	}
}

// Fetched records the latency of an answered page request.
func (c *Collector) Fetched(d time.Duration) {
	if c == nil {
		return
	}
	c.fetchLatency.Observe(d.Seconds())
}

// FetchTimedOut records a page request that got no response.
func (c *Collector) FetchTimedOut() {
	if c == nil {
		return
	}
	c.fetchTimeouts.Inc()
}

// StorageError records a failed durable write.
func (c *Collector) StorageError() {
	if c == nil {
		return
	}
	c.storageErrors.Inc()
}

// ToastShown records a displayed toast.
func (c *Collector) ToastShown() {
	if c == nil {
		return
	}
	c.toastsShown.Inc()
}

// Send records an outbound send result: ok, rejected or error.
func (c *Collector) Send(result string) {
	if c == nil {
		return
	}
	c.sendsTotal.WithLabelValues(result).Inc()
}
