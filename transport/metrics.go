package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gbx_dispatcher"

const (
	outcomeOK          = "ok"
	outcomeFault       = "fault"
	outcomeDecodeError = "decode_error"
	outcomeClosed      = "closed"
	outcomeAbandoned   = "abandoned"

	eventDelivered = "delivered"
	eventUnhandled = "unhandled"
	eventDropped   = "dropped"
	eventPanicked  = "panicked"
)

// Collector is a prometheus.Collector that collects metrics about
// dispatchers. A nil *Collector records nothing.
type Collector struct {
	pending        prometheus.Gauge
	requests       *prometheus.CounterVec
	requestLatency prometheus.Histogram
	events         *prometheus.CounterVec
	unknownHandles prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_requests",
				Help:      "The number of requests waiting for a response.",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of resolved requests by outcome.",
			}, []string{"outcome"},
		),
		requestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "The time from submission to resolution of a request.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of server-pushed events by outcome.",
			}, []string{"outcome"},
		),
		unknownHandles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "unknown_handles_total",
				Help:      "The number of responses that matched no pending request.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pending.Describe(ch)
	c.requests.Describe(ch)
	c.requestLatency.Describe(ch)
	c.events.Describe(ch)
	c.unknownHandles.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.pending.Collect(ch)
	c.requests.Collect(ch)
	c.requestLatency.Collect(ch)
	c.events.Collect(ch)
	c.unknownHandles.Collect(ch)
}

func (c *Collector) submitted() {
	if c == nil {
		return
	}
	c.pending.Inc()
}

func (c *Collector) resolved(outcome string, submittedAt time.Time) {
	if c == nil {
		return
	}
	c.pending.Dec()
	c.requests.WithLabelValues(outcome).Inc()
	c.requestLatency.Observe(time.Since(submittedAt).Seconds())
}

func (c *Collector) event(outcome string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(outcome).Inc()
}

func (c *Collector) unknownHandle() {
	if c == nil {
		return
	}
	c.unknownHandles.Inc()
}
