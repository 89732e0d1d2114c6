// Package metrics exposes Prometheus counters for admission decisions,
// facilitator latency and HTTP traffic.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chronicle"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	decisions   *prometheus.CounterVec
	facilitator *prometheus.HistogramVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	uploads     prometheus.Counter
	revenue     *prometheus.CounterVec
	gatherer    prometheus.Gatherer
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by resource class and outcome.",
		}, []string{"class", "outcome"}),
		facilitator: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "facilitator_duration_seconds",
			Help:      "Facilitator verify+settle latency by verdict.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Documents stored.",
		}),
		revenue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_usd_total",
			Help:      "USD value of admitted payments by resource class.",
		}, []string{"class"}),
		gatherer: reg,
	}
	reg.MustRegister(m.decisions, m.facilitator, m.requests, m.latency, m.uploads, m.revenue)
	return m
}

// Decision counts one admission outcome.
func (m *Metrics) Decision(class, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(class, outcome).Inc()
}

// Admitted adds the price of an admitted request.
func (m *Metrics) Admitted(class string, priceUSD float64) {
	if m == nil {
		return
	}
	m.revenue.WithLabelValues(class).Add(priceUSD)
}

func (m *Metrics) Facilitator(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.facilitator.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) Upload() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}

// Middleware counts requests by their registered route, not the raw path.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
