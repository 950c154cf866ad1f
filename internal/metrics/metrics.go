// Package metrics exposes guardian activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// Collector groups every metric the service exports. Each Collector owns
// its registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	Violations       *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	Score            prometheus.Gauge
	ActiveViolations prometheus.Gauge
	EmergencyFlags   *prometheus.GaugeVec
	ComplianceChecks *prometheus.CounterVec
	AlertFailures    prometheus.Counter
	PersistFailures  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Violations recorded, by law and severity.",
		}, []string{"law", "severity"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Outbound signals emitted, by kind.",
		}, []string{"kind"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_actions_total",
			Help:      "Enforcement actions applied to violations.",
		}, []string{"action"}),
		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compliance_score",
			Help:      "Current compliance score (0-100).",
		}),
		ActiveViolations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_violations",
			Help:      "Unresolved violations.",
		}),
		EmergencyFlags: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_flag",
			Help:      "Emergency flag state (1=raised).",
		}, []string{"flag"}),
		ComplianceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compliance_checks_total",
			Help:      "Scheduled compliance checks, by result.",
		}, []string{"result"}),
		AlertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Audit writes that failed, by table.",
		}, []string{"table"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Violations,
		c.Signals,
		c.Actions,
		c.Score,
		c.ActiveViolations,
		c.EmergencyFlags,
		c.ComplianceChecks,
		c.AlertFailures,
		c.PersistFailures,
		c.HTTPRequests,
		c.HTTPDuration,
	)
	c.Score.Set(100)
	return c
}

// Registry returns the registry backing the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetFlags mirrors the emergency flags onto the flag gauge.
func (c *Collector) SetFlags(emergency, frozen, balance bool) {
	c.EmergencyFlags.WithLabelValues("emergency_mode").Set(boolGauge(emergency))
	c.EmergencyFlags.WithLabelValues("funds_frozen").Set(boolGauge(frozen))
	c.EmergencyFlags.WithLabelValues("balance_emergency").Set(boolGauge(balance))
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
