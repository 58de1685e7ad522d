// Package metrics exposes workflow and HTTP metrics in Prometheus format.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lis"

// Metrics implements sampleresults.Observer on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	dispatchTime *prometheus.HistogramVec
	reconciles   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	sessions     prometheus.GaugeFunc
}

// New registers all collectors. sessions reports the live session count and
// may be nil.
func New(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_status_transitions_total",
			Help:      "Sample status mutations by target status and result.",
		}, []string{"status", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_dispatch_total",
			Help:      "External result dispatches by outcome.",
		}, []string{"outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_dispatch_duration_seconds",
			Help:      "Time from confirmed send to joined completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_reconcile_total",
			Help:      "Dispatch intents handled by the reconciler by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.dispatches, m.dispatchTime, m.reconciles,
		m.httpRequests, m.httpDuration,
	)
	if sessions != nil {
		m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operator_sessions",
			Help:      "Live operator sessions.",
		}, func() float64 { return float64(sessions()) })
		reg.MustRegister(m.sessions)
	}
	return m
}

func (m *Metrics) ObserveTransition(status string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(status, result).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string, elapsed time.Duration) {
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconcile(outcome string) {
	m.reconciles.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = 500
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
