package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oncopharm"

// Recorder owns every collector on its own registry, so several servers (or
// tests) in one process never share counters.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	messages      *prometheus.CounterVec
	riskEvaluated *prometheus.CounterVec
}

// NewRecorder builds the collectors and registers them together with the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Lab messages received, by source and outcome",
		}, []string{"source", "outcome"}),
		riskEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_evaluations_total",
			Help:      "Risk state computations, by resulting severity and status",
		}, []string{"severity", "status"}),
	}
	r.registry.MustRegister(
		r.httpRequests, r.httpDuration, r.httpInFlight, r.messages, r.riskEvaluated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// MessageIngested counts one ingested message.
func (r *Recorder) MessageIngested(source, outcome string) {
	r.messages.WithLabelValues(source, outcome).Inc()
}

// RiskEvaluated counts one computed risk state.
func (r *Recorder) RiskEvaluated(severity, status string) {
	r.riskEvaluated.WithLabelValues(severity, status).Inc()
}

// RegisterPool exports Postgres pool gauges.
func (r *Recorder) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, f func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return f(pool.Stat()) })
	}
	r.registry.MustRegister(
		gauge("total_conns", "Connections currently open", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("acquired_conns", "Connections currently in use", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware records request counts and latency. Routes are labelled by
// their template (/api/v1/patients/:id/risk) to keep cardinality bounded.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			r.httpInFlight.Inc()
			defer r.httpInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
